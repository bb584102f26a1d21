// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/repomgr/internal/models"
	"github.com/sapcc/repomgr/internal/repofs"
	"github.com/sapcc/repomgr/internal/repomgr"
)

// Processor is a higher-level interface wrapping repomgr.DB and the
// repositories on disk. It abstracts DB accesses into high-level interactions
// and keeps DB updates in lockstep with filesystem accesses.
type Processor struct {
	cfg    repomgr.Configuration
	db     *repomgr.DB
	signer repomgr.Signer

	// non-pure functions that can be replaced by deterministic doubles for unit tests
	timeNow  func() time.Time
	openRepo func(root string) *repofs.Repo
}

// New creates a new Processor.
func New(cfg repomgr.Configuration, db *repomgr.DB, signer repomgr.Signer) *Processor {
	return &Processor{cfg, db, signer, time.Now, repofs.Open}
}

// OverrideTimeNow replaces time.Now with a test double.
func (p *Processor) OverrideTimeNow(timeNow func() time.Time) *Processor {
	p.timeNow = timeNow
	return p
}

// OverrideOpenRepo replaces repofs.Open with a test double.
func (p *Processor) OverrideOpenRepo(openRepo func(root string) *repofs.Repo) *Processor {
	p.openRepo = openRepo
	return p
}

// Executes the action callback within a database transaction. If the action
// callback returns success (i.e. a nil error), the transaction will be
// committed. If it returns an error or panics, the transaction will be rolled
// back.
func (p *Processor) insideTransaction(action func(*gorp.Transaction) error) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	err = action(tx)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Locks the given build for the remainder of the transaction. Returns
// ErrNotFound if it does not exist.
func lockBuild(tx *gorp.Transaction, buildID int64) (*models.Build, error) {
	build, err := repomgr.FindBuildForUpdate(tx, buildID)
	if err != nil {
		return nil, err
	}
	if build == nil {
		return nil, repomgr.ErrNotFound.With("no such build: %d", buildID)
	}
	return build, nil
}
