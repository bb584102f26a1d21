// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"encoding/json"

	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/repomgr/internal/models"
	"github.com/sapcc/repomgr/internal/repofs"
	"github.com/sapcc/repomgr/internal/repomgr"
)

// Purge job body: Removes the staging repository and object bookkeeping of a
// build. The build record itself is kept.
func (p *Processor) purgeBuild(job models.Job, log *jobLog) error {
	var params models.PurgeParams
	if job.ParamsJSON != "" {
		err := json.Unmarshal([]byte(job.ParamsJSON), &params)
		if err != nil {
			return repomgr.ErrExecutionFailed.With("malformed job parameters: %s", err.Error())
		}
	}

	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	build, err := lockBuild(tx, job.BuildID)
	if err != nil {
		return err
	}
	switch build.State {
	case models.BuildStateCommitted, models.BuildStatePublished:
		// ok
	case models.BuildStatePurged:
		return repomgr.ErrNotFound.With("build %d has already been purged", build.ID)
	default:
		if !params.Force {
			return repomgr.ErrExecutionFailed.With("build %d is %s, but only committed or published builds can be purged without force", build.ID, build.State)
		}
	}

	result, err := tx.Exec("DELETE FROM build_objects WHERE build_id = $1", build.ID)
	if err != nil {
		return err
	}
	deletedCount, err := result.RowsAffected()
	if err != nil {
		return err
	}

	now := p.timeNow()
	build.State = models.BuildStatePurged
	build.PurgedAt = &now
	_, err = tx.Update(build)
	if err != nil {
		return err
	}

	// The directory is removed before the DB commit. If the commit fails, the
	// build still looks unpurged and a new purge job will finish the work.
	err = repofs.RemoveAll(build.RepoPath)
	if err != nil {
		return repomgr.ErrFilesystem.With("cannot remove %s: %s", build.RepoPath, err.Error())
	}
	err = tx.Commit()
	if err != nil {
		return err
	}
	log.Printf("removed staging repository %s and %d object entries of build %d", build.RepoPath, deletedCount, build.ID)
	return nil
}
