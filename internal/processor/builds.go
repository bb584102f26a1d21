// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"errors"
	"io/fs"

	"github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/repomgr/internal/models"
	"github.com/sapcc/repomgr/internal/repofs"
	"github.com/sapcc/repomgr/internal/repomgr"
)

// CreateBuild creates a new build in state "open" and allocates its staging
// repository. The DB record only persists if the staging repository could be
// created, and vice versa.
func (p *Processor) CreateBuild(createdBy string) (*models.Build, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return nil, err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	build := models.Build{
		State:     models.BuildStateOpen,
		CreatedAt: p.timeNow(),
		CreatedBy: createdBy,
	}
	err = tx.Insert(&build)
	if err != nil {
		return nil, err
	}
	build.RepoPath = p.cfg.StagingRepoPath(build.ID)
	_, err = tx.Update(&build)
	if err != nil {
		return nil, err
	}

	_, err = repofs.Create(build.RepoPath)
	if err != nil {
		// the deferred rollback removes the DB record; remove what Create() managed to write
		if !errors.Is(err, fs.ErrExist) {
			if rmErr := repofs.RemoveAll(build.RepoPath); rmErr != nil {
				logg.Error("while cleaning up staging repository %s: %s", build.RepoPath, rmErr.Error())
			}
		}
		return nil, repomgr.ErrFilesystem.With("cannot create staging repository for build %d: %s", build.ID, err.Error())
	}

	err = tx.Commit()
	if err != nil {
		if rmErr := repofs.RemoveAll(build.RepoPath); rmErr != nil {
			logg.Error("while cleaning up staging repository %s: %s", build.RepoPath, rmErr.Error())
		}
		return nil, err
	}
	logg.Info("created build %d with staging repository %s", build.ID, build.RepoPath)
	return &build, nil
}

// GetBuild returns the build with the given ID, or ErrNotFound.
func (p *Processor) GetBuild(buildID int64) (*models.Build, error) {
	build, err := repomgr.FindBuild(p.db, buildID)
	if err != nil {
		return nil, err
	}
	if build == nil {
		return nil, repomgr.ErrNotFound.With("no such build: %d", buildID)
	}
	return build, nil
}

// ListBuilds returns all builds in creation order.
func (p *Processor) ListBuilds() ([]models.Build, error) {
	var builds []models.Build
	_, err := p.db.Select(&builds, "SELECT * FROM builds ORDER BY id")
	return builds, err
}

// AddReference adds a named reference to an open build. Reference names are
// unique within a build; a second reference with the same name is rejected
// with ErrConflict even if it targets the same commit. Since references are
// stored as files, a name that is a path prefix of another one is rejected
// with ErrConflict as well.
func (p *Processor) AddReference(buildID int64, name, commit string) (*models.Reference, error) {
	if !models.IsReferenceName(name) {
		return nil, repomgr.ErrInvalidRequest.With("malformed reference name: %q", name)
	}
	if !models.CommitRx.MatchString(commit) {
		return nil, repomgr.ErrInvalidRequest.With("malformed commit: %q", commit)
	}

	var ref models.Reference
	err := p.insideTransaction(func(tx *gorp.Transaction) error {
		build, err := lockBuild(tx, buildID)
		if err != nil {
			return err
		}
		if build.State != models.BuildStateOpen {
			return repomgr.ErrBuildNotOpen.With("build %d is %s", buildID, build.State)
		}
		existingRefs, err := repomgr.ListReferences(tx, buildID)
		if err != nil {
			return err
		}
		for _, existing := range existingRefs {
			if models.ReferenceNamesCollide(name, existing.Name) {
				return repomgr.ErrConflict.With("reference %q collides with the existing reference %q", name, existing.Name)
			}
		}

		ref = models.Reference{BuildID: buildID, Name: name, TargetCommit: commit}
		err = tx.Insert(&ref)
		if repomgr.IsUniqueViolation(err) {
			return repomgr.ErrConflict.With("build %d already has a reference named %q", buildID, name)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// ListReferences returns all references of the given build in creation order.
func (p *Processor) ListReferences(buildID int64) ([]models.Reference, error) {
	_, err := p.GetBuild(buildID)
	if err != nil {
		return nil, err
	}
	return repomgr.ListReferences(p.db, buildID)
}

// GetReference returns a single reference of the given build, or ErrNotFound.
func (p *Processor) GetReference(buildID, refID int64) (*models.Reference, error) {
	ref, err := repomgr.FindReference(p.db, buildID, refID)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, repomgr.ErrNotFound.With("no such reference: %d", refID)
	}
	return ref, nil
}
