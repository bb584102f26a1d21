// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"github.com/go-gorp/gorp/v3"

	"github.com/sapcc/repomgr/internal/jobs"
	"github.com/sapcc/repomgr/internal/models"
	"github.com/sapcc/repomgr/internal/repomgr"
)

// RequestCommit enqueues a commit job for the given build.
func (p *Processor) RequestCommit(buildID int64) (*models.Job, error) {
	return p.requestJob(buildID, models.CommitJob, nil, func(build models.Build) error {
		if build.State != models.BuildStateOpen {
			return repomgr.ErrBuildNotOpen.With("build %d is %s", build.ID, build.State)
		}
		return nil
	})
}

// RequestPublish enqueues a publish job for the given build.
func (p *Processor) RequestPublish(buildID int64) (*models.Job, error) {
	return p.requestJob(buildID, models.PublishJob, nil, func(build models.Build) error {
		switch build.State {
		case models.BuildStateCommitted:
			return nil
		case models.BuildStatePurged:
			return repomgr.ErrNotFound.With("build %d has been purged", build.ID)
		default:
			return repomgr.ErrConflict.With("build %d is %s, but only committed builds can be published", build.ID, build.State)
		}
	})
}

// RequestPurge enqueues a purge job for the given build. Unless force is
// given, only committed or published builds can be purged.
func (p *Processor) RequestPurge(buildID int64, force bool) (*models.Job, error) {
	params := models.PurgeParams{Force: force}
	return p.requestJob(buildID, models.PurgeJob, params, func(build models.Build) error {
		switch build.State {
		case models.BuildStateCommitted, models.BuildStatePublished:
			return nil
		case models.BuildStatePurged:
			return repomgr.ErrNotFound.With("build %d has already been purged", build.ID)
		default:
			if force {
				return nil
			}
			return repomgr.ErrConflict.With("build %d is %s; set force to purge it anyway", build.ID, build.State)
		}
	})
}

// The build is not locked here: a running job holds its build locked for its
// whole duration, and requests must not wait for that. Exclusion between jobs
// is guaranteed by jobs.Create, and job bodies check the build state again.
func (p *Processor) requestJob(buildID int64, kind models.JobKind, params any, checkBuild func(models.Build) error) (*models.Job, error) {
	var job *models.Job
	err := p.insideTransaction(func(tx *gorp.Transaction) error {
		build, err := repomgr.FindBuild(tx, buildID)
		if err != nil {
			return err
		}
		if build == nil {
			return repomgr.ErrNotFound.With("no such build: %d", buildID)
		}
		err = checkBuild(*build)
		if err != nil {
			return err
		}
		job, err = jobs.Create(tx, buildID, kind, params, p.timeNow())
		return err
	})
	return job, err
}

// GetJob returns the job with the given ID, or ErrNotFound.
func (p *Processor) GetJob(jobID int64) (*models.Job, error) {
	job, err := jobs.Find(p.db, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, repomgr.ErrNotFound.With("no such job: %d", jobID)
	}
	return job, nil
}

// GetLatestJob returns the most recent job of the given kind for the given
// build, or ErrNotFound.
func (p *Processor) GetLatestJob(buildID int64, kind models.JobKind) (*models.Job, error) {
	_, err := p.GetBuild(buildID)
	if err != nil {
		return nil, err
	}
	job, err := jobs.FindLatest(p.db, buildID, kind)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, repomgr.ErrNotFound.With("build %d has no %s job", buildID, kind)
	}
	return job, nil
}
