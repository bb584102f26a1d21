// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/logg"

	"github.com/sapcc/repomgr/internal/jobs"
	"github.com/sapcc/repomgr/internal/models"
	"github.com/sapcc/repomgr/internal/processor"
	"github.com/sapcc/repomgr/internal/repomgr"
)

// Executor contains the toolbox of the job executor: the worker loop that
// runs commit/publish/purge jobs, and the watchdog that expires overlong jobs.
type Executor struct {
	cfg    repomgr.Configuration
	db     *repomgr.DB
	signer repomgr.Signer

	// non-pure functions that can be replaced by deterministic doubles for unit tests
	timeNow         func() time.Time
	generateClaimID func() string
}

// NewExecutor creates a new Executor.
func NewExecutor(cfg repomgr.Configuration, db *repomgr.DB, signer repomgr.Signer) *Executor {
	return &Executor{cfg, db, signer, time.Now, uuid.NewString}
}

// OverrideTimeNow replaces time.Now with a test double.
func (e *Executor) OverrideTimeNow(timeNow func() time.Time) *Executor {
	e.timeNow = timeNow
	return e
}

// OverrideGenerateClaimID replaces uuid.NewString with a test double.
func (e *Executor) OverrideGenerateClaimID(generateClaimID func() string) *Executor {
	e.generateClaimID = generateClaimID
	return e
}

func (e *Executor) processor() *processor.Processor {
	return processor.New(e.cfg, e.db, e.signer).OverrideTimeNow(e.timeNow)
}

// RecoverOrphanedJobs marks all jobs that are still started as failed with
// reason "interrupted". This must be called once during startup, before
// JobExecutionJob starts claiming jobs.
func (e *Executor) RecoverOrphanedJobs() error {
	count, err := jobs.RecoverOrphaned(e.db, e.timeNow())
	if err != nil {
		return fmt.Errorf("cannot recover orphaned jobs: %w", err)
	}
	if count > 0 {
		logg.Info("marked %d orphaned jobs as interrupted", count)
	}
	return nil
}

// JobExecutionJob is a job. Each task claims the oldest runnable build job
// and executes it. Jobs of different builds can run concurrently; jobs of the
// same build are serialized by jobs.Claim.
//
// Failing job bodies do not count as task failures: their outcome is recorded
// on the job and never retried. Only errors while claiming or while recording
// the outcome fail the task.
func (e *Executor) JobExecutionJob(registerer prometheus.Registerer) jobloop.Job {
	return (&jobloop.ProducerConsumerJob[models.Job]{
		Metadata: jobloop.JobMetadata{
			ReadableName:    "execute build jobs",
			ConcurrencySafe: true,
			CounterOpts: prometheus.CounterOpts{
				Name: "repomgr_build_job_executions",
				Help: "Counter for executions of commit, publish and purge jobs.",
			},
			CounterLabels: []string{"job_kind"},
		},
		DiscoverTask: func(_ context.Context, labels prometheus.Labels) (models.Job, error) {
			job, err := jobs.Claim(e.db, e.timeNow(), e.generateClaimID())
			if err == nil {
				labels["job_kind"] = string(job.Kind)
			}
			return job, err
		},
		ProcessTask: e.executeJob,
	}).Setup(registerer)
}

func (e *Executor) executeJob(ctx context.Context, job models.Job, _ prometheus.Labels) error {
	logg.Info("starting %s job %d for build %d", job.Kind, job.ID, job.BuildID)

	// A job body that was started must run to completion even if the executor
	// is being shut down, otherwise the job would be left started.
	result := e.processor().ExecuteJob(context.WithoutCancel(ctx), job)

	won, err := jobs.Finish(e.db, job.ID, job.ClaimID, result, e.timeNow())
	if err != nil {
		return fmt.Errorf("cannot record outcome of %s job %d: %w", job.Kind, job.ID, err)
	}
	if !won {
		logg.Info("discarding outcome %q of %s job %d because the job has already ended", result.Outcome, job.Kind, job.ID)
		return nil
	}
	finishedJobsCounter.With(prometheus.Labels{
		"job_kind":       string(job.Kind),
		"outcome":        string(result.Outcome),
		"failure_reason": string(result.Reason),
	}).Inc()

	if result.Outcome == models.JobOutcomeFailure {
		logg.Error("%s job %d for build %d failed with reason %q", job.Kind, job.ID, job.BuildID, result.Reason)
	} else {
		logg.Info("%s job %d for build %d succeeded", job.Kind, job.ID, job.BuildID)
	}
	return nil
}

// JobTimeoutJob is a job. Each task finds a job that has been started for
// longer than the configured job timeout, and marks it as failed with reason
// "timeout". The worker that is still executing it will not be able to record
// another outcome afterwards.
//
// If no job timeout is configured, this job never finds any tasks.
func (e *Executor) JobTimeoutJob(registerer prometheus.Registerer) jobloop.Job {
	return (&jobloop.ProducerConsumerJob[models.Job]{
		Metadata: jobloop.JobMetadata{
			ReadableName: "expire overlong build jobs",
			CounterOpts: prometheus.CounterOpts{
				Name: "repomgr_build_job_timeout_checks",
				Help: "Counter for build jobs that were checked for exceeding the job timeout.",
			},
		},
		DiscoverTask: func(_ context.Context, _ prometheus.Labels) (models.Job, error) {
			if e.cfg.JobTimeout <= 0 {
				return models.Job{}, sql.ErrNoRows
			}
			return jobs.FindOverdue(e.db, e.timeNow().Add(-e.cfg.JobTimeout))
		},
		ProcessTask: e.expireJob,
	}).Setup(registerer)
}

func (e *Executor) expireJob(_ context.Context, job models.Job, _ prometheus.Labels) error {
	msg := fmt.Sprintf("job did not finish within %s and was marked as failed\n", e.cfg.JobTimeout)
	won, err := jobs.Finish(e.db, job.ID, job.ClaimID, jobs.Failed(models.FailureReasonTimeout, msg), e.timeNow())
	if err != nil {
		return fmt.Errorf("cannot expire %s job %d: %w", job.Kind, job.ID, err)
	}
	if won {
		logg.Error("%s job %d for build %d exceeded the job timeout of %s", job.Kind, job.ID, job.BuildID, e.cfg.JobTimeout)
		finishedJobsCounter.With(prometheus.Labels{
			"job_kind":       string(job.Kind),
			"outcome":        string(models.JobOutcomeFailure),
			"failure_reason": string(models.FailureReasonTimeout),
		}).Inc()
	}
	return nil
}
