// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

// Package jobs is the durable store for Commit, Publish and Purge jobs.
//
// Jobs move through the states new -> started -> ended. Each transition is a
// single SQL statement, so that the store stays consistent when multiple
// executor processes work on the same database.
package jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/repomgr/internal/models"
	"github.com/sapcc/repomgr/internal/repomgr"
)

var findActiveJobQuery = sqlext.SimplifyWhitespace(`
	SELECT id FROM jobs WHERE build_id = $1 AND status IN ('new', 'started')
`)

// Create inserts a new job in status "new". If the build already has a job
// that has not ended, ErrBuildBusy is returned. This is checked twice: once
// explicitly for a helpful error message, and once by the unique index on
// active jobs, which catches concurrent requests.
func Create(db gorp.SqlExecutor, buildID int64, kind models.JobKind, params any, now time.Time) (*models.Job, error) {
	var activeJobID int64
	err := db.QueryRow(findActiveJobQuery, buildID).Scan(&activeJobID)
	switch {
	case err == nil:
		return nil, repomgr.ErrBuildBusy.With("build %d already has an active job (ID %d)", buildID, activeJobID)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	job := models.Job{
		BuildID:   buildID,
		Kind:      kind,
		Status:    models.JobStatusNew,
		CreatedAt: now,
	}
	if params != nil {
		buf, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("cannot serialize job parameters: %w", err)
		}
		job.ParamsJSON = string(buf)
	}

	err = db.Insert(&job)
	if repomgr.IsUniqueViolation(err) {
		return nil, repomgr.ErrBuildBusy.With("build %d already has an active job", buildID)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Find works similar to db.SelectOne(), but returns nil instead of
// sql.ErrNoRows if no job exists with this ID.
func Find(db gorp.SqlExecutor, jobID int64) (*models.Job, error) {
	var job models.Job
	err := db.SelectOne(&job, "SELECT * FROM jobs WHERE id = $1", jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &job, err
}

var findLatestJobQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM jobs WHERE build_id = $1 AND kind = $2 ORDER BY id DESC LIMIT 1
`)

// FindLatest returns the most recent job of the given kind for the given
// build, or nil if there is none.
func FindLatest(db gorp.SqlExecutor, buildID int64, kind models.JobKind) (*models.Job, error) {
	var job models.Job
	err := db.SelectOne(&job, findLatestJobQuery, buildID, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &job, err
}

// query that moves the next runnable job into status "started"
var claimJobQuery = sqlext.SimplifyWhitespace(`
	UPDATE jobs SET status = 'started', started_at = $1, claim_id = $2
	 WHERE status = 'new' AND id = (
		SELECT j.id FROM jobs j
		 WHERE j.status = 'new'
		   AND NOT EXISTS (
			SELECT 1 FROM jobs s WHERE s.build_id = j.build_id AND s.status = 'started'
		   )
		 ORDER BY j.id
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED
	 )
	RETURNING *
`)

// Claim atomically moves the oldest runnable job from "new" to "started" and
// returns it. A job is runnable if no other job of the same build is started.
// If there is no runnable job, sql.ErrNoRows is returned.
func Claim(db gorp.SqlExecutor, now time.Time, claimID string) (models.Job, error) {
	var job models.Job
	err := db.SelectOne(&job, claimJobQuery, now, claimID)
	return job, err
}

// Result describes how a job ended.
type Result struct {
	Outcome models.JobOutcome
	Reason  models.FailureReason
	Log     string
}

// Succeeded builds a successful Result.
func Succeeded(log string) Result {
	return Result{Outcome: models.JobOutcomeSuccess, Log: log}
}

// Failed builds a failed Result.
func Failed(reason models.FailureReason, log string) Result {
	return Result{Outcome: models.JobOutcomeFailure, Reason: reason, Log: log}
}

var finishJobQuery = sqlext.SimplifyWhitespace(`
	UPDATE jobs SET status = 'ended', outcome = $3, failure_reason = $4, log = log || $5, ended_at = $6
	 WHERE id = $1 AND status = 'started' AND claim_id = $2
`)

// Finish records the terminal state of a started job. The write only happens
// if the job is still started under the given claim. Returns false if the
// outcome had already been recorded by someone else (e.g. the watchdog).
func Finish(db gorp.SqlExecutor, jobID int64, claimID string, result Result, now time.Time) (bool, error) {
	res, err := db.Exec(finishJobQuery, jobID, claimID, result.Outcome, result.Reason, result.Log, now)
	if err != nil {
		return false, err
	}
	rowsAffected, err := res.RowsAffected()
	return rowsAffected > 0, err
}

var recoverOrphanedJobsQuery = sqlext.SimplifyWhitespace(`
	UPDATE jobs SET status = 'ended', outcome = 'failure', failure_reason = $2, log = log || $3, ended_at = $1
	 WHERE status = 'started'
`)

// RecoverOrphaned marks all started jobs as failed with reason "interrupted".
// This must run once during startup before any worker claims jobs: jobs that
// are still started at that point belonged to a process that died.
func RecoverOrphaned(db gorp.SqlExecutor, now time.Time) (int64, error) {
	res, err := db.Exec(recoverOrphanedJobsQuery, now, models.FailureReasonInterrupted,
		"job was interrupted by a restart of the job executor and will not be resumed\n")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var findOverdueJobQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM jobs WHERE status = 'started' AND started_at < $1
	 ORDER BY started_at
	 LIMIT 1
`)

// FindOverdue returns the started job that has been running the longest,
// provided it was started before the given cutoff. If there is no such job,
// sql.ErrNoRows is returned.
func FindOverdue(db gorp.SqlExecutor, cutoff time.Time) (models.Job, error) {
	var job models.Job
	err := db.SelectOne(&job, findOverdueJobQuery, cutoff)
	return job, err
}
