// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"
)

// JobKind enumerates the fixed set of operations that can be run as a Job.
type JobKind string

const (
	CommitJob  JobKind = "commit"
	PublishJob JobKind = "publish"
	PurgeJob   JobKind = "purge"
)

// JobStatus enumerates the states of the Job state machine:
//
//	new -> started -> ended
type JobStatus string

const (
	JobStatusNew     JobStatus = "new"
	JobStatusStarted JobStatus = "started"
	JobStatusEnded   JobStatus = "ended"
)

// JobOutcome is only set once a job has ended.
type JobOutcome string

const (
	JobOutcomeNone    JobOutcome = ""
	JobOutcomeSuccess JobOutcome = "success"
	JobOutcomeFailure JobOutcome = "failure"
)

// FailureReason is a stable machine-readable classification of why a job
// ended with JobOutcomeFailure.
type FailureReason string

const (
	FailureReasonNone               FailureReason = ""
	FailureReasonInterrupted        FailureReason = "interrupted"
	FailureReasonTimeout            FailureReason = "timeout"
	FailureReasonIncompleteUpload   FailureReason = "incomplete_upload"
	FailureReasonExecutionFailed    FailureReason = "execution_failed"
	FailureReasonSigningUnavailable FailureReason = "signing_unavailable"
	FailureReasonDatabaseError      FailureReason = "database_error"
	FailureReasonFilesystemError    FailureReason = "filesystem_error"
)

// Job contains a record from the `jobs` table.
//
// ClaimID is set when a worker moves the job into JobStatusStarted. Only the
// holder of that claim may record the terminal state.
type Job struct {
	ID            int64         `db:"id"`
	BuildID       int64         `db:"build_id"`
	Kind          JobKind       `db:"kind"`
	Status        JobStatus     `db:"status"`
	Outcome       JobOutcome    `db:"outcome"`
	FailureReason FailureReason `db:"failure_reason"`
	ParamsJSON    string        `db:"params_json"`
	Log           string        `db:"log"`
	ClaimID       string        `db:"claim_id"`
	CreatedAt     time.Time     `db:"created_at"`
	StartedAt     *time.Time    `db:"started_at"`
	EndedAt       *time.Time    `db:"ended_at"`
}

// IsActive returns whether the job has not reached its terminal state yet.
func (j Job) IsActive() bool {
	return j.Status != JobStatusEnded
}

// PurgeParams is stored in Job.ParamsJSON for jobs of kind PurgeJob.
type PurgeParams struct {
	Force bool `json:"force"`
}
