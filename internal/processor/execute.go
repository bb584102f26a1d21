// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/sapcc/repomgr/internal/jobs"
	"github.com/sapcc/repomgr/internal/models"
	"github.com/sapcc/repomgr/internal/repomgr"
)

// jobLog collects the human-readable log of a job body.
type jobLog struct {
	strings.Builder
}

func (l *jobLog) Printf(format string, args ...any) {
	fmt.Fprintf(&l.Builder, format, args...)
	l.WriteByte('\n')
}

// ExecuteJob runs the body of the given job, which must have been claimed by
// the caller. Failures of the body are reported in the returned Result and
// are never retried.
func (p *Processor) ExecuteJob(ctx context.Context, job models.Job) jobs.Result {
	var log jobLog
	var err error
	switch job.Kind {
	case models.CommitJob:
		err = p.commitBuild(ctx, job, &log)
	case models.PublishJob:
		err = p.publishBuild(ctx, job, &log)
	case models.PurgeJob:
		err = p.purgeBuild(job, &log)
	default:
		err = repomgr.ErrExecutionFailed.With("unknown job kind: %q", job.Kind)
	}

	if err != nil {
		rerr := repomgr.AsError(err)
		log.Printf("%s job for build %d failed: %s", job.Kind, job.BuildID, rerr.Error())
		return jobs.Failed(failureReasonFor(rerr.Code), log.String())
	}
	return jobs.Succeeded(log.String())
}

func failureReasonFor(code repomgr.ErrorCode) models.FailureReason {
	switch code {
	case repomgr.ErrIncompleteUpload:
		return models.FailureReasonIncompleteUpload
	case repomgr.ErrSigningUnavailable:
		return models.FailureReasonSigningUnavailable
	case repomgr.ErrDatabase:
		return models.FailureReasonDatabaseError
	case repomgr.ErrFilesystem:
		return models.FailureReasonFilesystemError
	default:
		return models.FailureReasonExecutionFailed
	}
}
