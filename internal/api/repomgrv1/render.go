// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package repomgrv1

import (
	"time"

	"github.com/sapcc/repomgr/internal/models"
)

// Build is the API representation of a build.
type Build struct {
	ID          int64             `json:"id"`
	State       models.BuildState `json:"state"`
	RepoPath    string            `json:"repo_path"`
	CreatedAt   int64             `json:"created_at"`
	CreatedBy   string            `json:"created_by,omitempty"`
	CommittedAt *int64            `json:"committed_at,omitempty"`
	PublishedAt *int64            `json:"published_at,omitempty"`
	PurgedAt    *int64            `json:"purged_at,omitempty"`
}

func renderBuild(b models.Build) Build {
	return Build{
		ID:          b.ID,
		State:       b.State,
		RepoPath:    b.RepoPath,
		CreatedAt:   b.CreatedAt.Unix(),
		CreatedBy:   b.CreatedBy,
		CommittedAt: maybeUnix(b.CommittedAt),
		PublishedAt: maybeUnix(b.PublishedAt),
		PurgedAt:    maybeUnix(b.PurgedAt),
	}
}

// Reference is the API representation of a build reference.
type Reference struct {
	ID      int64  `json:"id"`
	BuildID int64  `json:"build_id"`
	RefName string `json:"ref_name"`
	Commit  string `json:"commit"`
}

func renderReference(r models.Reference) Reference {
	return Reference{
		ID:      r.ID,
		BuildID: r.BuildID,
		RefName: r.Name,
		Commit:  r.TargetCommit,
	}
}

// Job is the API representation of a job.
type Job struct {
	ID            int64                `json:"id"`
	BuildID       int64                `json:"build_id"`
	Kind          models.JobKind       `json:"kind"`
	Status        models.JobStatus     `json:"status"`
	Outcome       models.JobOutcome    `json:"outcome,omitempty"`
	FailureReason models.FailureReason `json:"failure_reason,omitempty"`
	Log           string               `json:"log"`
	CreatedAt     int64                `json:"created_at"`
	StartedAt     *int64               `json:"started_at,omitempty"`
	EndedAt       *int64               `json:"ended_at,omitempty"`
}

func renderJob(j models.Job) Job {
	return Job{
		ID:            j.ID,
		BuildID:       j.BuildID,
		Kind:          j.Kind,
		Status:        j.Status,
		Outcome:       j.Outcome,
		FailureReason: j.FailureReason,
		Log:           j.Log,
		CreatedAt:     j.CreatedAt.Unix(),
		StartedAt:     maybeUnix(j.StartedAt),
		EndedAt:       maybeUnix(j.EndedAt),
	}
}

func maybeUnix(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	val := t.Unix()
	return &val
}
