// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"
)

// BuildState enumerates the lifecycle states of a Build.
type BuildState string

const (
	// BuildStateOpen is the initial state. References and objects can only be
	// added while the build is open.
	BuildStateOpen BuildState = "open"
	// BuildStateCommitted is reached when a Commit job has finished successfully.
	BuildStateCommitted BuildState = "committed"
	// BuildStatePublished is reached when a Publish job has finished successfully.
	BuildStatePublished BuildState = "published"
	// BuildStatePurged is reached when a Purge job has removed the staging repository.
	BuildStatePurged BuildState = "purged"
)

// Build contains a record from the `builds` table.
//
// RepoPath is the location of the staging repository of this build. It is
// always a directory named after the build ID below the configured base path.
// The record is retained after the build has been purged.
type Build struct {
	ID          int64      `db:"id"`
	State       BuildState `db:"state"`
	RepoPath    string     `db:"repo_path"`
	CreatedAt   time.Time  `db:"created_at"`
	CreatedBy   string     `db:"created_by"`
	CommittedAt *time.Time `db:"committed_at"`
	PublishedAt *time.Time `db:"published_at"`
	PurgedAt    *time.Time `db:"purged_at"`
}

// Reference contains a record from the `build_refs` table.
type Reference struct {
	ID           int64  `db:"id"`
	BuildID      int64  `db:"build_id"`
	Name         string `db:"name"`
	TargetCommit string `db:"target_commit"`
}
