// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"database/sql"
	"errors"
	"io"
	"slices"

	"github.com/go-gorp/gorp/v3"
	"github.com/lib/pq"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/repomgr/internal/models"
	"github.com/sapcc/repomgr/internal/repofs"
	"github.com/sapcc/repomgr/internal/repomgr"
)

var recordExpectedObjectsQuery = sqlext.SimplifyWhitespace(`
	INSERT INTO build_objects (build_id, checksum)
	SELECT $1, unnest($2::TEXT[])
	ON CONFLICT (build_id, checksum) DO NOTHING
`)

var findPresentObjectsQuery = sqlext.SimplifyWhitespace(`
	SELECT checksum FROM build_objects
	 WHERE build_id = $1 AND is_present AND checksum = ANY($2::TEXT[])
`)

// MissingObjects returns the subset of the given checksums that have not been
// uploaded into the given build yet, in sorted order. While the build is
// open, every given checksum is recorded as expected, so that the commit job
// can verify that all of them have arrived.
func (p *Processor) MissingObjects(buildID int64, checksums []string) ([]string, error) {
	wanted := slices.Clone(checksums)
	for _, checksum := range wanted {
		if !models.IsChecksum(checksum) {
			return nil, repomgr.ErrInvalidRequest.With("malformed checksum: %q", checksum)
		}
	}
	slices.Sort(wanted)
	wanted = slices.Compact(wanted)

	isPresent := make(map[string]bool, len(wanted))
	err := p.insideTransaction(func(tx *gorp.Transaction) error {
		build, err := repomgr.FindBuild(tx, buildID)
		if err != nil {
			return err
		}
		if build == nil {
			return repomgr.ErrNotFound.With("no such build: %d", buildID)
		}

		if build.State == models.BuildStateOpen && len(wanted) > 0 {
			_, err = tx.Exec(recordExpectedObjectsQuery, buildID, pq.Array(wanted))
			if err != nil {
				return err
			}
		}

		return sqlext.ForeachRow(tx, findPresentObjectsQuery, []any{buildID, pq.Array(wanted)}, func(rows *sql.Rows) error {
			var checksum string
			err := rows.Scan(&checksum)
			isPresent[checksum] = true
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	missing := make([]string, 0, len(wanted))
	for _, checksum := range wanted {
		if !isPresent[checksum] {
			missing = append(missing, checksum)
		}
	}
	return missing, nil
}

var storePresentObjectQuery = sqlext.SimplifyWhitespace(`
	INSERT INTO build_objects (build_id, checksum, is_present, size_bytes, content_digest, uploaded_at)
	VALUES ($1, $2, TRUE, $3, $4, $5)
	ON CONFLICT (build_id, checksum) DO UPDATE
	   SET is_present = TRUE, size_bytes = EXCLUDED.size_bytes,
	       content_digest = EXCLUDED.content_digest, uploaded_at = EXCLUDED.uploaded_at
	 WHERE NOT build_objects.is_present
`)

// AcceptUpload stores the content of one object in the staging repository of
// the given build and marks it as present.
//
// Uploading an object that is already present succeeds without changing
// anything, so that clients can safely retry. Objects that were never asked
// about in MissingObjects are accepted as well.
func (p *Processor) AcceptUpload(buildID int64, checksum string, content io.Reader) error {
	if !models.IsChecksum(checksum) {
		return repomgr.ErrInvalidRequest.With("malformed checksum: %q", checksum)
	}

	return p.insideTransaction(func(tx *gorp.Transaction) error {
		// FOR SHARE blocks while a job holds the build, but allows concurrent uploads
		var build models.Build
		err := tx.SelectOne(&build, "SELECT * FROM builds WHERE id = $1 FOR SHARE", buildID)
		if errors.Is(err, sql.ErrNoRows) {
			return repomgr.ErrNotFound.With("no such build: %d", buildID)
		}
		if err != nil {
			return err
		}
		if build.State != models.BuildStateOpen {
			return repomgr.ErrBuildNotOpen.With("build %d is %s", buildID, build.State)
		}

		var isPresent bool
		err = tx.QueryRow("SELECT is_present FROM build_objects WHERE build_id = $1 AND checksum = $2", buildID, checksum).Scan(&isPresent)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if isPresent {
			return nil
		}

		sizeBytes, contentDigest, err := p.openRepo(build.RepoPath).StoreObject(checksum, content)
		if err != nil {
			return repomgr.ErrUploadFailed.With("cannot store object %s: %s", checksum, err.Error())
		}
		_, err = tx.Exec(storePresentObjectQuery, buildID, checksum, sizeBytes, contentDigest, p.timeNow())
		if err != nil {
			return err
		}

		uploadedObjectsCounter.Inc()
		uploadedBytesCounter.Add(float64(sizeBytes))
		return nil
	})
}
