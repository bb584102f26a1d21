// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"database/sql"
	"strings"

	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/repomgr/internal/models"
	"github.com/sapcc/repomgr/internal/repofs"
	"github.com/sapcc/repomgr/internal/repomgr"
)

var findMissingObjectsQuery = sqlext.SimplifyWhitespace(`
	SELECT checksum FROM build_objects
	 WHERE build_id = $1 AND NOT is_present
	 ORDER BY checksum
`)

// how many missing checksums are listed in the job log at most
const maxReportedMissingObjects = 10

// Commit job body: Finalizes the references of an open build inside its
// staging repository.
func (p *Processor) commitBuild(ctx context.Context, job models.Job, log *jobLog) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	build, err := lockBuild(tx, job.BuildID)
	if err != nil {
		return err
	}
	if build.State != models.BuildStateOpen {
		return repomgr.ErrExecutionFailed.With("build %d is %s, but only open builds can be committed", build.ID, build.State)
	}

	// every object that the client asked about must have arrived
	var missing []string
	err = sqlext.ForeachRow(tx, findMissingObjectsQuery, []any{build.ID}, func(rows *sql.Rows) error {
		var checksum string
		err := rows.Scan(&checksum)
		missing = append(missing, checksum)
		return err
	})
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		reported := missing[:min(len(missing), maxReportedMissingObjects)]
		return repomgr.ErrIncompleteUpload.With("%d objects have not been uploaded yet: %s", len(missing), strings.Join(reported, ", "))
	}

	refs, err := repomgr.ListReferences(tx, build.ID)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return repomgr.ErrExecutionFailed.With("build %d has no references", build.ID)
	}

	repo := p.openRepo(build.RepoPath)
	objects, err := repomgr.ListPresentObjects(tx, build.ID)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		exists, err := repo.HasObject(obj.Checksum)
		if err != nil {
			return repomgr.ErrFilesystem.Wrap(err)
		}
		if !exists {
			return repomgr.ErrFilesystem.With("object %s is recorded as present, but missing from %s", obj.Checksum, build.RepoPath)
		}
	}

	refMap := make(map[string]string, len(refs))
	for _, ref := range refs {
		refMap[ref.Name] = ref.TargetCommit
		log.Printf("ref %s -> %s", ref.Name, ref.TargetCommit)
	}
	_, err = repo.UpdateRefs(refMap)
	if err != nil {
		return repomgr.ErrFilesystem.Wrap(err)
	}

	now := p.timeNow()
	summary := repofs.Summary{Refs: refMap, CollectionID: p.cfg.CollectionID, Timestamp: now.Unix()}
	err = repo.WriteFile(repofs.SummaryPath, summary.Encode())
	if err != nil {
		return repomgr.ErrFilesystem.Wrap(err)
	}
	if key := p.cfg.BuildSigningKey; key != nil {
		signature, err := p.signer.Sign(ctx, repo.FullPath(repofs.SummaryPath), key.ID)
		if err != nil {
			return repomgr.ErrSigningUnavailable.With("cannot sign summary with key %s: %s", key.ID, err.Error())
		}
		err = repo.WriteFile(repofs.SummarySignaturePath, signature)
		if err != nil {
			return repomgr.ErrFilesystem.Wrap(err)
		}
		log.Printf("signed summary with key %s", key.ID)
	}

	build.State = models.BuildStateCommitted
	build.CommittedAt = &now
	_, err = tx.Update(build)
	if err != nil {
		return err
	}
	err = tx.Commit()
	if err != nil {
		return err
	}
	log.Printf("committed %d refs and %d objects in build %d", len(refs), len(objects), build.ID)
	return nil
}
