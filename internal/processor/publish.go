// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"

	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/repomgr/internal/models"
	"github.com/sapcc/repomgr/internal/repofs"
	"github.com/sapcc/repomgr/internal/repomgr"
)

// key for the advisory lock that serializes writes into the production
// repository across all executor processes
const productionRepoLockKey int64 = 0x7265706f6d6772 // "repomgr"

// Publish job body: Merges a committed build into the production repository.
//
// Objects are copied first. They are addressed by content, so copying them is
// invisible to clients until a summary refers to them. The summary, its
// signature and the descriptor are prepared in temporary files before any
// metadata is touched. If swapping them into place or recording the result
// fails, the previous refs and metadata files are restored.
func (p *Processor) publishBuild(ctx context.Context, job models.Job, log *jobLog) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	build, err := lockBuild(tx, job.BuildID)
	if err != nil {
		return err
	}
	if build.State != models.BuildStateCommitted {
		return repomgr.ErrExecutionFailed.With("build %d is %s, but only committed builds can be published", build.ID, build.State)
	}
	_, err = tx.Exec("SELECT pg_advisory_xact_lock($1)", productionRepoLockKey)
	if err != nil {
		return err
	}

	staging := p.openRepo(build.RepoPath)
	production := p.openRepo(p.cfg.RepoPath)
	err = production.Init()
	if err != nil {
		return repomgr.ErrFilesystem.Wrap(err)
	}

	// merge objects
	objects, err := repomgr.ListPresentObjects(tx, build.ID)
	if err != nil {
		return err
	}
	copiedCount := 0
	for _, obj := range objects {
		copied, err := production.CopyObjectFrom(staging, obj.Checksum)
		if err != nil {
			return repomgr.ErrFilesystem.With("cannot import object %s: %s", obj.Checksum, err.Error())
		}
		if copied {
			copiedCount++
			publishedObjectsCounter.WithLabelValues("copied").Inc()
		} else {
			publishedObjectsCounter.WithLabelValues("deduplicated").Inc()
		}
	}
	log.Printf("imported %d objects (%d already present in production)", copiedCount, len(objects)-copiedCount)

	// prepare new summary
	refs, err := repomgr.ListReferences(tx, build.ID)
	if err != nil {
		return err
	}
	summary, err := production.ReadSummary()
	if err != nil {
		return repomgr.ErrFilesystem.Wrap(err)
	}
	for _, ref := range refs {
		for existingName := range summary.Refs {
			if models.ReferenceNamesCollide(ref.Name, existingName) {
				return repomgr.ErrConflict.With("reference %q collides with the published reference %q", ref.Name, existingName)
			}
		}
	}
	refMap := make(map[string]string, len(refs))
	for _, ref := range refs {
		refMap[ref.Name] = ref.TargetCommit
		if prev := summary.Refs[ref.Name]; prev != "" && prev != ref.TargetCommit {
			log.Printf("ref %s -> %s (was %s)", ref.Name, ref.TargetCommit, prev)
		} else {
			log.Printf("ref %s -> %s", ref.Name, ref.TargetCommit)
		}
		summary.Refs[ref.Name] = ref.TargetCommit
	}
	now := p.timeNow()
	summary.CollectionID = p.cfg.CollectionID
	summary.Timestamp = now.Unix()

	summaryTmpPath, commitSummary, discardSummary, err := production.StageFile(repofs.SummaryPath, summary.Encode())
	if err != nil {
		return repomgr.ErrFilesystem.Wrap(err)
	}
	defer logDiscardError(discardSummary)

	commitSignature := func() error { return production.Remove(repofs.SummarySignaturePath) }
	if key := p.cfg.MainSigningKey; key != nil {
		signature, err := p.signer.Sign(ctx, production.FullPath(summaryTmpPath), key.ID)
		if err != nil {
			return repomgr.ErrSigningUnavailable.With("cannot sign summary with key %s: %s", key.ID, err.Error())
		}
		var discardSignature func() error
		_, commitSignature, discardSignature, err = production.StageFile(repofs.SummarySignaturePath, signature)
		if err != nil {
			return repomgr.ErrFilesystem.Wrap(err)
		}
		defer logDiscardError(discardSignature)
	}

	descriptor := repofs.Descriptor{
		URL:          p.cfg.APIPublicURL.JoinPath("repo").String(),
		CollectionID: p.cfg.CollectionID,
		GPGKey:       p.cfg.MainSigningKey.Base64PublicKey(),
	}
	_, commitDescriptor, discardDescriptor, err := production.StageFile(repofs.DescriptorPath, descriptor.Encode())
	if err != nil {
		return repomgr.ErrFilesystem.Wrap(err)
	}
	defer logDiscardError(discardDescriptor)

	// swap metadata into place; the summary goes last because clients
	// discover the repository contents through it
	restoreMetadata, err := production.Snapshot(repofs.SummaryPath, repofs.SummarySignaturePath, repofs.DescriptorPath)
	if err != nil {
		return repomgr.ErrFilesystem.Wrap(err)
	}
	undoRefs, err := production.UpdateRefs(refMap)
	if err != nil {
		return repomgr.ErrFilesystem.Wrap(err)
	}
	rollback := func(cause error) error {
		if err := restoreMetadata(); err != nil {
			logg.Error("while restoring metadata after failed publish of build %d: %s", build.ID, err.Error())
		}
		if err := undoRefs(); err != nil {
			logg.Error("while restoring refs after failed publish of build %d: %s", build.ID, err.Error())
		}
		return cause
	}
	for _, commit := range []func() error{commitSignature, commitDescriptor, commitSummary} {
		err = commit()
		if err != nil {
			return rollback(repomgr.ErrFilesystem.Wrap(err))
		}
	}

	build.State = models.BuildStatePublished
	build.PublishedAt = &now
	_, err = tx.Update(build)
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		return rollback(err)
	}
	log.Printf("published %d refs from build %d", len(refs), build.ID)
	return nil
}

func logDiscardError(discard func() error) {
	err := discard()
	if err != nil {
		logg.Error("while removing temporary file: %s", err.Error())
	}
}
