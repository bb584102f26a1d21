// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package processor_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sapcc/go-bits/assert"
	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/must"

	"github.com/sapcc/repomgr/internal/models"
	"github.com/sapcc/repomgr/internal/repomgr"
	"github.com/sapcc/repomgr/internal/test"
)

func TestMain(m *testing.M) {
	easypg.WithTestDB(m, func() int { return m.Run() })
}

func expectErrorCode(t *testing.T, expected repomgr.ErrorCode, err error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error with code %s, but got <nil>", expected)
		return
	}
	if code := repomgr.AsError(err).Code; code != expected {
		t.Errorf("expected error with code %s, but got %s", expected, err.Error())
	}
}

func expectBuildState(t *testing.T, s test.Setup, buildID int64, expected models.BuildState) {
	t.Helper()
	build := must.ReturnT(s.Processor.GetBuild(buildID))(t)
	assert.DeepEqual(t, "state of build", build.State, expected)
}

func expectFileContents(t *testing.T, path, expected string) {
	t.Helper()
	buf, err := os.ReadFile(path)
	if err != nil {
		t.Errorf("cannot read %s: %s", path, err.Error())
		return
	}
	assert.DeepEqual(t, "contents of "+path, string(buf), expected)
}

func expectFileMissing(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	if !os.IsNotExist(err) {
		t.Errorf("expected %s to not exist, but got err = %v", path, err)
	}
}

// Creates an open build with one reference and the given objects, all of
// which are uploaded.
func prepareBuild(t *testing.T, s test.Setup, refName, commit string, objects map[string]string) *models.Build {
	t.Helper()
	build := must.ReturnT(s.Processor.CreateBuild("ci"))(t)
	must.ReturnT(s.Processor.AddReference(build.ID, refName, commit))(t)

	checksums := make([]string, 0, len(objects))
	for checksum := range objects {
		checksums = append(checksums, checksum)
	}
	must.ReturnT(s.Processor.MissingObjects(build.ID, checksums))(t)
	for checksum, content := range objects {
		must.SucceedT(t, s.Processor.AcceptUpload(build.ID, checksum, strings.NewReader(content)))
	}
	return build
}

// Requests a job with the given function, runs it, and returns the ended job.
func runJob(t *testing.T, s test.Setup, request func() (*models.Job, error)) models.Job {
	t.Helper()
	job := must.ReturnT(request())(t)
	assert.DeepEqual(t, "number of executed jobs", s.RunPendingJobs(t), 1)
	return *must.ReturnT(s.Processor.GetJob(job.ID))(t)
}

func expectJobSuccess(t *testing.T, job models.Job) {
	t.Helper()
	if job.Status != models.JobStatusEnded || job.Outcome != models.JobOutcomeSuccess {
		t.Errorf("expected %s job %d to succeed, but got status %q and outcome %q with log:\n%s",
			job.Kind, job.ID, job.Status, job.Outcome, job.Log)
	}
}

func expectJobFailure(t *testing.T, job models.Job, reason models.FailureReason) {
	t.Helper()
	if job.Status != models.JobStatusEnded || job.Outcome != models.JobOutcomeFailure || job.FailureReason != reason {
		t.Errorf("expected %s job %d to fail with reason %q, but got status %q, outcome %q and reason %q with log:\n%s",
			job.Kind, job.ID, reason, job.Status, job.Outcome, job.FailureReason, job.Log)
	}
}

func objectPath(repoPath, checksum string) string {
	return filepath.Join(repoPath, "objects", checksum[:2], checksum[2:])
}
