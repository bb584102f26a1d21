// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package tasks_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/assert"
	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/must"

	"github.com/sapcc/repomgr/internal/jobs"
	"github.com/sapcc/repomgr/internal/models"
	"github.com/sapcc/repomgr/internal/repomgr"
	"github.com/sapcc/repomgr/internal/test"
)

func TestMain(m *testing.M) {
	easypg.WithTestDB(m, func() int { return m.Run() })
}

func expectSuccess(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Error("expected err = nil, but got: " + err.Error())
	}
}

func expectError(t *testing.T, expected string, actual error) {
	t.Helper()
	if actual == nil {
		t.Errorf("expected err = %q, but got <nil>", expected)
	} else if expected != actual.Error() {
		t.Errorf("expected err = %q, but got %q", expected, actual.Error())
	}
}

func prepareCommittableBuild(t *testing.T, s test.Setup) *models.Build {
	t.Helper()
	build := must.ReturnT(s.Processor.CreateBuild("ci"))(t)
	must.ReturnT(s.Processor.AddReference(build.ID, "app/org.example.App/x86_64/stable", "deadbeef"))(t)
	must.ReturnT(s.Processor.MissingObjects(build.ID, []string{"aaa"}))(t)
	must.SucceedT(t, s.Processor.AcceptUpload(build.ID, "aaa", strings.NewReader("hello")))
	return build
}

func TestIdleExecutor(t *testing.T) {
	s := test.NewSetup(t, test.WithJobTimeout(10*time.Minute))
	expectError(t, sql.ErrNoRows.Error(), s.ExecutionJob.ProcessOne(s.Ctx))
	expectError(t, sql.ErrNoRows.Error(), s.TimeoutJob.ProcessOne(s.Ctx))
	expectSuccess(t, s.Executor.RecoverOrphanedJobs())
}

func TestJobLifecycle(t *testing.T) {
	s := test.NewSetup(t)
	build := prepareCommittableBuild(t, s)
	tr, _ := easypg.NewTracker(t, s.DB.Db)

	s.Clock.StepBy(time.Minute)
	job := must.ReturnT(s.Processor.RequestCommit(build.ID))(t)
	tr.DBChanges().AssertEqualf(`
		INSERT INTO jobs (id, build_id, kind, status, outcome, failure_reason, params_json, log, claim_id, created_at, started_at, ended_at) VALUES (1, 1, 'commit', 'new', '', '', '', '', '', 60, NULL, NULL);
	`)

	s.Clock.StepBy(time.Minute)
	expectSuccess(t, s.ExecutionJob.ProcessOne(s.Ctx))
	expectError(t, sql.ErrNoRows.Error(), s.ExecutionJob.ProcessOne(s.Ctx))
	tr.DBChanges().AssertEqualf(`
		UPDATE builds SET state = 'committed', committed_at = 120 WHERE id = 1;
		UPDATE jobs SET status = 'ended', outcome = 'success', log = 'ref app/org.example.App/x86_64/stable -> deadbeef
		committed 1 refs and 1 objects in build 1
		', claim_id = 'claim-1', started_at = 120, ended_at = 120 WHERE id = 1;
	`)

	// the ended job is reported with its log
	job = must.ReturnT(s.Processor.GetJob(job.ID))(t)
	assert.DeepEqual(t, "job status", job.Status, models.JobStatusEnded)
	assert.DeepEqual(t, "job outcome", job.Outcome, models.JobOutcomeSuccess)
}

func TestJobsAreClaimedInOrder(t *testing.T) {
	s := test.NewSetup(t)
	build1 := prepareCommittableBuild(t, s)
	build2 := prepareCommittableBuild(t, s)
	job2 := must.ReturnT(s.Processor.RequestCommit(build2.ID))(t)
	job1 := must.ReturnT(s.Processor.RequestPurge(build1.ID, true))(t)

	claimed := must.ReturnT(jobs.Claim(s.DB, s.Clock.Now(), "first"))(t)
	assert.DeepEqual(t, "first claimed job", claimed.ID, job2.ID)
	claimed = must.ReturnT(jobs.Claim(s.DB, s.Clock.Now(), "second"))(t)
	assert.DeepEqual(t, "second claimed job", claimed.ID, job1.ID)
	_, err := jobs.Claim(s.DB, s.Clock.Now(), "third")
	expectError(t, sql.ErrNoRows.Error(), err)

	// only the holder of the claim can finish a job, and only once
	ok := must.ReturnT(jobs.Finish(s.DB, job1.ID, "first", jobs.Succeeded(""), s.Clock.Now()))(t)
	assert.DeepEqual(t, "Finish with wrong claim", ok, false)
	ok = must.ReturnT(jobs.Finish(s.DB, job1.ID, "second", jobs.Succeeded(""), s.Clock.Now()))(t)
	assert.DeepEqual(t, "Finish with correct claim", ok, true)
	ok = must.ReturnT(jobs.Finish(s.DB, job1.ID, "second", jobs.Succeeded(""), s.Clock.Now()))(t)
	assert.DeepEqual(t, "Finish of ended job", ok, false)
}

func TestRecoverOrphanedJobs(t *testing.T) {
	s := test.NewSetup(t)
	build := prepareCommittableBuild(t, s)
	job := must.ReturnT(s.Processor.RequestCommit(build.ID))(t)

	// simulate an executor that claimed the job and then died
	must.ReturnT(jobs.Claim(s.DB, s.Clock.Now(), "dead-executor"))(t)
	tr, _ := easypg.NewTracker(t, s.DB.Db)

	s.Clock.StepBy(time.Hour)
	expectSuccess(t, s.Executor.RecoverOrphanedJobs())
	tr.DBChanges().AssertEqualf(`
		UPDATE jobs SET status = 'ended', outcome = 'failure', failure_reason = 'interrupted', log = 'job was interrupted by a restart of the job executor and will not be resumed
		', ended_at = 3600 WHERE id = %d;
	`, job.ID)

	// the interrupted job is never executed, and the build is still open
	assert.DeepEqual(t, "number of executed jobs", s.RunPendingJobs(t), 0)
	tr.DBChanges().AssertEmpty()

	// the dead executor cannot record an outcome anymore
	ok := must.ReturnT(jobs.Finish(s.DB, job.ID, "dead-executor", jobs.Succeeded(""), s.Clock.Now()))(t)
	assert.DeepEqual(t, "late Finish", ok, false)

	// a new commit can be requested and succeeds
	job = must.ReturnT(s.Processor.RequestCommit(build.ID))(t)
	assert.DeepEqual(t, "number of executed jobs", s.RunPendingJobs(t), 1)
	job = must.ReturnT(s.Processor.GetJob(job.ID))(t)
	assert.DeepEqual(t, "job outcome", job.Outcome, models.JobOutcomeSuccess)
}

func TestJobTimeout(t *testing.T) {
	s := test.NewSetup(t, test.WithJobTimeout(10*time.Minute))
	build := prepareCommittableBuild(t, s)
	job := must.ReturnT(s.Processor.RequestCommit(build.ID))(t)

	// simulate a worker that hangs while executing the job
	claimed := must.ReturnT(jobs.Claim(s.DB, s.Clock.Now(), "stuck-worker"))(t)
	assert.DeepEqual(t, "claimed job", claimed.ID, job.ID)

	// the watchdog leaves the job alone until the timeout has passed
	s.Clock.StepBy(5 * time.Minute)
	expectError(t, sql.ErrNoRows.Error(), s.TimeoutJob.ProcessOne(s.Ctx))

	tr, _ := easypg.NewTracker(t, s.DB.Db)
	s.Clock.StepBy(6 * time.Minute)
	expectSuccess(t, s.TimeoutJob.ProcessOne(s.Ctx))
	expectError(t, sql.ErrNoRows.Error(), s.TimeoutJob.ProcessOne(s.Ctx))
	tr.DBChanges().AssertEqualf(`
		UPDATE jobs SET status = 'ended', outcome = 'failure', failure_reason = 'timeout', log = 'job did not finish within 10m0s and was marked as failed
		', ended_at = 660 WHERE id = %d;
	`, job.ID)

	// when the hanging worker eventually finishes, its outcome is discarded
	ok := must.ReturnT(jobs.Finish(s.DB, job.ID, "stuck-worker", jobs.Succeeded("done\n"), s.Clock.Now()))(t)
	assert.DeepEqual(t, "late Finish", ok, false)
	tr.DBChanges().AssertEmpty()

	// the build is free for new jobs again
	must.ReturnT(s.Processor.RequestCommit(build.ID))(t)
	assert.DeepEqual(t, "number of executed jobs", s.RunPendingJobs(t), 1)
	must.ReturnT(s.Processor.RequestPublish(build.ID))(t)
}

// how long to wait for the job loop goroutines before giving up; the loop
// sleeps for a few seconds whenever it finds no job to claim
const loopTimeout = 30 * time.Second

func TestGracefulStop(t *testing.T) {
	s := test.NewSetup(t, test.WithSigningKeys)
	build1 := prepareCommittableBuild(t, s)
	build2 := prepareCommittableBuild(t, s)
	job1 := must.ReturnT(s.Processor.RequestCommit(build1.ID))(t)
	job2 := must.ReturnT(s.Processor.RequestCommit(build2.ID))(t)

	// hold each job body inside the signer until released
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	s.Signer.BeforeSign = func(ctx context.Context) {
		entered <- struct{}{}
		<-release
		if ctx.Err() != nil {
			t.Errorf("job body observed a cancelled context: %s", ctx.Err().Error())
		}
	}

	ctx, cancel := context.WithCancel(s.Ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Executor.JobExecutionJob(prometheus.NewRegistry()).Run(ctx, jobloop.NumGoroutines(s.Config.JobLoopGoroutines()))
	}()

	// jobs of different builds run at the same time
	for range 2 {
		select {
		case <-entered:
		case <-time.After(loopTimeout):
			t.Fatal("timed out waiting for both job bodies to start")
		}
	}
	for _, jobID := range []int64{job1.ID, job2.ID} {
		job := must.ReturnT(s.Processor.GetJob(jobID))(t)
		assert.DeepEqual(t, "job status", job.Status, models.JobStatusStarted)
		assert.DeepEqual(t, "job is active", job.IsActive(), true)
	}

	// while a job is running, no other job can be requested for the same build
	_, err := s.Processor.RequestCommit(build1.ID)
	if code := repomgr.AsError(err).Code; err == nil || code != repomgr.ErrBuildBusy {
		t.Errorf("expected second commit request to fail with %s, but got err = %v", repomgr.ErrBuildBusy, err)
	}

	// stopping the executor waits for the running jobs
	cancel()
	select {
	case <-done:
		t.Fatal("job loop returned while jobs were still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(loopTimeout):
		t.Fatal("timed out waiting for the job loop to return")
	}

	for _, jobID := range []int64{job1.ID, job2.ID} {
		job := must.ReturnT(s.Processor.GetJob(jobID))(t)
		assert.DeepEqual(t, "job status", job.Status, models.JobStatusEnded)
		assert.DeepEqual(t, "job outcome", job.Outcome, models.JobOutcomeSuccess)
		assert.DeepEqual(t, "job is active", job.IsActive(), false)
	}
	assert.DeepEqual(t, "number of signed files", s.Signer.SignCount(), 2)
}
