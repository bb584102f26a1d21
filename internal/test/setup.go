// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis_rate/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"

	"github.com/sapcc/repomgr/internal/api/repofiles"
	repomgrv1 "github.com/sapcc/repomgr/internal/api/repomgrv1"
	"github.com/sapcc/repomgr/internal/auth"
	"github.com/sapcc/repomgr/internal/processor"
	"github.com/sapcc/repomgr/internal/repomgr"
	"github.com/sapcc/repomgr/internal/tasks"
)

// UnitTestTokenSecret is the token secret used by all unit tests. DO NOT USE
// IN PRODUCTION.
const UnitTestTokenSecret = "unittest-token-secret-do-not-use"

// Signing key IDs that are configured by WithSigningKeys.
const (
	BuildKeyID = "build-key@example.org"
	MainKeyID  = "main-key@example.org"
)

type setupParams struct {
	WithSigningKeys bool
	UploadRateLimit *redis_rate.Limit
	JobTimeout      time.Duration
}

// SetupOption is an option that can be given to NewSetup().
type SetupOption func(*setupParams)

// WithSigningKeys is a SetupOption that configures a build key and a main key
// on the mock signer.
func WithSigningKeys(params *setupParams) {
	params.WithSigningKeys = true
}

// WithUploadRateLimit is a SetupOption that enables upload rate limiting,
// backed by a miniredis instance.
func WithUploadRateLimit(limit redis_rate.Limit) SetupOption {
	return func(params *setupParams) {
		params.UploadRateLimit = &limit
	}
}

// WithJobTimeout is a SetupOption that configures the job watchdog.
func WithJobTimeout(timeout time.Duration) SetupOption {
	return func(params *setupParams) {
		params.JobTimeout = timeout
	}
}

// Setup contains all the pieces that are needed for most tests.
type Setup struct {
	// fields that are always set
	Config    repomgr.Configuration
	DB        *repomgr.DB
	Clock     *Clock
	Signer    *MockSigner
	Registry  *prometheus.Registry
	Processor *processor.Processor
	Executor  *tasks.Executor
	Handler   http.Handler
	// jobloop.Job instances for the Executor, registered with Registry
	ExecutionJob jobloop.Job
	TimeoutJob   jobloop.Job
	Ctx          context.Context //nolint:containedctx // only used in tests
	// fields that are only set if the respective SetupOption is given
	MiniRedis   *miniredis.Miniredis
	RedisClient *redis.Client
}

// NewSetup prepares most or all pieces of repomgr for a test.
func NewSetup(t *testing.T, opts ...SetupOption) Setup {
	t.Helper()
	logg.ShowDebug = osext.GetenvBool("REPOMGR_DEBUG")
	var params setupParams
	for _, option := range opts {
		option(&params)
	}

	dataDir := t.TempDir()
	cfg := repomgr.Configuration{
		APIPublicURL:      *must.ReturnT(url.Parse("https://repo.example.org"))(t),
		APIListenAddress:  "127.0.0.1:8080",
		RepoPath:          filepath.Join(dataDir, "repo"),
		BuildRepoBasePath: filepath.Join(dataDir, "builds"),
		CollectionID:      "org.example.Test",
		TokenSecret:       []byte(UnitTestTokenSecret),
		JobWorkerCount:    2,
		JobTimeout:        params.JobTimeout,
	}
	must.SucceedT(t, os.MkdirAll(cfg.BuildRepoBasePath, 0o777))

	s := Setup{
		Clock:    &Clock{},
		Signer:   &MockSigner{},
		Registry: prometheus.NewPedanticRegistry(),
		Ctx:      t.Context(),
	}
	if params.WithSigningKeys {
		cfg.BuildSigningKey = &repomgr.SigningKey{ID: BuildKeyID}
		cfg.MainSigningKey = &repomgr.SigningKey{ID: MainKeyID}
		must.SucceedT(t, cfg.ResolveSigningKeys(s.Ctx, s.Signer))
	}

	dbConn := easypg.ConnectForTest(t, repomgr.DBConfiguration(),
		easypg.ClearTables("jobs", "build_objects", "build_refs", "builds"),
		easypg.ResetPrimaryKeys("builds", "build_refs", "jobs"),
	)
	s.DB = repomgr.InitORM(dbConn)

	var rle *repomgr.RateLimitEngine
	if params.UploadRateLimit != nil {
		s.MiniRedis = miniredis.RunT(t)
		s.RedisClient = redis.NewClient(&redis.Options{Addr: s.MiniRedis.Addr()})
		s.Clock.MiniRedis = s.MiniRedis
		s.MiniRedis.SetTime(s.Clock.Now())
		rle = &repomgr.RateLimitEngine{
			Client: s.RedisClient,
			Limits: map[repomgr.RateLimitedAction]redis_rate.Limit{
				repomgr.UploadObjectAction: *params.UploadRateLimit,
			},
		}
	}

	s.Config = cfg
	s.Processor = processor.New(cfg, s.DB, s.Signer).OverrideTimeNow(s.Clock.Now)
	var claimCounter atomic.Int64
	s.Executor = tasks.NewExecutor(cfg, s.DB, s.Signer).
		OverrideTimeNow(s.Clock.Now).
		OverrideGenerateClaimID(func() string {
			return fmt.Sprintf("claim-%d", claimCounter.Add(1))
		})
	s.ExecutionJob = s.Executor.JobExecutionJob(s.Registry)
	s.TimeoutJob = s.Executor.JobTimeoutJob(s.Registry)
	s.Handler = httpapi.Compose(
		repomgrv1.NewAPI(cfg, s.DB, s.Signer, rle).OverrideTimeNow(s.Clock.Now),
		repofiles.NewAPI(cfg),
		httpapi.WithoutLogging(),
	)
	return s
}

// RunPendingJobs executes build jobs until no runnable job is left, and
// returns how many jobs were executed.
func (s Setup) RunPendingJobs(t *testing.T) int {
	t.Helper()
	count := 0
	for {
		err := s.ExecutionJob.ProcessOne(s.Ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return count
		}
		if err != nil {
			t.Fatal(err.Error())
		}
		count++
	}
}

// IssueToken signs a token with the unit test secret. If no expiry is given,
// the token is valid for one hour from the current time of the clock.
func (s Setup) IssueToken(t *testing.T, claims auth.Claims) string {
	t.Helper()
	if claims.ExpiresAt == 0 {
		claims.ExpiresAt = s.Clock.Now().Add(time.Hour).Unix()
	}
	return must.ReturnT(auth.NewValidator(s.Config.TokenSecret).Issue(claims))(t)
}

// AdminToken returns an unrestricted token with all default scopes.
func (s Setup) AdminToken(t *testing.T) string {
	t.Helper()
	return s.IssueToken(t, auth.Claims{
		Subject:     "build",
		Scopes:      auth.DefaultScopes,
		DisplayName: "admin",
	})
}

// AuthHeader builds the request headers for a bearer token.
func AuthHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}
