// SPDX-FileCopyrightText: 2018 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package apicmd

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dlmiddlecote/sqlstats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"
	"github.com/spf13/cobra"

	"github.com/sapcc/repomgr/internal/api/repofiles"
	repomgrv1 "github.com/sapcc/repomgr/internal/api/repomgrv1"
	"github.com/sapcc/repomgr/internal/repomgr"
	"github.com/sapcc/repomgr/internal/tasks"
)

// AddCommandTo mounts this command into the command hierarchy.
func AddCommandTo(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Run the repomgr API server and job executor.",
		Long:  "Run the repomgr API server and job executor. Configuration is read from REPOMGR_* environment variables.",
		Args:  cobra.NoArgs,
		Run:   run,
	}
	parent.AddCommand(cmd)
}

func run(cmd *cobra.Command, args []string) {
	_ = args

	cfg := repomgr.ParseConfiguration()
	ctx := httpext.ContextWithSIGINT(cmd.Context(), 10*time.Second)

	dbURL, dbName := repomgr.GetDatabaseURLFromEnvironment()
	dbConn := must.Return(easypg.Connect(dbURL, repomgr.DBConfiguration()))
	prometheus.MustRegister(sqlstats.NewStatsCollector(dbName, dbConn))
	db := repomgr.InitORM(dbConn)

	signer := must.Return(repomgr.NewSigner(ctx, osext.GetenvOrDefault("REPOMGR_DRIVER_SIGNER", `{"type":"gpg"}`)))
	must.Succeed(cfg.ResolveSigningKeys(ctx, signer))

	rc := must.Return(initRedis())
	rle := (*repomgr.RateLimitEngine)(nil)
	if rc != nil {
		rle = must.Return(repomgr.NewRateLimitEngine(cfg, rc))
	}

	// jobs that are still started belonged to a previous process; their state
	// must be resolved before any request is served
	executor := tasks.NewExecutor(cfg, db, signer)
	must.Succeed(executor.RecoverOrphanedJobs())

	// start background goroutines
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		executor.JobExecutionJob(nil).Run(ctx, jobloop.NumGoroutines(cfg.JobLoopGoroutines()))
	}()
	if cfg.JobTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			executor.JobTimeoutJob(nil).Run(ctx)
		}()
	}

	// wire up HTTP handlers
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"HEAD", "GET", "POST", "PUT"},
		AllowedHeaders: []string{"Content-Type", "User-Agent", "Authorization"},
	})
	handler := httpapi.Compose(
		repomgrv1.NewAPI(cfg, db, signer, rle),
		repofiles.NewAPI(cfg),
		httpapi.HealthCheckAPI{
			SkipRequestLog: true,
			Check: func() error {
				return db.Db.PingContext(ctx)
			},
		},
		httpapi.WithGlobalMiddleware(corsMiddleware.Handler),
	)
	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("/metrics", promhttp.Handler())

	// start HTTP server
	must.Succeed(httpext.ListenAndServeContext(ctx, cfg.APIListenAddress, mux))

	// the job loops stop claiming when ctx expires; wait for running jobs to end
	logg.Info("waiting for running jobs to finish...")
	wg.Wait()
}

// Note that, since Redis is optional, this may return (nil, nil).
func initRedis() (*redis.Client, error) {
	if !osext.GetenvBool("REPOMGR_REDIS_ENABLE") {
		return nil, nil
	}
	logg.Debug("initializing Redis connection...")

	opts, err := repomgr.GetRedisOptions("REPOMGR_REDIS")
	if err != nil {
		return nil, fmt.Errorf("cannot parse Redis URL: %s", err.Error())
	}
	return redis.NewClient(opts), nil
}
