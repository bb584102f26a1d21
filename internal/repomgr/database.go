// SPDX-FileCopyrightText: 2018 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package repomgr

import (
	"database/sql"

	"github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/easypg"

	"github.com/sapcc/repomgr/internal/models"
)

var sqlMigrations = map[string]string{
	"001_initial.up.sql": `
		CREATE TABLE builds (
			id           BIGSERIAL   NOT NULL PRIMARY KEY,
			state        TEXT        NOT NULL DEFAULT 'open',
			repo_path    TEXT        NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL,
			created_by   TEXT        NOT NULL DEFAULT '',
			committed_at TIMESTAMPTZ DEFAULT NULL,
			published_at TIMESTAMPTZ DEFAULT NULL,
			purged_at    TIMESTAMPTZ DEFAULT NULL
		);

		CREATE TABLE build_refs (
			id            BIGSERIAL NOT NULL PRIMARY KEY,
			build_id      BIGINT    NOT NULL REFERENCES builds ON DELETE CASCADE,
			name          TEXT      NOT NULL,
			target_commit TEXT      NOT NULL,
			UNIQUE (build_id, name)
		);

		CREATE TABLE build_objects (
			build_id       BIGINT      NOT NULL REFERENCES builds ON DELETE CASCADE,
			checksum       TEXT        NOT NULL,
			is_present     BOOLEAN     NOT NULL DEFAULT FALSE,
			size_bytes     BIGINT      NOT NULL DEFAULT 0,
			content_digest TEXT        NOT NULL DEFAULT '',
			uploaded_at    TIMESTAMPTZ DEFAULT NULL,
			PRIMARY KEY (build_id, checksum)
		);

		CREATE TABLE jobs (
			id             BIGSERIAL   NOT NULL PRIMARY KEY,
			build_id       BIGINT      NOT NULL REFERENCES builds ON DELETE CASCADE,
			kind           TEXT        NOT NULL,
			status         TEXT        NOT NULL DEFAULT 'new',
			outcome        TEXT        NOT NULL DEFAULT '',
			failure_reason TEXT        NOT NULL DEFAULT '',
			params_json    TEXT        NOT NULL DEFAULT '',
			log            TEXT        NOT NULL DEFAULT '',
			claim_id       TEXT        NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL,
			started_at     TIMESTAMPTZ DEFAULT NULL,
			ended_at       TIMESTAMPTZ DEFAULT NULL
		);

		-- at most one job per build may be waiting or running at any time
		CREATE UNIQUE INDEX jobs_one_active_per_build ON jobs (build_id) WHERE status IN ('new', 'started');
		CREATE INDEX jobs_claim_order ON jobs (id) WHERE status = 'new';
	`,
	"001_initial.down.sql": `
		DROP TABLE jobs;
		DROP TABLE build_objects;
		DROP TABLE build_refs;
		DROP TABLE builds;
	`,
}

// DB adds convenience functions on top of gorp.DbMap.
type DB struct {
	gorp.DbMap
}

// InitORM wraps a database connection into a DB instance.
func InitORM(dbConn *sql.DB) *DB {
	result := &DB{DbMap: gorp.DbMap{Db: dbConn, Dialect: gorp.PostgresDialect{}}}
	result.AddTableWithName(models.Build{}, "builds").SetKeys(true, "id")
	result.AddTableWithName(models.Reference{}, "build_refs").SetKeys(true, "id")
	result.AddTableWithName(models.ObjectEntry{}, "build_objects").SetKeys(false, "build_id", "checksum")
	result.AddTableWithName(models.Job{}, "jobs").SetKeys(true, "id")
	return result
}

// DBConfiguration returns the easypg.Configuration object that func main() needs to initialize the DB connection.
func DBConfiguration() easypg.Configuration {
	return easypg.Configuration{
		Migrations: sqlMigrations,
	}
}
