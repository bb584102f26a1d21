// SPDX-FileCopyrightText: 2018 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package repomgr

import (
	"database/sql"
	"errors"

	"github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/repomgr/internal/models"
)

// FindBuild works similar to db.SelectOne(), but returns nil instead of
// sql.ErrNoRows if no build exists with this ID.
func FindBuild(db gorp.SqlExecutor, buildID int64) (*models.Build, error) {
	var build models.Build
	err := db.SelectOne(&build, "SELECT * FROM builds WHERE id = $1", buildID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &build, err
}

// FindBuildForUpdate is like FindBuild, but locks the build row until the
// transaction ends.
func FindBuildForUpdate(tx *gorp.Transaction, buildID int64) (*models.Build, error) {
	var build models.Build
	err := tx.SelectOne(&build, "SELECT * FROM builds WHERE id = $1 FOR UPDATE", buildID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &build, err
}

// FindReference works similar to db.SelectOne(), but returns nil instead of
// sql.ErrNoRows if no reference exists with this ID within the given build.
func FindReference(db gorp.SqlExecutor, buildID, refID int64) (*models.Reference, error) {
	var ref models.Reference
	err := db.SelectOne(&ref, "SELECT * FROM build_refs WHERE build_id = $1 AND id = $2", buildID, refID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &ref, err
}

// ListReferences returns all references of the given build in creation order.
func ListReferences(db gorp.SqlExecutor, buildID int64) ([]models.Reference, error) {
	var refs []models.Reference
	_, err := db.Select(&refs, "SELECT * FROM build_refs WHERE build_id = $1 ORDER BY id", buildID)
	return refs, err
}

var presentObjectsQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM build_objects
	 WHERE build_id = $1 AND is_present
	 ORDER BY checksum
`)

// ListPresentObjects returns all object entries of the given build that have
// been uploaded.
func ListPresentObjects(db gorp.SqlExecutor, buildID int64) ([]models.ObjectEntry, error) {
	var objects []models.ObjectEntry
	_, err := db.Select(&objects, presentObjectsQuery, buildID)
	return objects, err
}
