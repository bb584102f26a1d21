// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// ObjectEntry contains a record from the `build_objects` table.
//
// An entry is created with IsPresent = false when a client asks whether the
// object is missing, and flipped to IsPresent = true once its content has been
// uploaded. Present entries are never modified again.
type ObjectEntry struct {
	BuildID       int64         `db:"build_id"`
	Checksum      string        `db:"checksum"`
	IsPresent     bool          `db:"is_present"`
	SizeBytes     uint64        `db:"size_bytes"`
	ContentDigest digest.Digest `db:"content_digest"`
	UploadedAt    *time.Time    `db:"uploaded_at"`
}
