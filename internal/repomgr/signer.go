// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package repomgr

import (
	"context"

	"github.com/sapcc/go-bits/pluggable"
)

// Signer produces detached signatures for repository metadata.
type Signer interface {
	pluggable.Plugin
	// Init is called before any other interface methods, and allows the plugin to
	// perform first-time initialization.
	Init(ctx context.Context) error
	// ExportPublicKey returns the public part of the given key. This is called
	// once per configured key during startup.
	ExportPublicKey(ctx context.Context, keyID string) ([]byte, error)
	// Sign returns a detached signature over the contents of the file at the
	// given path.
	Sign(ctx context.Context, filePath, keyID string) ([]byte, error)
}

// SignerRegistry is a pluggable.Registry for Signer implementations.
var SignerRegistry pluggable.Registry[Signer]

// NewSigner creates a new Signer using one of the plugins registered with
// SignerRegistry.
//
// The supplied config must be a JSON string like `{"type":"gpg","params":{...}}`.
func NewSigner(ctx context.Context, configJSON string) (Signer, error) {
	return newDriver("signer", SignerRegistry, configJSON, func(s Signer) error {
		return s.Init(ctx)
	})
}
