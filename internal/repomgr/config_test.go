// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package repomgr_test

import (
	"testing"

	"github.com/sapcc/go-bits/assert"
	"github.com/sapcc/go-bits/must"

	"github.com/sapcc/repomgr/internal/repomgr"
	"github.com/sapcc/repomgr/internal/test"
)

func TestParseTokenSecret(t *testing.T) {
	secret := must.ReturnT(repomgr.ParseTokenSecret("c2VjcmV0"))(t)
	assert.DeepEqual(t, "secret", string(secret), "secret")

	for _, input := range []string{"", "not base64!"} {
		_, err := repomgr.ParseTokenSecret(input)
		if err == nil {
			t.Errorf("expected ParseTokenSecret(%q) to fail", input)
		}
	}
}

func TestNewSigner(t *testing.T) {
	signer := must.ReturnT(repomgr.NewSigner(t.Context(), `{"type":"unittest"}`))(t)
	assert.DeepEqual(t, "signer type", signer.PluginTypeID(), "unittest")

	for _, configJSON := range []string{
		`{"type":"nonexistent"}`,
		`{"type":"unittest","params":{"unknown":1}}`,
		`{"type":"unittest","unknown":1}`,
		`not JSON`,
	} {
		_, err := repomgr.NewSigner(t.Context(), configJSON)
		if err == nil {
			t.Errorf("expected NewSigner(%q) to fail", configJSON)
		}
	}
}

func TestResolveSigningKeys(t *testing.T) {
	cfg := repomgr.Configuration{
		MainSigningKey: &repomgr.SigningKey{ID: test.MainKeyID},
	}
	must.SucceedT(t, cfg.ResolveSigningKeys(t.Context(), &test.MockSigner{}))
	assert.DeepEqual(t, "public key", string(cfg.MainSigningKey.PublicKey), test.MockPublicKey(test.MainKeyID))
	assert.DeepEqual(t, "base64 public key", cfg.MainSigningKey.Base64PublicKey(), "cHVibGljIGtleSBvZiBtYWluLWtleUBleGFtcGxlLm9yZw==")
	assert.DeepEqual(t, "no build key", cfg.BuildSigningKey.Base64PublicKey(), "")

	// a key that the signer does not know prevents startup
	cfg.BuildSigningKey = &repomgr.SigningKey{ID: ""}
	if cfg.ResolveSigningKeys(t.Context(), &test.MockSigner{}) == nil {
		t.Error("expected ResolveSigningKeys to fail for an unknown key")
	}
}

func TestJobLoopGoroutines(t *testing.T) {
	// the claiming goroutine comes on top of the configured workers
	for _, workerCount := range []uint32{1, 2, 4} {
		cfg := repomgr.Configuration{JobWorkerCount: workerCount}
		assert.DeepEqual(t, "goroutines for job workers", cfg.JobLoopGoroutines(), workerCount+1)
	}
}
