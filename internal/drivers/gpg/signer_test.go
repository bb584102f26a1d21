// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package gpg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sapcc/go-bits/assert"
	"github.com/sapcc/go-bits/must"
)

// This fake gpg binary echoes its arguments, and fails for the key "broken".
const fakeGPGScript = `#!/bin/sh
for arg in "$@"; do
  if [ "$arg" = broken ]; then
    echo "gpg: signing failed: No secret key" >&2
    exit 2
  fi
  if [ "$arg" = missing ]; then
    exit 0
  fi
done
echo "$@"
`

func newFakeSigner(t *testing.T) *Signer {
	t.Helper()
	binPath := filepath.Join(t.TempDir(), "fake-gpg")
	must.SucceedT(t, os.WriteFile(binPath, []byte(fakeGPGScript), 0o755))
	s := &Signer{Binary: binPath, HomeDir: "/var/lib/repomgr/gnupg"}
	must.SucceedT(t, s.Init(t.Context()))
	return s
}

func TestSignerInvocation(t *testing.T) {
	s := newFakeSigner(t)

	out := must.ReturnT(s.Sign(t.Context(), "/srv/repo/summary", "key@example.org"))(t)
	assert.DeepEqual(t, "sign arguments", strings.TrimSpace(string(out)),
		"--batch --no-tty --homedir /var/lib/repomgr/gnupg --default-key key@example.org --detach-sign --output - /srv/repo/summary")

	out = must.ReturnT(s.ExportPublicKey(t.Context(), "key@example.org"))(t)
	assert.DeepEqual(t, "export arguments", strings.TrimSpace(string(out)),
		"--batch --no-tty --homedir /var/lib/repomgr/gnupg --export key@example.org")
}

func TestSignerErrors(t *testing.T) {
	s := newFakeSigner(t)

	_, err := s.Sign(t.Context(), "/srv/repo/summary", "broken")
	if err == nil {
		t.Fatal("expected signing with broken key to fail")
	}
	if !strings.Contains(err.Error(), "No secret key") {
		t.Errorf("expected error to contain the gpg diagnostic, but got: %s", err.Error())
	}

	_, err = s.ExportPublicKey(t.Context(), "missing")
	if err == nil {
		t.Error("expected export of missing key to fail")
	}

	err = (&Signer{Binary: filepath.Join(t.TempDir(), "does-not-exist")}).Init(t.Context())
	if err == nil {
		t.Error("expected Init to fail for nonexistent binary")
	}
}
