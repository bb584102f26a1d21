// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

// Package gpg contains the signer driver "gpg", which signs repository
// metadata by running the gpg2 binary.
package gpg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sapcc/go-bits/errext"
	"github.com/sapcc/go-bits/logg"

	"github.com/sapcc/repomgr/internal/repomgr"
)

// Signer is the signer driver "gpg".
type Signer struct {
	// Path to the gpg binary, defaults to "gpg2".
	Binary string `json:"binary"`
	// Optional GnuPG home directory, passed as --homedir.
	HomeDir string `json:"homedir"`
}

func init() {
	repomgr.SignerRegistry.Add(func() repomgr.Signer { return &Signer{} })
}

// PluginTypeID implements the repomgr.Signer interface.
func (s *Signer) PluginTypeID() string { return "gpg" }

// Init implements the repomgr.Signer interface.
func (s *Signer) Init(ctx context.Context) error {
	if s.Binary == "" {
		s.Binary = "gpg2"
	}
	path, err := exec.LookPath(s.Binary)
	if err != nil {
		return fmt.Errorf("cannot find gpg binary: %w", err)
	}
	logg.Debug("using gpg binary at %s", path)
	return nil
}

// ExportPublicKey implements the repomgr.Signer interface.
func (s *Signer) ExportPublicKey(ctx context.Context, keyID string) ([]byte, error) {
	stdout, err := s.run(ctx, "--export", keyID)
	if err != nil {
		return nil, err
	}
	// gpg exits with status 0 when the key does not exist, but prints nothing
	if len(stdout) == 0 {
		return nil, fmt.Errorf("no public key found for %q", keyID)
	}
	return stdout, nil
}

// Sign implements the repomgr.Signer interface.
func (s *Signer) Sign(ctx context.Context, filePath, keyID string) ([]byte, error) {
	return s.run(ctx, "--default-key", keyID, "--detach-sign", "--output", "-", filePath)
}

func (s *Signer) run(ctx context.Context, args ...string) ([]byte, error) {
	fullArgs := []string{"--batch", "--no-tty"}
	if s.HomeDir != "" {
		fullArgs = append(fullArgs, "--homedir", s.HomeDir)
	}
	fullArgs = append(fullArgs, args...)

	//nolint:gosec // arguments come from the configuration and from repomgr itself
	cmd := exec.CommandContext(ctx, s.Binary, fullArgs...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	err := cmd.Run()
	if err != nil {
		msg := strings.ReplaceAll(strings.TrimSpace(stderrBuf.String()), "\n", " ")
		if _, ok := errext.As[*exec.ExitError](err); ok && msg != "" {
			return nil, fmt.Errorf("%s %s: %w: %s", s.Binary, strings.Join(args[:1], " "), err, msg)
		}
		return nil, fmt.Errorf("%s %s: %w", s.Binary, strings.Join(args[:1], " "), err)
	}
	return stdoutBuf.Bytes(), nil
}
