// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sapcc/repomgr/internal/repomgr"
)

func init() {
	repomgr.SignerRegistry.Add(func() repomgr.Signer { return &MockSigner{} })
}

// MockSigner is a repomgr.Signer for unit tests. Its signatures are
// deterministic strings that name the key and the hash of the signed content.
type MockSigner struct {
	// If set, all Sign() calls fail with this error.
	FailWith error
	// If set, each Sign() call runs this function first. Tests use this to
	// hold job bodies at a known point.
	BeforeSign func(ctx context.Context)

	mutex       sync.Mutex
	signedFiles []string
}

// PluginTypeID implements the repomgr.Signer interface.
func (s *MockSigner) PluginTypeID() string { return "unittest" }

// Init implements the repomgr.Signer interface.
func (s *MockSigner) Init(ctx context.Context) error { return nil }

// ExportPublicKey implements the repomgr.Signer interface.
func (s *MockSigner) ExportPublicKey(ctx context.Context, keyID string) ([]byte, error) {
	if keyID == "" {
		return nil, errors.New("no key ID given")
	}
	return []byte(MockPublicKey(keyID)), nil
}

// Sign implements the repomgr.Signer interface.
func (s *MockSigner) Sign(ctx context.Context, filePath, keyID string) ([]byte, error) {
	if s.BeforeSign != nil {
		s.BeforeSign(ctx)
	}
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	buf, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	s.mutex.Lock()
	s.signedFiles = append(s.signedFiles, filePath)
	s.mutex.Unlock()
	return MockSignature(buf, keyID), nil
}

// SignCount returns how many files have been signed successfully.
func (s *MockSigner) SignCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.signedFiles)
}

// MockPublicKey returns the public key that MockSigner reports for the given key.
func MockPublicKey(keyID string) string {
	return "public key of " + keyID
}

// MockSignature returns the signature that MockSigner produces for the given
// content and key.
func MockSignature(content []byte, keyID string) []byte {
	return fmt.Appendf(nil, "signature of sha256:%x by %s", sha256.Sum256(content), keyID)
}
