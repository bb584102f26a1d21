// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"strings"
	"time"

	"github.com/sapcc/repomgr/internal/repomgr"
)

// SubsetRequest is the request body for deriving a narrower token from an
// existing one. Omitted fields are inherited from the parent token.
type SubsetRequest struct {
	Subject         string    `json:"sub,omitempty"`
	Scopes          ScopeSet  `json:"scope"`
	Prefixes        PrefixSet `json:"prefix,omitempty"`
	DurationSeconds int64     `json:"duration,omitempty"`
	DisplayName     string    `json:"name,omitempty"`
}

// Derive computes the claims of a token that holds a subset of the parent's
// scopes and prefixes. The derived token never outlives the parent token.
func Derive(parent Claims, req SubsetRequest, now time.Time) (Claims, *repomgr.Error) {
	if !req.Scopes.IsSubsetOf(parent.Scopes) {
		return Claims{}, repomgr.ErrScopeEscalation.With("requested scopes %q are not a subset of %q", req.Scopes.String(), parent.Scopes.String())
	}

	prefixes := req.Prefixes
	if prefixes == nil {
		prefixes = parent.Prefixes
	} else if !prefixes.IsNarrowerThan(parent.Prefixes) {
		return Claims{}, repomgr.ErrScopeEscalation.With("requested prefixes are not covered by the current token")
	}

	subject := parent.Subject
	if req.Subject != "" && req.Subject != parent.Subject {
		if !strings.HasPrefix(req.Subject, parent.Subject+"/") {
			return Claims{}, repomgr.ErrScopeEscalation.With("requested subject %q is not within %q", req.Subject, parent.Subject)
		}
		subject = req.Subject
	}

	if req.DurationSeconds < 0 {
		return Claims{}, repomgr.ErrInvalidRequest.With("duration must not be negative")
	}
	expiresAt := parent.ExpiresAt
	if req.DurationSeconds > 0 {
		expiresAt = min(expiresAt, now.Unix()+req.DurationSeconds)
	}

	displayName := parent.DisplayName
	if req.DisplayName != "" {
		displayName = parent.DisplayName + "/" + req.DisplayName
	}

	return Claims{
		Subject:     subject,
		Scopes:      req.Scopes,
		Prefixes:    prefixes,
		DisplayName: displayName,
		ExpiresAt:   expiresAt,
	}, nil
}
