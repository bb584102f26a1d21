// SPDX-FileCopyrightText: 2018 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sapcc/repomgr/internal/repomgr"
)

// Claims is the payload of a capability token.
//
//	{"sub": "build", "scope": ["build","upload"], "prefix": ["app/org.example."], "name": "ci", "exp": 1700000000}
type Claims struct {
	Subject     string    `json:"sub"`
	Scopes      ScopeSet  `json:"scope"`
	Prefixes    PrefixSet `json:"prefix,omitempty"`
	DisplayName string    `json:"name"`
	ExpiresAt   int64     `json:"exp"`
}

// GetExpirationTime implements the jwt.Claims interface.
func (c Claims) GetExpirationTime() (*jwt.NumericDate, error) {
	if c.ExpiresAt == 0 {
		return nil, nil
	}
	return jwt.NewNumericDate(time.Unix(c.ExpiresAt, 0)), nil
}

// GetIssuedAt implements the jwt.Claims interface.
func (c Claims) GetIssuedAt() (*jwt.NumericDate, error) { return nil, nil }

// GetNotBefore implements the jwt.Claims interface.
func (c Claims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }

// GetIssuer implements the jwt.Claims interface.
func (c Claims) GetIssuer() (string, error) { return "", nil }

// GetSubject implements the jwt.Claims interface.
func (c Claims) GetSubject() (string, error) { return c.Subject, nil }

// GetAudience implements the jwt.Claims interface.
func (c Claims) GetAudience() (jwt.ClaimStrings, error) { return nil, nil }

// PinnedBuildID returns the build ID that this token is restricted to, if the
// subject has the form "build/<id>" or "build/<id>/...".
func (c Claims) PinnedBuildID() (int64, bool) {
	idStr, ok := strings.CutPrefix(c.Subject, "build/")
	if !ok {
		return 0, false
	}
	idStr, _, _ = strings.Cut(idStr, "/") // derived subjects look like "build/<id>/<suffix>"
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Authorize checks whether these claims permit an operation with the given
// scope on the given names. Each name must be allowed by the token's prefixes.
func (c Claims) Authorize(scope Scope, names ...string) *repomgr.Error {
	if !c.Scopes.Contains(scope) {
		return repomgr.ErrForbidden.With("token does not have the %q scope", scope)
	}
	for _, name := range names {
		if !c.Prefixes.Allows(name) {
			return repomgr.ErrForbidden.With("token is not allowed to access %q", name)
		}
	}
	return nil
}

// AuthorizeBuild is like Authorize, but additionally checks that the token is
// not pinned to a different build.
func (c Claims) AuthorizeBuild(scope Scope, buildID int64, names ...string) *repomgr.Error {
	if pinnedID, ok := c.PinnedBuildID(); ok && pinnedID != buildID {
		return repomgr.ErrForbidden.With("token is restricted to build %d", pinnedID)
	}
	return c.Authorize(scope, names...)
}

// Validator checks and issues capability tokens with a shared secret. It has
// no mutable state and can be used from any number of goroutines.
type Validator struct {
	Secret []byte
	// non-pure function that can be replaced by a deterministic double for unit tests
	TimeNow func() time.Time
}

// NewValidator builds a Validator for the given secret.
func NewValidator(secret []byte) Validator {
	return Validator{Secret: secret, TimeNow: time.Now}
}

// Validate parses the given token and verifies its signature and expiry.
func (v Validator) Validate(tokenStr string) (Claims, *repomgr.Error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenStr, &claims,
		func(t *jwt.Token) (any, error) { return v.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.TimeNow),
	)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, repomgr.ErrExpiredToken.With("token expired at %s", time.Unix(claims.ExpiresAt, 0).UTC().Format(time.RFC3339))
	default:
		return Claims{}, repomgr.ErrInvalidToken.With("%s", err.Error())
	}
}

// Issue signs the given claims into a token string.
func (v Validator) Issue(claims Claims) (string, error) {
	if claims.ExpiresAt == 0 {
		return "", errors.New("cannot issue token without expiry")
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.Secret)
	if err != nil {
		return "", fmt.Errorf("cannot sign token: %w", err)
	}
	return token, nil
}
