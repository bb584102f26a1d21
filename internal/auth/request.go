// SPDX-FileCopyrightText: 2018 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"net/http"
	"strings"

	"github.com/sapcc/repomgr/internal/repomgr"
)

// ClaimsFromRequest extracts the bearer token from the request's Authorization
// header and validates it.
func (v Validator) ClaimsFromRequest(r *http.Request) (Claims, *repomgr.Error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Claims{}, repomgr.ErrInvalidToken.With("no Authorization header found")
	}
	tokenStr, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return Claims{}, repomgr.ErrInvalidToken.With("Authorization header is not a bearer token")
	}
	return v.Validate(strings.TrimSpace(tokenStr))
}
