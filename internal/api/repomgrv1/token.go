// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package repomgrv1

import (
	"net/http"

	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/repomgr/internal/auth"
)

func (a *API) handlePostTokenSubset(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/token_subset")
	claims := a.authenticateRequest(w, r)
	if claims == nil {
		return
	}
	var req auth.SubsetRequest
	if !decodeJSONRequestBody(w, r, &req) {
		return
	}

	derived, rerr := auth.Derive(*claims, req, a.timeNow())
	if respondWithError(w, r, rerr) {
		return
	}
	token, err := a.validator().Issue(derived)
	if respondWithError(w, r, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]string{"token": token})
}
