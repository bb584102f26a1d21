// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package repomgrv1

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/repomgr/internal/auth"
	"github.com/sapcc/repomgr/internal/repomgr"
)

func (a *API) handlePostMissingObjects(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/build/:id/missing_objects")
	claims, buildID := a.authenticateBuildRequest(w, r, auth.UploadScope)
	if claims == nil {
		return
	}
	var req struct {
		Wanted []string `json:"wanted"`
	}
	if !decodeJSONRequestBody(w, r, &req) {
		return
	}

	missing, err := a.processor().MissingObjects(buildID, req.Wanted)
	if respondWithError(w, r, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{"missing": missing})
}

func (a *API) handlePutObject(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/build/:id/upload/:checksum")
	claims, buildID := a.authenticateBuildRequest(w, r, auth.UploadScope)
	if claims == nil {
		return
	}
	if !a.checkRateLimit(w, r, *claims, repomgr.UploadObjectAction) {
		return
	}

	err := a.processor().AcceptUpload(buildID, mux.Vars(r)["checksum"], r.Body)
	if respondWithError(w, r, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Checks the rate limit for the given action. If the limit is exceeded, an
// error response is written and false is returned.
func (a *API) checkRateLimit(w http.ResponseWriter, r *http.Request, claims auth.Claims, action repomgr.RateLimitedAction) bool {
	allowed, retryAfter, err := a.rle.RateLimitAllows(r.Context(), claims.Subject, action)
	if respondWithError(w, r, err) {
		return false
	}
	if !allowed {
		retryAfterSecs := strconv.Itoa(int(math.Ceil(retryAfter.Seconds())))
		rerr := repomgr.ErrTooManyRequests.With("rate limit for %s exceeded", action).WithHeader("Retry-After", retryAfterSecs)
		respondWithError(w, r, rerr)
		return false
	}
	return true
}
