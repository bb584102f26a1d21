// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package repomgrv1

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/logg"

	"github.com/sapcc/repomgr/internal/auth"
	"github.com/sapcc/repomgr/internal/processor"
	"github.com/sapcc/repomgr/internal/repomgr"
)

// API contains state variables used by the repomgr v1 API implementation.
type API struct {
	cfg    repomgr.Configuration
	db     *repomgr.DB
	signer repomgr.Signer
	rle    *repomgr.RateLimitEngine // may be nil

	// non-pure functions that can be replaced by deterministic doubles for unit tests
	timeNow func() time.Time
}

// NewAPI constructs a new API instance.
func NewAPI(cfg repomgr.Configuration, db *repomgr.DB, signer repomgr.Signer, rle *repomgr.RateLimitEngine) *API {
	return &API{cfg, db, signer, rle, time.Now}
}

// OverrideTimeNow replaces time.Now with a test double.
func (a *API) OverrideTimeNow(timeNow func() time.Time) *API {
	a.timeNow = timeNow
	return a
}

// AddTo implements the httpapi.API interface.
func (a *API) AddTo(r *mux.Router) {
	r.Methods("POST").Path("/api/v1/token_subset").HandlerFunc(a.handlePostTokenSubset)

	r.Methods("GET").Path("/api/v1/build").HandlerFunc(a.handleGetBuilds)
	r.Methods("POST").Path("/api/v1/build").HandlerFunc(a.handlePostBuild)
	r.Methods("GET").Path("/api/v1/build/{id:[0-9]+}").HandlerFunc(a.handleGetBuild)

	r.Methods("GET").Path("/api/v1/build/{id:[0-9]+}/build_ref").HandlerFunc(a.handleGetBuildRefs)
	r.Methods("POST").Path("/api/v1/build/{id:[0-9]+}/build_ref").HandlerFunc(a.handlePostBuildRef)
	r.Methods("GET").Path("/api/v1/build/{id:[0-9]+}/build_ref/{ref_id:[0-9]+}").HandlerFunc(a.handleGetBuildRef)

	r.Methods("POST").Path("/api/v1/build/{id:[0-9]+}/missing_objects").HandlerFunc(a.handlePostMissingObjects)
	r.Methods("PUT").Path("/api/v1/build/{id:[0-9]+}/upload/{checksum}").HandlerFunc(a.handlePutObject)

	r.Methods("GET").Path("/api/v1/build/{id:[0-9]+}/commit").HandlerFunc(a.handleGetCommitJob)
	r.Methods("POST").Path("/api/v1/build/{id:[0-9]+}/commit").HandlerFunc(a.handlePostCommit)
	r.Methods("GET").Path("/api/v1/build/{id:[0-9]+}/publish").HandlerFunc(a.handleGetPublishJob)
	r.Methods("POST").Path("/api/v1/build/{id:[0-9]+}/publish").HandlerFunc(a.handlePostPublish)
	r.Methods("POST").Path("/api/v1/build/{id:[0-9]+}/purge").HandlerFunc(a.handlePostPurge)

	r.Methods("GET").Path("/api/v1/job/{id:[0-9]+}").HandlerFunc(a.handleGetJob)
}

func (a *API) processor() *processor.Processor {
	return processor.New(a.cfg, a.db, a.signer).OverrideTimeNow(a.timeNow)
}

func (a *API) validator() auth.Validator {
	return auth.Validator{Secret: a.cfg.TokenSecret, TimeNow: a.timeNow}
}

// Checks the bearer token. If it is not valid, an error response is written
// and nil is returned.
func (a *API) authenticateRequest(w http.ResponseWriter, r *http.Request) *auth.Claims {
	claims, rerr := a.validator().ClaimsFromRequest(r)
	if respondWithError(w, r, rerr) {
		return nil
	}
	return &claims
}

// Like authenticateRequest, but also checks that the token grants the given
// scope for the build from the URL path (and the given names, if any).
func (a *API) authenticateBuildRequest(w http.ResponseWriter, r *http.Request, scope auth.Scope, names ...string) (*auth.Claims, int64) {
	claims := a.authenticateRequest(w, r)
	if claims == nil {
		return nil, 0
	}
	buildID, ok := parseIDFromPath(w, r, "id")
	if !ok {
		return nil, 0
	}
	if respondWithError(w, r, claims.AuthorizeBuild(scope, buildID, names...)) {
		return nil, 0
	}
	return claims, buildID
}

func parseIDFromPath(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	idStr := mux.Vars(r)[key]
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		// the route only matches digits, so this can only be an overflow
		repomgr.ErrNotFound.With("no such object: %s", idStr).WriteAsJSONTo(w)
		return 0, false
	}
	return id, true
}

// Writes an error response if err is not nil. Returns whether a response was
// written.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) bool {
	if err == nil {
		return false
	}
	// a nil *repomgr.Error inside a non-nil error interface
	if rerr, ok := err.(*repomgr.Error); ok && rerr == nil {
		return false
	}
	rerr := repomgr.AsError(err)
	if rerr.Code.Category() == repomgr.CategoryInfrastructure && rerr.Code != repomgr.ErrTooManyRequests {
		logg.Error("during %s %s: %s", r.Method, r.URL.Path, rerr.Error())
	}
	rerr.WriteAsJSONTo(w)
	return true
}

// Decodes a JSON request body into the given target. Unknown fields are
// rejected. If the body is not acceptable, an error response is written and
// false is returned.
func decodeJSONRequestBody(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	err := decoder.Decode(target)
	if err != nil {
		repomgr.ErrInvalidRequest.With("request body is not valid JSON: %s", err.Error()).WriteAsJSONTo(w)
		return false
	}
	return true
}
