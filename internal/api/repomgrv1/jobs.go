// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package repomgrv1

import (
	"fmt"
	"io"
	"net/http"

	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/repomgr/internal/auth"
	"github.com/sapcc/repomgr/internal/models"
	"github.com/sapcc/repomgr/internal/repomgr"
)

func (a *API) handlePostCommit(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/build/:id/commit")
	claims, buildID := a.authenticateBuildRequest(w, r, auth.BuildScope)
	if claims == nil {
		return
	}
	job, err := a.processor().RequestCommit(buildID)
	respondWithNewJob(w, r, job, err)
}

func (a *API) handleGetCommitJob(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/build/:id/commit")
	claims, buildID := a.authenticateBuildRequest(w, r, auth.BuildScope)
	if claims == nil {
		return
	}
	job, err := a.processor().GetLatestJob(buildID, models.CommitJob)
	if respondWithError(w, r, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, renderJob(*job))
}

func (a *API) handlePostPublish(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/build/:id/publish")
	claims, buildID := a.authenticateBuildRequest(w, r, auth.PublishScope)
	if claims == nil {
		return
	}
	job, err := a.processor().RequestPublish(buildID)
	respondWithNewJob(w, r, job, err)
}

func (a *API) handleGetPublishJob(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/build/:id/publish")
	claims, buildID := a.authenticateBuildRequest(w, r, auth.PublishScope)
	if claims == nil {
		return
	}
	job, err := a.processor().GetLatestJob(buildID, models.PublishJob)
	if respondWithError(w, r, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, renderJob(*job))
}

func (a *API) handlePostPurge(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/build/:id/purge")
	claims, buildID := a.authenticateBuildRequest(w, r, auth.BuildScope)
	if claims == nil {
		return
	}

	// the request body is optional
	var req struct {
		Force bool `json:"force"`
	}
	buf, err := io.ReadAll(r.Body)
	if respondWithError(w, r, err) {
		return
	}
	if len(buf) > 0 {
		err := repomgr.UnmarshalJSONStrict(buf, &req)
		if err != nil {
			repomgr.ErrInvalidRequest.With("request body is not valid JSON: %s", err.Error()).WriteAsJSONTo(w)
			return
		}
	}

	job, err := a.processor().RequestPurge(buildID, req.Force)
	respondWithNewJob(w, r, job, err)
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/job/:id")
	claims := a.authenticateRequest(w, r)
	if claims == nil {
		return
	}
	jobID, ok := parseIDFromPath(w, r, "id")
	if !ok {
		return
	}
	if respondWithError(w, r, claims.Authorize(auth.JobsScope)) {
		return
	}

	job, err := a.processor().GetJob(jobID)
	if respondWithError(w, r, err) {
		return
	}
	if respondWithError(w, r, claims.AuthorizeBuild(auth.JobsScope, job.BuildID)) {
		return
	}
	respondwith.JSON(w, http.StatusOK, renderJob(*job))
}

func respondWithNewJob(w http.ResponseWriter, r *http.Request, job *models.Job, err error) {
	if respondWithError(w, r, err) {
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/job/%d", job.ID))
	respondwith.JSON(w, http.StatusCreated, renderJob(*job))
}
