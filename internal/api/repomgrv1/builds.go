// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package repomgrv1

import (
	"fmt"
	"net/http"

	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/repomgr/internal/auth"
)

func (a *API) handleGetBuilds(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/build")
	claims := a.authenticateRequest(w, r)
	if claims == nil {
		return
	}
	if respondWithError(w, r, claims.Authorize(auth.BuildScope)) {
		return
	}

	builds, err := a.processor().ListBuilds()
	if respondWithError(w, r, err) {
		return
	}
	pinnedID, isPinned := claims.PinnedBuildID()
	result := make([]Build, 0, len(builds))
	for _, b := range builds {
		if isPinned && b.ID != pinnedID {
			continue
		}
		result = append(result, renderBuild(b))
	}
	respondwith.JSON(w, http.StatusOK, result)
}

func (a *API) handlePostBuild(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/build")
	claims := a.authenticateRequest(w, r)
	if claims == nil {
		return
	}
	if respondWithError(w, r, claims.Authorize(auth.BuildScope)) {
		return
	}

	build, err := a.processor().CreateBuild(claims.DisplayName)
	if respondWithError(w, r, err) {
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/build/%d", build.ID))
	respondwith.JSON(w, http.StatusCreated, renderBuild(*build))
}

func (a *API) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/build/:id")
	claims, buildID := a.authenticateBuildRequest(w, r, auth.BuildScope)
	if claims == nil {
		return
	}

	build, err := a.processor().GetBuild(buildID)
	if respondWithError(w, r, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, renderBuild(*build))
}

func (a *API) handleGetBuildRefs(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/build/:id/build_ref")
	claims, buildID := a.authenticateBuildRequest(w, r, auth.BuildScope)
	if claims == nil {
		return
	}

	refs, err := a.processor().ListReferences(buildID)
	if respondWithError(w, r, err) {
		return
	}
	result := make([]Reference, len(refs))
	for idx, ref := range refs {
		result[idx] = renderReference(ref)
	}
	respondwith.JSON(w, http.StatusOK, result)
}

func (a *API) handlePostBuildRef(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/build/:id/build_ref")
	var req struct {
		RefName string `json:"ref_name"`
		Commit  string `json:"commit"`
	}
	claims := a.authenticateRequest(w, r)
	if claims == nil {
		return
	}
	if !decodeJSONRequestBody(w, r, &req) {
		return
	}
	buildID, ok := parseIDFromPath(w, r, "id")
	if !ok {
		return
	}
	if respondWithError(w, r, claims.AuthorizeBuild(auth.BuildScope, buildID, req.RefName)) {
		return
	}

	ref, err := a.processor().AddReference(buildID, req.RefName, req.Commit)
	if respondWithError(w, r, err) {
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/build/%d/build_ref/%d", buildID, ref.ID))
	respondwith.JSON(w, http.StatusCreated, renderReference(*ref))
}

func (a *API) handleGetBuildRef(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/build/:id/build_ref/:ref_id")
	claims, buildID := a.authenticateBuildRequest(w, r, auth.BuildScope)
	if claims == nil {
		return
	}
	refID, ok := parseIDFromPath(w, r, "ref_id")
	if !ok {
		return
	}

	ref, err := a.processor().GetReference(buildID, refID)
	if respondWithError(w, r, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, renderReference(*ref))
}
