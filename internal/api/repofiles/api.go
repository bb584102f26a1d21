// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

// Package repofiles serves the files of staging and production repositories
// over plain HTTP. It does not require authentication: the repositories are
// meant to be fetched by package clients.
package repofiles

import (
	"errors"
	"io/fs"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/logg"

	"github.com/sapcc/repomgr/internal/repofs"
	"github.com/sapcc/repomgr/internal/repomgr"
)

// API contains state variables used by the repository file server.
type API struct {
	cfg repomgr.Configuration
}

// NewAPI constructs a new API instance.
func NewAPI(cfg repomgr.Configuration) *API {
	return &API{cfg}
}

// AddTo implements the httpapi.API interface.
func (a *API) AddTo(r *mux.Router) {
	r.Methods("GET", "HEAD").Path("/build-repo/{id:[0-9]+}/{path:.+}").HandlerFunc(a.handleGetBuildRepoFile)
	r.Methods("GET", "HEAD").Path("/repo/{path:.+}").HandlerFunc(a.handleGetRepoFile)
}

func (a *API) handleGetBuildRepoFile(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/build-repo/:id/:path")
	buildID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	relPath, ok := cleanRelativePath(mux.Vars(r)["path"])
	if !ok {
		http.NotFound(w, r)
		return
	}

	// files that the build does not have (e.g. objects that were only
	// uploaded by earlier builds) are taken from the production repository
	staging := repofs.Open(a.cfg.StagingRepoPath(buildID))
	if serveFile(w, r, staging, relPath) {
		return
	}
	production := repofs.Open(a.cfg.RepoPath)
	if !serveFile(w, r, production, relPath) {
		http.NotFound(w, r)
	}
}

func (a *API) handleGetRepoFile(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/repo/:path")
	relPath, ok := cleanRelativePath(mux.Vars(r)["path"])
	if !ok {
		http.NotFound(w, r)
		return
	}
	production := repofs.Open(a.cfg.RepoPath)
	if !serveFile(w, r, production, relPath) {
		http.NotFound(w, r)
	}
}

// Validates a path from a request URL. Paths are rejected if any component
// would leave the directory they are resolved in.
func cleanRelativePath(p string) (string, bool) {
	if p == "" || strings.HasPrefix(p, "/") || strings.ContainsAny(p, "\\\x00") {
		return "", false
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return "", false
		}
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", false
	}
	return cleaned, true
}

// Serves the given file from the repository. Returns false without writing a
// response if the file does not exist.
func serveFile(w http.ResponseWriter, r *http.Request, repo *repofs.Repo, relPath string) bool {
	fsys := repo.Filesystem()
	fi, err := fsys.Stat(relPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	if err != nil {
		logg.Error("while serving %s from %s: %s", relPath, repo.Root(), err.Error())
		http.Error(w, "internal error", http.StatusInternalServerError)
		return true
	}
	if fi.IsDir() {
		// no directory listings
		http.NotFound(w, r)
		return true
	}

	f, err := fsys.Open(relPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false
		}
		logg.Error("while serving %s from %s: %s", relPath, repo.Root(), err.Error())
		http.Error(w, "internal error", http.StatusInternalServerError)
		return true
	}
	defer f.Close()
	http.ServeContent(w, r, path.Base(relPath), fi.ModTime(), f)
	return true
}
