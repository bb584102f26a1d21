// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package repomgrv1_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/sapcc/go-bits/assert"

	"github.com/sapcc/repomgr/internal/auth"
	"github.com/sapcc/repomgr/internal/repomgr"
	"github.com/sapcc/repomgr/internal/test"
)

func TestAuthentication(t *testing.T) {
	s := test.NewSetup(t)
	h := s.Handler

	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/build",
		ExpectStatus: http.StatusUnauthorized,
		ExpectBody:   errorBody(repomgr.ErrInvalidToken, "no Authorization header found"),
	}.Check(t, h)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/build",
		Header:       map[string]string{"Authorization": "Basic Zm9vOmJhcg=="},
		ExpectStatus: http.StatusUnauthorized,
		ExpectBody:   errorBody(repomgr.ErrInvalidToken, "Authorization header is not a bearer token"),
	}.Check(t, h)

	// tokens that are malformed or signed with a different secret
	otherToken, err := auth.NewValidator([]byte("some-other-secret")).Issue(auth.Claims{
		Subject:   "build",
		Scopes:    auth.DefaultScopes,
		ExpiresAt: s.Clock.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatal(err.Error())
	}
	for _, token := range []string{"garbage", otherToken} {
		_, respBody := assert.HTTPRequest{
			Method:       "GET",
			Path:         "/api/v1/build",
			Header:       test.AuthHeader(token),
			ExpectStatus: http.StatusUnauthorized,
		}.Check(t, h)
		body := decodeJSON[map[string]any](t, respBody)
		assert.DeepEqual(t, "error code", body["code"], any(string(repomgr.ErrInvalidToken)))
		assert.DeepEqual(t, "error category", body["category"], any(string(repomgr.CategoryAuth)))
	}

	// expired tokens are reported separately
	token := s.IssueToken(t, auth.Claims{
		Subject:   "build",
		Scopes:    auth.DefaultScopes,
		ExpiresAt: 10,
	})
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/build",
		Header:       test.AuthHeader(token),
		ExpectStatus: http.StatusOK,
		ExpectBody:   assert.StringData("[]\n"),
	}.Check(t, h)
	s.Clock.StepBy(time.Minute)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/build",
		Header:       test.AuthHeader(token),
		ExpectStatus: http.StatusUnauthorized,
		ExpectBody:   errorBody(repomgr.ErrExpiredToken, "token expired at 1970-01-01T00:00:10Z"),
	}.Check(t, h)
}

func TestTokenSubset(t *testing.T) {
	s := test.NewSetup(t)
	h := s.Handler
	adminHeader := test.AuthHeader(s.AdminToken(t))
	for range 2 {
		assert.HTTPRequest{
			Method:       "POST",
			Path:         "/api/v1/build",
			Header:       adminHeader,
			ExpectStatus: http.StatusCreated,
		}.Check(t, h)
	}

	// derive an upload-only token for build 1
	_, respBody := assert.HTTPRequest{
		Method: "POST",
		Path:   "/api/v1/token_subset",
		Header: adminHeader,
		Body: assert.JSONObject{
			"sub":      "build/1",
			"scope":    []string{"upload"},
			"prefix":   []string{"app/org.example."},
			"duration": 600,
			"name":     "uploader",
		},
		ExpectStatus: http.StatusOK,
	}.Check(t, h)
	derivedToken := decodeJSON[struct {
		Token string `json:"token"`
	}](t, respBody).Token

	claims, rerr := auth.NewValidator(s.Config.TokenSecret).Validate(derivedToken)
	if rerr != nil {
		t.Fatal(rerr.Error())
	}
	assert.DeepEqual(t, "derived claims", claims, auth.Claims{
		Subject:     "build/1",
		Scopes:      auth.ScopeSet{auth.UploadScope},
		Prefixes:    auth.PrefixSet{"app/org.example."},
		DisplayName: "admin/uploader",
		ExpiresAt:   600,
	})

	// the derived token can only upload, and only into build 1
	derivedHeader := test.AuthHeader(derivedToken)
	assert.HTTPRequest{
		Method:       "PUT",
		Path:         "/api/v1/build/1/upload/aaa",
		Header:       derivedHeader,
		Body:         assert.StringData("hello"),
		ExpectStatus: http.StatusNoContent,
	}.Check(t, h)
	assert.HTTPRequest{
		Method:       "PUT",
		Path:         "/api/v1/build/2/upload/aaa",
		Header:       derivedHeader,
		Body:         assert.StringData("hello"),
		ExpectStatus: http.StatusForbidden,
		ExpectBody:   errorBody(repomgr.ErrForbidden, "token is restricted to build 1"),
	}.Check(t, h)
	assert.HTTPRequest{
		Method:       "POST",
		Path:         "/api/v1/build",
		Header:       derivedHeader,
		ExpectStatus: http.StatusForbidden,
		ExpectBody:   errorBody(repomgr.ErrForbidden, `token does not have the "build" scope`),
	}.Check(t, h)

	// a derived token cannot be used to regain what was given up
	assert.HTTPRequest{
		Method:       "POST",
		Path:         "/api/v1/token_subset",
		Header:       derivedHeader,
		Body:         assert.JSONObject{"scope": []string{"upload", "publish"}},
		ExpectStatus: http.StatusForbidden,
		ExpectBody:   errorBody(repomgr.ErrScopeEscalation, "requested scopes %q are not a subset of %q", "upload,publish", "upload"),
	}.Check(t, h)
	assert.HTTPRequest{
		Method:       "POST",
		Path:         "/api/v1/token_subset",
		Header:       derivedHeader,
		Body:         assert.JSONObject{"scope": []string{"upload"}, "prefix": []string{"runtime/"}},
		ExpectStatus: http.StatusForbidden,
		ExpectBody:   errorBody(repomgr.ErrScopeEscalation, "requested prefixes are not covered by the current token"),
	}.Check(t, h)
	assert.HTTPRequest{
		Method:       "POST",
		Path:         "/api/v1/token_subset",
		Header:       derivedHeader,
		Body:         assert.JSONObject{"scope": []string{"upload"}, "sub": "build/2"},
		ExpectStatus: http.StatusForbidden,
		ExpectBody:   errorBody(repomgr.ErrScopeEscalation, "requested subject %q is not within %q", "build/2", "build/1"),
	}.Check(t, h)
	assert.HTTPRequest{
		Method:       "POST",
		Path:         "/api/v1/token_subset",
		Header:       derivedHeader,
		Body:         assert.JSONObject{"scope": []string{"upload"}, "duration": -1},
		ExpectStatus: http.StatusBadRequest,
		ExpectBody:   errorBody(repomgr.ErrInvalidRequest, "duration must not be negative"),
	}.Check(t, h)

	// the derived token expires on its own schedule
	s.Clock.StepBy(11 * time.Minute)
	assert.HTTPRequest{
		Method:       "PUT",
		Path:         "/api/v1/build/1/upload/bbb",
		Header:       derivedHeader,
		Body:         assert.StringData("world"),
		ExpectStatus: http.StatusUnauthorized,
		ExpectBody:   errorBody(repomgr.ErrExpiredToken, "token expired at 1970-01-01T00:10:00Z"),
	}.Check(t, h)
}

func TestPinnedToken(t *testing.T) {
	s := test.NewSetup(t)
	h := s.Handler
	adminHeader := test.AuthHeader(s.AdminToken(t))
	for range 2 {
		assert.HTTPRequest{
			Method:       "POST",
			Path:         "/api/v1/build",
			Header:       adminHeader,
			ExpectStatus: http.StatusCreated,
		}.Check(t, h)
	}
	assert.HTTPRequest{
		Method:       "POST",
		Path:         "/api/v1/build/2/purge",
		Header:       adminHeader,
		Body:         assert.JSONObject{"force": true},
		ExpectStatus: http.StatusCreated,
		ExpectHeader: map[string]string{"Location": "/api/v1/job/1"},
	}.Check(t, h)

	pinnedHeader := test.AuthHeader(s.IssueToken(t, auth.Claims{
		Subject:     "build/1",
		Scopes:      auth.DefaultScopes,
		DisplayName: "pinned",
	}))

	// only the pinned build is listed
	_, respBody := assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/build",
		Header:       pinnedHeader,
		ExpectStatus: http.StatusOK,
	}.Check(t, h)
	builds := decodeJSON[[]map[string]any](t, respBody)
	assert.DeepEqual(t, "number of listed builds", len(builds), 1)
	assert.DeepEqual(t, "ID of listed build", builds[0]["id"], any(float64(1)))
	_, respBody = assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/build",
		Header:       adminHeader,
		ExpectStatus: http.StatusOK,
	}.Check(t, h)
	assert.DeepEqual(t, "number of listed builds", len(decodeJSON[[]map[string]any](t, respBody)), 2)

	// other builds and their jobs are off limits
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/build/1",
		Header:       pinnedHeader,
		ExpectStatus: http.StatusOK,
	}.Check(t, h)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/build/2",
		Header:       pinnedHeader,
		ExpectStatus: http.StatusForbidden,
		ExpectBody:   errorBody(repomgr.ErrForbidden, "token is restricted to build 1"),
	}.Check(t, h)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/job/1",
		Header:       pinnedHeader,
		ExpectStatus: http.StatusForbidden,
		ExpectBody:   errorBody(repomgr.ErrForbidden, "token is restricted to build 1"),
	}.Check(t, h)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/job/1",
		Header:       adminHeader,
		ExpectStatus: http.StatusOK,
	}.Check(t, h)
}
