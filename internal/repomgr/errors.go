// SPDX-FileCopyrightText: 2018 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package repomgr

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"

	"github.com/lib/pq"
	"github.com/sapcc/go-bits/errext"
)

// ErrorCode is the closed set of error codes that can appear in type Error.
type ErrorCode string

// Possible values for ErrorCode.
const (
	// AuthError
	ErrInvalidToken    ErrorCode = "INVALID_TOKEN"
	ErrExpiredToken    ErrorCode = "EXPIRED_TOKEN"
	ErrForbidden       ErrorCode = "FORBIDDEN"
	ErrScopeEscalation ErrorCode = "SCOPE_ESCALATION"
	// RegistryError
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrConflict     ErrorCode = "CONFLICT"
	ErrBuildNotOpen ErrorCode = "BUILD_NOT_OPEN"
	// request validation
	ErrInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"
	// UploadError
	ErrUploadFailed ErrorCode = "UPLOAD_FAILED"
	// JobError
	ErrBuildBusy        ErrorCode = "BUILD_BUSY"
	ErrIncompleteUpload ErrorCode = "INCOMPLETE_UPLOAD"
	ErrExecutionFailed  ErrorCode = "EXECUTION_FAILED"
	// InfrastructureError
	ErrDatabase           ErrorCode = "DATABASE_ERROR"
	ErrFilesystem         ErrorCode = "FILESYSTEM_ERROR"
	ErrSigningUnavailable ErrorCode = "SIGNING_UNAVAILABLE"
	ErrInternal           ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory tells clients how to react to an error.
type ErrorCategory string

const (
	// CategoryAuth means that the request needs different credentials.
	CategoryAuth ErrorCategory = "auth"
	// CategoryValidation means that the request needs to be fixed.
	CategoryValidation ErrorCategory = "validation"
	// CategoryJob means that the requested operation genuinely failed.
	CategoryJob ErrorCategory = "job"
	// CategoryInfrastructure means that the request can be retried later.
	CategoryInfrastructure ErrorCategory = "infrastructure"
)

type errorCodeInfo struct {
	Message    string
	StatusCode int
	Category   ErrorCategory
}

var errorCodeInfos = map[ErrorCode]errorCodeInfo{
	ErrInvalidToken:       {"invalid token", http.StatusUnauthorized, CategoryAuth},
	ErrExpiredToken:       {"token has expired", http.StatusUnauthorized, CategoryAuth},
	ErrForbidden:          {"requested access to the resource is denied", http.StatusForbidden, CategoryAuth},
	ErrScopeEscalation:    {"requested token is not a subset of the current token", http.StatusForbidden, CategoryAuth},
	ErrNotFound:           {"not found", http.StatusNotFound, CategoryValidation},
	ErrConflict:           {"conflict", http.StatusConflict, CategoryValidation},
	ErrBuildNotOpen:       {"build is not open", http.StatusConflict, CategoryValidation},
	ErrInvalidRequest:     {"invalid request", http.StatusBadRequest, CategoryValidation},
	ErrTooManyRequests:    {"too many requests", http.StatusTooManyRequests, CategoryInfrastructure},
	ErrUploadFailed:       {"upload failed", http.StatusInternalServerError, CategoryInfrastructure},
	ErrBuildBusy:          {"build already has an active job", http.StatusConflict, CategoryJob},
	ErrIncompleteUpload:   {"build has missing objects", http.StatusConflict, CategoryJob},
	ErrExecutionFailed:    {"job execution failed", http.StatusInternalServerError, CategoryJob},
	ErrDatabase:           {"database error", http.StatusServiceUnavailable, CategoryInfrastructure},
	ErrFilesystem:         {"filesystem error", http.StatusServiceUnavailable, CategoryInfrastructure},
	ErrSigningUnavailable: {"signing unavailable", http.StatusServiceUnavailable, CategoryInfrastructure},
	ErrInternal:           {"internal error", http.StatusInternalServerError, CategoryInfrastructure},
}

// With is a convenience function for constructing type Error.
func (c ErrorCode) With(msg string, args ...any) *Error {
	var err error
	if msg != "" {
		if len(args) > 0 {
			err = fmt.Errorf(msg, args...)
		} else {
			err = errors.New(msg)
		}
	}
	return &Error{Code: c, Inner: err}
}

// Wrap constructs an Error with the given inner error.
func (c ErrorCode) Wrap(err error) *Error {
	return &Error{Code: c, Inner: err}
}

// Category returns the category of this error code.
func (c ErrorCode) Category() ErrorCategory {
	return errorCodeInfos[c].Category
}

// Error is the error type used throughout repomgr for errors that clients get
// to see.
type Error struct {
	Code    ErrorCode
	Inner   error             // optional
	Headers map[string]string // optional
}

// WithHeader adds a HTTP response header to this error.
func (e *Error) WithHeader(key, value string) *Error {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
	return e
}

// Error implements the builtin/error interface.
func (e *Error) Error() string {
	text := errorCodeInfos[e.Code].Message
	if e.Inner != nil {
		text += ": " + e.Inner.Error()
	}
	return text
}

// Unwrap implements the interface used by errors.Is() and errors.As().
func (e *Error) Unwrap() error {
	return e.Inner
}

// StatusCode returns the HTTP status code for this error.
func (e *Error) StatusCode() int {
	return errorCodeInfos[e.Code].StatusCode
}

// MarshalJSON implements the json.Marshaler interface.
func (e *Error) MarshalJSON() ([]byte, error) {
	data := struct {
		Code     ErrorCode     `json:"code"`
		Category ErrorCategory `json:"category"`
		Message  string        `json:"message"`
		Detail   string        `json:"detail,omitempty"`
	}{
		Code:     e.Code,
		Category: e.Code.Category(),
		Message:  errorCodeInfos[e.Code].Message,
	}
	if e.Inner != nil {
		data.Detail = e.Inner.Error()
	}
	return json.Marshal(data)
}

// WriteAsJSONTo reports this error as a JSON response.
func (e *Error) WriteAsJSONTo(w http.ResponseWriter) {
	for k, v := range e.Headers {
		w.Header().Set(k, v)
	}
	buf, _ := json.Marshal(e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode())
	w.Write(append(buf, '\n')) //nolint:errcheck
}

// AsError classifies an arbitrary error into the taxonomy of ErrorCode.
// Errors that are not of type *Error already are treated as infrastructure
// errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if rerr, ok := errext.As[*Error](err); ok {
		return rerr
	}
	if _, ok := errext.As[*pq.Error](err); ok {
		return ErrDatabase.Wrap(err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) || errors.Is(err, driver.ErrBadConn) {
		return ErrDatabase.Wrap(err)
	}
	if _, ok := errext.As[*fs.PathError](err); ok {
		return ErrFilesystem.Wrap(err)
	}
	if _, ok := errext.As[*os.LinkError](err); ok {
		return ErrFilesystem.Wrap(err)
	}
	return ErrInternal.Wrap(err)
}

// IsUniqueViolation returns whether the given error was caused by a violated
// UNIQUE constraint in the database.
func IsUniqueViolation(err error) bool {
	pqErr, ok := errext.As[*pq.Error](err)
	return ok && pqErr.Code == "23505"
}
