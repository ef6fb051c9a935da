// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ory/fosite"
)

// LocalError is a failure that cannot be redirected to the client because
// its redirect target is unknown or untrusted.
type LocalError struct {
	// Status is the HTTP status code to respond with.
	Status int
	// Code is an OAuth style error code such as invalid_request.
	Code string
	// Description is safe to show to the end user.
	Description string
	// Err is the cause. It is logged, never rendered.
	Err error
}

func (e *LocalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *LocalError) Unwrap() error {
	return e.Err
}

func badRequest(description string, err error) *LocalError {
	return &LocalError{Status: http.StatusBadRequest, Code: "invalid_request", Description: description, Err: err}
}

func serverError(description string, err error) *LocalError {
	return &LocalError{Status: http.StatusInternalServerError, Code: "server_error", Description: description, Err: err}
}

// RedirectError is an OIDC error response delivered to a verified
// redirect_uri.
type RedirectError struct {
	RedirectURI string
	Code        string
	Description string
	State       string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Location returns redirect_uri with error, error_description and state
// appended to its query.
func (e *RedirectError) Location() string {
	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return appendQuery(e.RedirectURI, params)
}

// appendQuery adds params to the query of a URL that was validated earlier.
func appendQuery(rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// standardAuthorizeErrors are the upstream error codes passed through to
// the downstream client unchanged. Everything else becomes access_denied.
var standardAuthorizeErrors = map[string]bool{
	"access_denied":              true,
	"login_required":             true,
	"interaction_required":       true,
	"consent_required":           true,
	"account_selection_required": true,
	"temporarily_unavailable":    true,
	"server_error":               true,
}

// upstreamErrorCode maps an upstream error code to the downstream one.
func upstreamErrorCode(code string) string {
	if standardAuthorizeErrors[code] {
		return code
	}
	return fosite.ErrAccessDenied.ErrorField
}

// AsTokenError converts any error returned by Engine.Token into the
// RFC 6749 error to send. Unknown errors become server_error.
func AsTokenError(err error) *fosite.RFC6749Error {
	var rfcErr *fosite.RFC6749Error
	if errors.As(err, &rfcErr) {
		return rfcErr
	}
	return fosite.ErrServerError
}
