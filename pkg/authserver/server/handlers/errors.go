// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/ory/fosite"

	"github.com/stacklok/fedauth/pkg/authserver/protocol"
)

// errorResponse is the JSON error body shared by the token endpoint and
// JSON renditions of local errors.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Sign-in error</title></head>
<body>
<h1>Sign-in could not be completed</h1>
<p>{{.Description}}</p>
<p><code>{{.Code}}</code></p>
</body>
</html>
`))

// writeBrowserError renders an error from a browser-facing endpoint.
// RedirectErrors go back to the client; anything else is rendered here.
func writeBrowserError(w http.ResponseWriter, req *http.Request, err error) {
	var redirectErr *protocol.RedirectError
	if errors.As(err, &redirectErr) {
		redirect(w, req, redirectErr.Location())
		return
	}

	var localErr *protocol.LocalError
	if !errors.As(err, &localErr) {
		localErr = &protocol.LocalError{
			Status:      http.StatusInternalServerError,
			Code:        fosite.ErrServerError.ErrorField,
			Description: "an unexpected error occurred",
			Err:         err,
		}
	}
	if localErr.Status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", req.URL.Path, "error", err)
	}
	writeLocalError(w, req, localErr)
}

func writeLocalError(w http.ResponseWriter, req *http.Request, e *protocol.LocalError) {
	noStore(w)
	if wantsJSON(req) {
		writeJSON(w, e.Status, errorResponse{Error: e.Code, ErrorDescription: e.Description})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(e.Status)
	if err := errorPage.Execute(w, e); err != nil {
		slog.Debug("failed to render error page", "error", err)
	}
}

// writeTokenError writes an RFC 6749 section 5.2 error response.
func writeTokenError(w http.ResponseWriter, err error) {
	rfcErr := protocol.AsTokenError(err)
	if protocol.RequiresBasicChallenge(err) {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	noStore(w)

	description := rfcErr.DescriptionField
	if rfcErr.HintField != "" {
		description += " " + rfcErr.HintField
	}
	writeJSON(w, rfcErr.CodeField, errorResponse{Error: rfcErr.ErrorField, ErrorDescription: description})
}

// wantsJSON reports whether the Accept header prefers application/json.
func wantsJSON(req *http.Request) bool {
	for _, part := range strings.Split(req.Header.Get("Accept"), ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mediaType == "application/json" {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

func redirect(w http.ResponseWriter, req *http.Request, location string) {
	noStore(w)
	http.Redirect(w, req, location, http.StatusFound)
}
