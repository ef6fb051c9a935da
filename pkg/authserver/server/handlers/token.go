// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/ory/fosite"

	"github.com/stacklok/fedauth/pkg/authserver/protocol"
)

// maxTokenRequestBytes bounds the form body of a token request.
const maxTokenRequestBytes = 64 << 10

// TokenHandler handles POST /token requests.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, maxTokenRequestBytes)
	if err := req.ParseForm(); err != nil {
		slog.Debug("failed to parse token request", "error", err)
		writeTokenError(w, fosite.ErrInvalidRequest.WithHint("The request body could not be parsed."))
		return
	}

	tokenReq := &protocol.TokenRequest{Form: req.PostForm}
	if username, password, ok := req.BasicAuth(); ok {
		tokenReq.Basic = &protocol.BasicCredentials{Username: username, Password: password}
	}

	resp, err := h.engine.Token(req.Context(), tokenReq)
	if err != nil {
		writeTokenError(w, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, resp)
}

// RefreshHandler handles GET /refresh requests from cookie callers.
// The response body is the bare access token.
func (h *Handler) RefreshHandler(w http.ResponseWriter, req *http.Request) {
	res, err := h.engine.RefreshCookie(req.Context(), h.sessionCookieValue(req), h.legacyTicket(req))
	if err != nil {
		writeBrowserError(w, req, err)
		return
	}
	h.setSessionCookie(w, res.Cookie)
	noStore(w)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(res.AccessToken))
}
