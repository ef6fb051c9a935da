// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/stacklok/fedauth/pkg/authserver/protocol"
)

// AuthorizeHandler handles GET /authorize requests.
// It either answers from the existing session or redirects to the upstream IdP.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	authReq := protocol.ParseAuthorizeRequest(req.URL.Query())
	res, err := h.engine.Authorize(ctx, authReq, h.sessionCookieValue(req))
	if err != nil {
		writeBrowserError(w, req, err)
		return
	}
	redirect(w, req, res.RedirectURL)
}

// LoginHandler handles GET /login?goto=... requests started by applications
// that are not OIDC clients.
func (h *Handler) LoginHandler(w http.ResponseWriter, req *http.Request) {
	location, err := h.engine.StartApplicationLogin(req.Context(), req.URL.Query().Get("goto"))
	if err != nil {
		writeBrowserError(w, req, err)
		return
	}
	redirect(w, req, location)
}

// CallbackHandler handles GET /upstream/callback requests.
// It completes the upstream login, sets the session cookie and sends the
// browser back to the client or application.
func (h *Handler) CallbackHandler(w http.ResponseWriter, req *http.Request) {
	res, err := h.engine.UpstreamCallback(req.Context(), protocol.ParseCallbackParams(req.URL.Query()))
	if err != nil {
		writeBrowserError(w, req, err)
		return
	}
	h.setSessionCookie(w, res.Cookie)
	redirect(w, req, res.RedirectURL)
}
