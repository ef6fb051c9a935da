// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/stacklok/fedauth/pkg/authserver/protocol"
)

// LogoutHandler handles GET /logout requests (RP-initiated logout).
func (h *Handler) LogoutHandler(w http.ResponseWriter, req *http.Request) {
	res, err := h.engine.Logout(req.Context(), h.sessionCookieValue(req), protocol.ParseLogoutParams(req.URL.Query()))
	if err != nil {
		writeBrowserError(w, req, err)
		return
	}
	h.setSessionCookie(w, res.Cookie)
	if res.RedirectURL != "" {
		redirect(w, req, res.RedirectURL)
		return
	}
	noStore(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(loggedOutPage))
}

const loggedOutPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Signed out</title></head>
<body><h1>You are signed out</h1></body>
</html>
`

// FrontChannelLogoutHandler handles GET /upstream/frontchannel-logout.
// The upstream loads it in an iframe; it always answers 200.
func (h *Handler) FrontChannelLogoutHandler(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	h.engine.FrontChannelLogout(req.Context(), q.Get("iss"), q.Get("sid"))

	noStore(w)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}
