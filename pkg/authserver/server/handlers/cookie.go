// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/stacklok/fedauth/pkg/authserver/protocol"
)

// sessionCookieValue returns the runtime session cookie, or "".
func (h *Handler) sessionCookieValue(req *http.Request) string {
	c, err := req.Cookie(h.engine.Config().SessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func (h *Handler) legacyTicket(req *http.Request) string {
	if h.config.LegacyTicketCookie == "" {
		return ""
	}
	c, err := req.Cookie(h.config.LegacyTicketCookie)
	if err != nil {
		return ""
	}
	return c.Value
}

// setSessionCookie writes sc, or deletes the cookie when sc.Clear().
// A nil sc leaves the cookie alone.
func (h *Handler) setSessionCookie(w http.ResponseWriter, sc *protocol.SessionCookie) {
	if sc == nil {
		return
	}
	c := &http.Cookie{
		Name:     sc.Name,
		Value:    sc.Value,
		Path:     sc.Path,
		Domain:   sc.Domain,
		Secure:   sc.Secure,
		HttpOnly: sc.HTTPOnly,
		SameSite: sc.SameSite,
	}
	if sc.Clear() {
		c.MaxAge = -1
	} else {
		c.Expires = sc.ExpiresAt
		c.MaxAge = max(int(sc.ExpiresAt.Sub(h.clock.Now()).Seconds()), 1)
	}
	http.SetCookie(w, c)
}
