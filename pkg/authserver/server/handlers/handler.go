// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"k8s.io/utils/clock"

	"github.com/stacklok/fedauth/pkg/authserver/protocol"
	"github.com/stacklok/fedauth/pkg/authserver/server/keys"
)

// Config controls the cookies the engine does not own. The session cookie
// attributes come from the engine.
type Config struct {
	// LegacyTicketCookie names the cookie holding a legacy authentication
	// ticket. Empty disables the legacy fallback of the keep-alive endpoint.
	LegacyTicketCookie string
}

// Handler provides HTTP handlers for the authorization server endpoints.
type Handler struct {
	engine *protocol.Engine
	certs  keys.CertificateProvider
	config Config
	clock  clock.PassiveClock
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(engine *protocol.Engine, certs keys.CertificateProvider, cfg Config, clk clock.PassiveClock) *Handler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Handler{
		engine: engine,
		certs:  certs,
		config: cfg,
		clock:  clk,
	}
}

// Routes returns a router with all protocol and discovery endpoints.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.ProtocolRoutes(r)
	h.WellKnownRoutes(r)
	return r
}

// ProtocolRoutes registers the browser and token endpoints on r.
func (h *Handler) ProtocolRoutes(r chi.Router) {
	r.Get("/authorize", h.AuthorizeHandler)
	r.Get("/login", h.LoginHandler)
	r.Get("/upstream/callback", h.CallbackHandler)
	r.Post("/token", h.TokenHandler)
	r.Get("/refresh", h.RefreshHandler)
	r.Get("/logout", h.LogoutHandler)
	r.Get("/upstream/frontchannel-logout", h.FrontChannelLogoutHandler)
}

// WellKnownRoutes registers the discovery document and the key set on r.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/openid-configuration", h.OIDCDiscoveryHandler)
	r.Get("/jwks", h.JWKSHandler)
}
