// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/fedauth/pkg/authserver/protocol"
	"github.com/stacklok/fedauth/pkg/authserver/server/crypto"
	"github.com/stacklok/fedauth/pkg/authserver/server/keys"
	"github.com/stacklok/fedauth/pkg/authserver/storage"
)

// Cache-Control max-age values for discovery endpoints.
const (
	// DefaultJWKSCacheMaxAge is the Cache-Control max-age for the JWKS endpoint (1 hour).
	DefaultJWKSCacheMaxAge = 3600

	// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the discovery endpoint (1 hour).
	DefaultDiscoveryCacheMaxAge = 3600
)

// DiscoveryDocument is the OpenID Provider Metadata served at
// /.well-known/openid-configuration.
type DiscoveryDocument struct {
	Issuer                                     string   `json:"issuer"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	JWKSURI                                    string   `json:"jwks_uri"`
	EndSessionEndpoint                         string   `json:"end_session_endpoint"`
	ResponseTypesSupported                     []string `json:"response_types_supported"`
	ResponseModesSupported                     []string `json:"response_modes_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported"`
	SubjectTypesSupported                      []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported           []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported"`
	ScopesSupported                            []string `json:"scopes_supported"`
	ClaimsSupported                            []string `json:"claims_supported"`
	ACRValuesSupported                         []string `json:"acr_values_supported"`
	UILocalesSupported                         []string `json:"ui_locales_supported"`
	PromptValuesSupported                      []string `json:"prompt_values_supported"`
	FrontchannelLogoutSupported                bool     `json:"frontchannel_logout_supported"`
	FrontchannelLogoutSessionSupported         bool     `json:"frontchannel_logout_session_supported"`
}

// publicJWKS loads the key set published at the jwks endpoint.
func (h *Handler) publicJWKS(req *http.Request) (*jose.JSONWebKeySet, error) {
	return keys.JWKS(req.Context(), h.certs, h.clock.Now())
}

// signingAlgorithms collects the algorithms of the published keys,
// falling back to keys.DefaultAlgorithm.
func signingAlgorithms(set *jose.JSONWebKeySet) []string {
	seen := make(map[string]bool)
	var algs []string
	for _, key := range set.Keys {
		if key.Algorithm != "" && !seen[key.Algorithm] {
			seen[key.Algorithm] = true
			algs = append(algs, key.Algorithm)
		}
	}
	if len(algs) == 0 {
		return []string{string(keys.DefaultAlgorithm)}
	}
	return algs
}

// JWKSHandler handles GET /jwks requests.
// It returns every currently valid signing certificate, including ones not
// yet used for signing, so that relying parties can cache them ahead of a
// rollover.
func (h *Handler) JWKSHandler(w http.ResponseWriter, req *http.Request) {
	set, err := h.publicJWKS(req)
	if err != nil {
		slog.Error("failed to load JWKS", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeCacheableJSON(w, set, DefaultJWKSCacheMaxAge)
}

func (h *Handler) discoveryDocument(req *http.Request) (*DiscoveryDocument, error) {
	set, err := h.publicJWKS(req)
	if err != nil {
		return nil, err
	}

	cfg := h.engine.Config()
	issuer := strings.TrimSuffix(cfg.Issuer, "/")
	return &DiscoveryDocument{
		Issuer:                 cfg.Issuer,
		AuthorizationEndpoint:  issuer + "/authorize",
		TokenEndpoint:          cfg.TokenEndpoint,
		JWKSURI:                issuer + "/jwks",
		EndSessionEndpoint:     issuer + "/logout",
		ResponseTypesSupported: []string{"code"},
		ResponseModesSupported: []string{"query"},
		GrantTypesSupported: []string{
			protocol.GrantTypeAuthorizationCode,
			protocol.GrantTypeRefreshToken,
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: signingAlgorithms(set),
		TokenEndpointAuthMethodsSupported: []string{
			string(storage.AuthMethodClientSecretBasic),
			string(storage.AuthMethodClientSecretPost),
			string(storage.AuthMethodPrivateKeyJWT),
			string(storage.AuthMethodNone),
		},
		TokenEndpointAuthSigningAlgValuesSupported: protocol.ClientAssertionAlgorithms(),
		CodeChallengeMethodsSupported:              []string{crypto.PKCEChallengeMethodS256},
		ScopesSupported:                            []string{"openid", "profile"},
		ClaimsSupported: []string{
			"iss", "sub", "aud", "exp", "iat", "auth_time", "nonce", "acr", "amr", "sid", "at_hash",
		},
		ACRValuesSupported:                 cfg.ACRValues,
		UILocalesSupported:                 cfg.UILocales,
		PromptValuesSupported:              []string{protocol.PromptNone, protocol.PromptLogin},
		FrontchannelLogoutSupported:        true,
		FrontchannelLogoutSessionSupported: true,
	}, nil
}

// OIDCDiscoveryHandler handles GET /.well-known/openid-configuration requests.
func (h *Handler) OIDCDiscoveryHandler(w http.ResponseWriter, req *http.Request) {
	doc, err := h.discoveryDocument(req)
	if err != nil {
		slog.Error("failed to build discovery document", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeCacheableJSON(w, doc, DefaultDiscoveryCacheMaxAge)
}

func writeCacheableJSON(w http.ResponseWriter, v any, maxAge int) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
