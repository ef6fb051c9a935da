// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver assembles an OpenID Connect identity provider that
// federates authentication to an upstream OIDC provider.
//
// The server supports:
//   - Authorization Code flow with mandatory PKCE (RFC 7636)
//   - Single sign-on across downstream clients through a browser session
//   - Rotating refresh tokens with reuse detection
//   - Client authentication with client_secret_basic, client_secret_post,
//     private_key_jwt and none
//   - RP-initiated and upstream front-channel logout
//   - OIDC discovery and a JWKS with certificate rollover
//
// # Usage
//
//	cfg := authserver.Config{
//	    Issuer:   "https://auth.example.com",
//	    Upstream: upstream.Config{Issuer: "https://idp.example.com", ClientID: "fedauth"},
//	    Clients:  []authserver.ClientConfig{{ID: "app", AuthMethod: "none", RedirectURIs: uris}},
//	}
//	srv, err := authserver.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer srv.Close()
//	go srv.Run(ctx)
//	http.ListenAndServe(":8080", srv.Handler())
//
// # Storage
//
// The storage backend is selected by Config.Storage:
//   - memory (single instance, the default)
//   - sqlite (single node, persistent)
//   - redis (standalone or Sentinel, shared by replicas)
//
// # Subpackages
//
//   - protocol: the OIDC flows, independent of HTTP
//   - server/handlers: the HTTP layer
//   - server/keys, server/crypto: signing certificates, secrets and PKCE
//   - storage: persistence backends
//   - token: access and ID token minting
//   - upstream: the upstream OIDC client
//   - metrics: Prometheus counters
package authserver
