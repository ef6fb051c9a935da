// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream is the client side of the federation: it talks to the
// upstream OpenID Connect provider that actually authenticates users.
//
// # Architecture
//
// The package is designed around the Provider interface, which captures
// the operations the protocol engine needs without leaking go-oidc or
// x/oauth2 types:
//
//   - AuthorizationURL: build the redirect to the upstream authorize endpoint
//   - Exchange: redeem the upstream code and validate the ID token atomically
//   - EndSessionURL: build the upstream RP-initiated logout redirect
//
// OIDCProvider is the only implementation. It discovers endpoints with
// go-oidc (retrying with exponential backoff), exchanges codes with
// x/oauth2 using PKCE, and verifies ID tokens against the upstream JWKS.
//
// # Exchange errors
//
// Exchange never panics or returns a bare error: every failure is an
// *ExchangeError whose Kind tells the caller what went wrong:
//
//	identity, err := provider.Exchange(ctx, code, verifier, nonce, redirectURI)
//	var exErr *upstream.ExchangeError
//	if errors.As(err, &exErr) && exErr.Kind == upstream.KindNonceMismatch {
//	    // possible replay
//	}
package upstream
