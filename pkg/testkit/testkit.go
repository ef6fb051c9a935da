// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package testkit provides testing utilities for fedauth.
//
// Its purpose is to quickly spin up an HTTP test server that behaves like
// an upstream OpenID Connect provider: discovery, JWKS, an authorize
// endpoint that logs in a configurable user without interaction, a token
// endpoint that enforces PKCE, and an end-session endpoint.
//
// The file `pkg/testkit/oidc_server_test.go` contains a few tests that
// exemplify how to use it.
package testkit

import (
	"crypto/sha256"
	"encoding/base64"
)

// s256 computes the PKCE S256 challenge of verifier.
func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
