// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks -source=types.go Provider

// Provider handles communication with the upstream identity provider.
type Provider interface {
	// Issuer returns the upstream issuer identifier.
	Issuer() string

	// ClientID returns the client id registered at the upstream.
	ClientID() string

	// RedirectURI returns the callback URL registered at the upstream.
	RedirectURI() string

	// Scopes returns the scopes requested from the upstream.
	Scopes() []string

	// AuthorizationURL builds the URL to redirect the user to the upstream.
	AuthorizationURL(req AuthorizationRequest) string

	// Exchange redeems code with the PKCE verifier and validates the ID
	// token, including the nonce. redirectURI must be the one the code was
	// requested with; empty means RedirectURI(). Failures are *ExchangeError.
	Exchange(ctx context.Context, code, codeVerifier, nonce, redirectURI string) (*Identity, error)

	// EndSessionURL builds the upstream logout URL. The boolean is false
	// when the upstream does not advertise an end_session_endpoint.
	EndSessionURL(idTokenHint, postLogoutRedirectURI, state string) (string, bool)
}

// AuthorizationRequest holds the parameters sent to the upstream
// authorize endpoint.
type AuthorizationRequest struct {
	State         string
	Nonce         string
	CodeChallenge string
	ACRValues     []string
	UILocales     []string
	// Prompt is forwarded only when it asks for re-authentication.
	Prompt []string
}

// Identity is the upstream-authenticated principal extracted from a
// validated ID token.
type Identity struct {
	Issuer   string
	Subject  string
	SID      string
	ACR      string
	AMR      []string
	AuthTime time.Time
	// IDToken is the raw upstream ID token, kept as id_token_hint for logout.
	IDToken string
}

// ExternalID is the stable key of the identity: "<issuer>:<subject>".
func (i *Identity) ExternalID() string {
	return i.Issuer + ":" + i.Subject
}
