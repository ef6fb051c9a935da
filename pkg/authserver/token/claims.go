// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"github.com/go-jose/go-jose/v4/jwt"
)

// AccessTokenClaims is the payload of an access token.
type AccessTokenClaims struct {
	jwt.Claims

	ClientID string           `json:"client_id,omitempty"`
	Scope    string           `json:"scope,omitempty"`
	SID      string           `json:"sid,omitempty"`
	ACR      string           `json:"acr,omitempty"`
	AMR      []string         `json:"amr,omitempty"`
	AuthTime *jwt.NumericDate `json:"auth_time,omitempty"`
}

// IDTokenClaims is the payload of an ID token.
type IDTokenClaims struct {
	jwt.Claims

	// AuthorizedParty is the client the token was issued to (azp).
	AuthorizedParty string           `json:"azp,omitempty"`
	Nonce           string           `json:"nonce,omitempty"`
	AccessTokenHash string           `json:"at_hash,omitempty"`
	SID             string           `json:"sid,omitempty"`
	ACR             string           `json:"acr,omitempty"`
	AMR             []string         `json:"amr,omitempty"`
	AuthTime        *jwt.NumericDate `json:"auth_time,omitempty"`
}
