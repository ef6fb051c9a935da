// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto holds the small cryptographic primitives the authorization
// server is built on: PKCE, PBKDF2 secret hashing, HMAC lookup keys, signed
// cookie values, and signing key loading.
package crypto

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// PKCEChallengeMethodS256 is the only code_challenge_method accepted, both
// downstream and towards the upstream provider.
const PKCEChallengeMethodS256 = "S256"

const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// GeneratePKCEVerifier returns a fresh code_verifier per RFC 7636 Section 4.1
// (32 random bytes, base64url without padding).
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes BASE64URL(SHA256(verifier)).
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE reports whether verifier matches challenge under method.
// Only S256 is supported; the comparison runs in constant time.
func VerifyPKCE(verifier, challenge, method string) bool {
	if method != PKCEChallengeMethodS256 || challenge == "" {
		return false
	}
	if !isValidVerifier(verifier) {
		return false
	}
	computed := ComputePKCEChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// isValidVerifier checks length and the unreserved character set of RFC 7636.
func isValidVerifier(v string) bool {
	if len(v) < minVerifierLength || len(v) > maxVerifierLength {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}
