// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys manages the signing certificates used to mint tokens.
// It handles loading certificate/key pairs, generating an ephemeral pair
// for development, caching the current set, choosing the signing
// certificate under a rollover delay, and publishing the JWKS.
package keys

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// DefaultAlgorithm is the signing algorithm for generated certificates.
// ES256 (ECDSA with P-256) is recommended by NIST and OWASP for JWT signing.
const DefaultAlgorithm = jose.ES256

// CertificateProvider returns the set of signing certificates currently
// available. Implementations may include certificates that are not yet
// valid or already expired; selection happens in SelectSigningCertificate.
type CertificateProvider interface {
	Certificates(ctx context.Context) ([]*Certificate, error)
}

// Certificate is a signing key together with its X.509 chain.
// This contains private key material and should not be exposed externally.
type Certificate struct {
	// KeyID is the RFC 7638 thumbprint of the public key.
	KeyID string

	// Algorithm is the JWS algorithm derived from the key type.
	Algorithm jose.SignatureAlgorithm

	// Key is the private key used for signing.
	Key crypto.Signer

	// Chain holds the leaf certificate first, followed by any intermediates.
	Chain []*x509.Certificate
}

// Leaf returns the certificate that carries Key's public half.
func (c *Certificate) Leaf() *x509.Certificate {
	return c.Chain[0]
}

// NotBefore is the start of the leaf certificate's validity window.
func (c *Certificate) NotBefore() time.Time {
	return c.Leaf().NotBefore
}

// NotAfter is the end of the leaf certificate's validity window.
func (c *Certificate) NotAfter() time.Time {
	return c.Leaf().NotAfter
}

// ValidAt reports whether now falls inside the validity window.
func (c *Certificate) ValidAt(now time.Time) bool {
	return !now.Before(c.NotBefore()) && !now.After(c.NotAfter())
}

// PublicJWK returns the public key as a JWK carrying x5c and x5t#S256.
func (c *Certificate) PublicJWK() jose.JSONWebKey {
	thumb := sha256.Sum256(c.Leaf().Raw)
	return jose.JSONWebKey{
		Key:                         c.Key.Public(),
		KeyID:                       c.KeyID,
		Algorithm:                   string(c.Algorithm),
		Use:                         "sig",
		Certificates:                c.Chain,
		CertificateThumbprintSHA256: thumb[:],
	}
}
