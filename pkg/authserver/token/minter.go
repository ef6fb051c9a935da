// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token mints the signed access and ID tokens issued by the
// authorization server.
package token

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/stacklok/fedauth/pkg/authserver/server/keys"
)

const (
	// DefaultAccessTokenLifetime is the lifetime of access tokens.
	DefaultAccessTokenLifetime = 5 * time.Minute

	// DefaultIDTokenLifetime is the lifetime of ID tokens.
	DefaultIDTokenLifetime = 5 * time.Minute
)

// Config configures a Minter.
type Config struct {
	// Issuer is the iss claim of every token.
	Issuer string

	// AccessTokenLifetime overrides DefaultAccessTokenLifetime.
	AccessTokenLifetime time.Duration

	// IDTokenLifetime overrides DefaultIDTokenLifetime.
	IDTokenLifetime time.Duration

	// RolloverDelay is passed to keys.SelectSigningCertificate.
	RolloverDelay time.Duration
}

// Grant describes the authenticated principal a token is minted for.
type Grant struct {
	SubjectID string
	ClientID  string
	SID       string
	Scopes    []string
	Nonce     string
	ACR       string
	AMR       []string
	AuthTime  time.Time
}

// Tokens is the result of minting an access and ID token pair.
type Tokens struct {
	AccessToken string
	IDToken     string
	ExpiresIn   time.Duration
}

// Minter signs tokens with the certificate chosen by the rollover policy.
type Minter struct {
	issuer        string
	certs         keys.CertificateProvider
	clock         clock.PassiveClock
	accessTTL     time.Duration
	idTTL         time.Duration
	rolloverDelay time.Duration
}

// NewMinter creates a Minter. nil clk means the real clock.
func NewMinter(cfg Config, certs keys.CertificateProvider, clk clock.PassiveClock) (*Minter, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if certs == nil {
		return nil, errors.New("certificate provider is required")
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	m := &Minter{
		issuer:        cfg.Issuer,
		certs:         certs,
		clock:         clk,
		accessTTL:     cfg.AccessTokenLifetime,
		idTTL:         cfg.IDTokenLifetime,
		rolloverDelay: cfg.RolloverDelay,
	}
	if m.accessTTL <= 0 {
		m.accessTTL = DefaultAccessTokenLifetime
	}
	if m.idTTL <= 0 {
		m.idTTL = DefaultIDTokenLifetime
	}
	return m, nil
}

// Issuer returns the configured issuer.
func (m *Minter) Issuer() string {
	return m.issuer
}

// MintTokens issues an access token for g.ClientID and an ID token bound
// to it through at_hash. Both share one signing certificate and timestamp.
func (m *Minter) MintTokens(ctx context.Context, g Grant) (*Tokens, error) {
	now := m.clock.Now()
	cert, err := m.signingCertificate(ctx, now)
	if err != nil {
		return nil, err
	}

	access, err := sign(cert, m.accessClaims(g, []string{g.ClientID}, now, m.accessTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	atHash, err := accessTokenHash(cert.Algorithm, access)
	if err != nil {
		return nil, err
	}
	idClaims := IDTokenClaims{
		Claims:          m.registered(g.SubjectID, []string{g.ClientID}, now, m.idTTL),
		AuthorizedParty: g.ClientID,
		Nonce:           g.Nonce,
		AccessTokenHash: atHash,
		SID:             g.SID,
		ACR:             g.ACR,
		AMR:             g.AMR,
		AuthTime:        numericDate(g.AuthTime),
	}
	id, err := sign(cert, idClaims)
	if err != nil {
		return nil, fmt.Errorf("failed to sign ID token: %w", err)
	}

	return &Tokens{AccessToken: access, IDToken: id, ExpiresIn: m.accessTTL}, nil
}

// MintAccessToken issues a standalone access token for audience with the
// given lifetime. Used for cookie-based callers that hold no OAuth grant.
func (m *Minter) MintAccessToken(ctx context.Context, g Grant, audience []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = m.accessTTL
	}
	now := m.clock.Now()
	cert, err := m.signingCertificate(ctx, now)
	if err != nil {
		return "", err
	}
	access, err := sign(cert, m.accessClaims(g, audience, now, ttl))
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return access, nil
}

func (m *Minter) signingCertificate(ctx context.Context, now time.Time) (*keys.Certificate, error) {
	certs, err := m.certs.Certificates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing certificates: %w", err)
	}
	return keys.SelectSigningCertificate(now, certs, m.rolloverDelay)
}

func (m *Minter) accessClaims(g Grant, audience []string, now time.Time, ttl time.Duration) AccessTokenClaims {
	return AccessTokenClaims{
		Claims:   m.registered(g.SubjectID, audience, now, ttl),
		ClientID: g.ClientID,
		Scope:    strings.Join(g.Scopes, " "),
		SID:      g.SID,
		ACR:      g.ACR,
		AMR:      g.AMR,
		AuthTime: numericDate(g.AuthTime),
	}
}

func (m *Minter) registered(subject string, audience []string, now time.Time, ttl time.Duration) jwt.Claims {
	return jwt.Claims{
		Issuer:    m.issuer,
		Subject:   subject,
		Audience:  jwt.Audience(audience),
		Expiry:    jwt.NewNumericDate(now.Add(ttl)),
		NotBefore: jwt.NewNumericDate(now),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
}

func sign(cert *keys.Certificate, claims any) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: cert.Algorithm,
			Key:       jose.JSONWebKey{Key: cert.Key, KeyID: cert.KeyID},
		},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	return jwt.Signed(signer).Claims(claims).Serialize()
}

// accessTokenHash computes at_hash: the left half of the hash of the
// access token, using the hash function of the signing algorithm.
func accessTokenHash(alg jose.SignatureAlgorithm, accessToken string) (string, error) {
	var sum []byte
	switch alg {
	case jose.RS256, jose.ES256, jose.PS256:
		s := sha256.Sum256([]byte(accessToken))
		sum = s[:]
	case jose.RS384, jose.ES384, jose.PS384:
		s := sha512.Sum384([]byte(accessToken))
		sum = s[:]
	case jose.RS512, jose.ES512, jose.PS512, jose.EdDSA:
		s := sha512.Sum512([]byte(accessToken))
		sum = s[:]
	default:
		return "", fmt.Errorf("unsupported signing algorithm %s", alg)
	}
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

func numericDate(t time.Time) *jwt.NumericDate {
	if t.IsZero() {
		return nil
	}
	return jwt.NewNumericDate(t)
}
