// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ory/fosite"
	"golang.org/x/crypto/hkdf"
	"k8s.io/utils/clock"

	"github.com/stacklok/fedauth/pkg/authserver/server/crypto"
	"github.com/stacklok/fedauth/pkg/authserver/storage"
	"github.com/stacklok/fedauth/pkg/authserver/token"
	"github.com/stacklok/fedauth/pkg/authserver/upstream"
)

// TokenMinter signs access and ID tokens.
type TokenMinter interface {
	MintTokens(ctx context.Context, g token.Grant) (*token.Tokens, error)
	MintAccessToken(ctx context.Context, g token.Grant, audience []string, ttl time.Duration) (string, error)
}

// Dependencies are the collaborators of the Engine.
type Dependencies struct {
	Storage  storage.Storage
	Upstream upstream.Provider
	Minter   TokenMinter

	// Secrets key the session cookie signature and the refresh token
	// lookup keys. Rotated keys are accepted for verification only.
	Secrets *crypto.HMACSecrets

	// Users resolves federated identities to local profiles. Defaults to
	// a StorageUserProfiles over Storage.
	Users UserProfileService

	// Legacy is optional. When set, the cookie keep-alive falls back to it.
	Legacy LegacyTicketDecryptor

	// Metrics defaults to a no-op recorder.
	Metrics Metrics

	// Clock defaults to the real clock.
	Clock clock.PassiveClock
}

// Engine runs the protocol flows. It is safe for concurrent use.
type Engine struct {
	cfg      Config
	store    storage.Storage
	upstream upstream.Provider
	minter   TokenMinter
	users    UserProfileService
	legacy   LegacyTicketDecryptor
	metrics  Metrics
	clock    clock.PassiveClock

	clientAuth *fosite.Fosite
	cookieKeys [][]byte
	peppers    [][]byte
}

// NewEngine validates cfg and wires the Engine.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid protocol config: %w", err)
	}
	if deps.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if deps.Upstream == nil {
		return nil, errors.New("upstream provider is required")
	}
	if deps.Minter == nil {
		return nil, errors.New("token minter is required")
	}
	if deps.Secrets == nil || len(deps.Secrets.Current) < crypto.MinHMACKeyLength {
		return nil, fmt.Errorf("an HMAC secret of at least %d bytes is required", crypto.MinHMACKeyLength)
	}

	e := &Engine{
		cfg:      cfg,
		store:    deps.Storage,
		upstream: deps.Upstream,
		minter:   deps.Minter,
		users:    deps.Users,
		legacy:   deps.Legacy,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
	}
	if e.users == nil {
		e.users = NewStorageUserProfiles(deps.Storage, deps.Clock)
	}
	if e.metrics == nil {
		e.metrics = NopMetrics{}
	}
	if e.clock == nil {
		e.clock = clock.RealClock{}
	}
	e.clientAuth = newClientAuthenticator(cfg, deps.Storage)
	for _, secret := range deps.Secrets.All() {
		cookieKey, err := deriveKey(secret, "session-cookie")
		if err != nil {
			return nil, err
		}
		pepper, err := deriveKey(secret, "refresh-token")
		if err != nil {
			return nil, err
		}
		e.cookieKeys = append(e.cookieKeys, cookieKey)
		e.peppers = append(e.peppers, pepper)
	}
	return e, nil
}

// Config returns the effective configuration with defaults applied.
func (e *Engine) Config() Config {
	return e.cfg
}

// deriveKey separates the cookie and lookup-key uses of one secret with
// HKDF-SHA256, using label as the info parameter.
func deriveKey(secret []byte, label string) ([]byte, error) {
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("fedauth/"+label)), key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", label, err)
	}
	return key, nil
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
