// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/ory/fosite"

	"github.com/stacklok/fedauth/pkg/authserver/server/crypto"
	"github.com/stacklok/fedauth/pkg/authserver/storage"
	"github.com/stacklok/fedauth/pkg/authserver/token"
)

func (e *Engine) refreshTokenGrant(ctx context.Context, client *storage.Client, form url.Values) (*TokenResponse, error) {
	value := form.Get("refresh_token")
	if value == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("refresh_token is required")
	}

	current, err := e.findRefreshToken(ctx, value)
	if err != nil {
		if storage.IsMissing(err) {
			return nil, fosite.ErrInvalidGrant.WithHint("refresh token is invalid")
		}
		return nil, fosite.ErrServerError.WithWrap(err)
	}

	now := e.clock.Now()
	switch {
	case !current.RevokedAt.IsZero():
		return nil, fosite.ErrInvalidGrant.WithHint("refresh token has been revoked")
	case !current.RotatedAt.IsZero():
		e.metrics.RefreshTokenReuse()
		slog.Warn("refresh token reuse detected, revoking chain",
			"chain_id", current.ChainID,
			"client_id", current.ClientID,
			"generation", current.Generation,
		)
		if err := e.store.RevokeRefreshTokenChain(ctx, current.ChainID, now); err != nil {
			slog.Error("failed to revoke refresh token chain", "chain_id", current.ChainID, "error", err)
		}
		return nil, fosite.ErrInvalidGrant.WithHint("refresh token has already been used")
	case !now.Before(current.ExpiresAt), !now.Before(current.MaxChainExpiresAt):
		return nil, fosite.ErrInvalidGrant.WithHint("refresh token has expired")
	case current.ClientID != client.ID:
		return nil, fosite.ErrInvalidGrant.WithHint("refresh token was issued to another client")
	}

	session, err := e.store.GetSession(ctx, current.SID)
	if err != nil {
		if storage.IsMissing(err) {
			return nil, fosite.ErrInvalidGrant.WithHint("session has ended")
		}
		return nil, fosite.ErrServerError.WithWrap(err)
	}

	scopes := current.Scopes
	if requested := strings.Fields(form.Get("scope")); len(requested) > 0 {
		for _, s := range requested {
			if !slices.Contains(current.Scopes, s) {
				return nil, fosite.ErrInvalidScope.WithHint("requested scope exceeds the original grant")
			}
		}
		scopes = requested
	}

	// Mint before rotating: a minting failure must leave the presented
	// token usable.
	tokens, err := e.minter.MintTokens(ctx, token.Grant{
		SubjectID: current.SubjectID,
		ClientID:  client.ID,
		SID:       current.SID,
		Scopes:    scopes,
		ACR:       session.ACR,
		AMR:       session.AMR,
		AuthTime:  session.AuthTime,
	})
	if err != nil {
		return nil, fosite.ErrServerError.WithWrap(err)
	}

	next, err := e.newRefreshToken(&storage.RefreshToken{
		ChainID:           current.ChainID,
		SID:               current.SID,
		ClientID:          current.ClientID,
		SubjectID:         current.SubjectID,
		Scopes:            current.Scopes,
		Generation:        current.Generation + 1,
		MaxChainExpiresAt: current.MaxChainExpiresAt,
	}, now)
	if err != nil {
		return nil, fosite.ErrServerError.WithWrap(err)
	}
	if err := e.store.RotateRefreshToken(ctx, current.LookupKey, now, next.row); err != nil {
		if isGrantMissing(err) {
			return nil, fosite.ErrInvalidGrant.WithHint("refresh token has already been used")
		}
		return nil, fosite.ErrServerError.WithWrap(err)
	}

	if _, err := e.extendSession(ctx, session); err != nil {
		slog.Warn("failed to extend session", "error", err)
	}

	slog.Debug("refresh token rotated",
		"client_id", client.ID,
		"chain_id", current.ChainID,
		"generation", next.row.Generation,
	)
	return e.tokenResponse(tokens, scopes, next, now), nil
}

// findRefreshToken looks value up under every configured pepper and checks
// its hash. A hash mismatch is reported as storage.ErrNotFound.
func (e *Engine) findRefreshToken(ctx context.Context, value string) (*storage.RefreshToken, error) {
	for _, pepper := range e.peppers {
		row, err := e.store.GetRefreshToken(ctx, crypto.LookupKey(pepper, value))
		if storage.IsMissing(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		hash := crypto.SecretHash{Iterations: row.Iterations, Salt: row.Salt, Hash: row.Hash}
		if !hash.Matches(value) {
			return nil, storage.ErrNotFound
		}
		return row, nil
	}
	return nil, storage.ErrNotFound
}
