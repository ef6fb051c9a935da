// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"

	"github.com/stacklok/fedauth/pkg/authserver/server/crypto"
	"github.com/stacklok/fedauth/pkg/authserver/storage"
	"github.com/stacklok/fedauth/pkg/authserver/token"
)

// Grant types.
const (
	GrantTypeAuthorizationCode = string(fosite.GrantTypeAuthorizationCode)
	GrantTypeRefreshToken      = string(fosite.GrantTypeRefreshToken)
)

// TokenRequest is a parsed token endpoint request.
type TokenRequest struct {
	Form  url.Values
	Basic *BasicCredentials
}

// TokenResponse is the successful token endpoint response body.
type TokenResponse struct {
	AccessToken           string `json:"access_token"`
	IDToken               string `json:"id_token"`
	TokenType             string `json:"token_type"`
	ExpiresIn             int64  `json:"expires_in"`
	Scope                 string `json:"scope"`
	RefreshToken          string `json:"refresh_token"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
}

// Token handles a token endpoint request. Errors are *fosite.RFC6749Error
// values, possibly wrapped; use AsTokenError and RequiresBasicChallenge to
// render them.
func (e *Engine) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	grantType := req.Form.Get("grant_type")
	resp, err := e.token(ctx, grantType, req)
	if err != nil {
		rfcErr := AsTokenError(err)
		if rfcErr.CodeField >= 500 {
			slog.Error("token request failed", "grant_type", grantType, "error", err)
		} else {
			slog.Debug("token request rejected", "grant_type", grantType, "error", rfcErr.ErrorField, "hint", rfcErr.HintField)
		}
		e.metrics.TokenError(grantType, rfcErr.ErrorField)
		return nil, err
	}
	e.metrics.TokenIssued(grantType)
	return resp, nil
}

func (e *Engine) token(ctx context.Context, grantType string, req *TokenRequest) (*TokenResponse, error) {
	client, err := e.authenticateClient(ctx, req)
	if err != nil {
		return nil, err
	}

	switch grantType {
	case GrantTypeAuthorizationCode:
		return e.authorizationCodeGrant(ctx, client, req.Form)
	case GrantTypeRefreshToken:
		return e.refreshTokenGrant(ctx, client, req.Form)
	case "":
		return nil, fosite.ErrInvalidRequest.WithHint("grant_type is required")
	default:
		return nil, fosite.ErrUnsupportedGrantType
	}
}

func (e *Engine) authorizationCodeGrant(ctx context.Context, client *storage.Client, form url.Values) (*TokenResponse, error) {
	rawCode := form.Get("code")
	redirectURI := form.Get("redirect_uri")
	verifier := form.Get("code_verifier")
	if rawCode == "" || redirectURI == "" || verifier == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("code, redirect_uri and code_verifier are required")
	}

	now := e.clock.Now()
	code, err := e.store.ConsumeAuthorizationCode(ctx, rawCode, now)
	if err != nil {
		if isGrantMissing(err) {
			return nil, fosite.ErrInvalidGrant.WithHint("authorization code is invalid, expired or already used")
		}
		return nil, fosite.ErrServerError.WithWrap(err)
	}
	if code.ClientID != client.ID {
		return nil, fosite.ErrInvalidGrant.WithHint("authorization code was issued to another client")
	}
	if code.RedirectURI != redirectURI {
		return nil, fosite.ErrInvalidGrant.WithHint("redirect_uri does not match the authorization request")
	}
	if !crypto.VerifyPKCE(verifier, code.CodeChallenge, code.CodeChallengeMethod) {
		return nil, fosite.ErrInvalidGrant.WithHint("code_verifier does not match the code_challenge")
	}

	session, err := e.store.GetSession(ctx, code.SID)
	if err != nil {
		if storage.IsMissing(err) {
			return nil, fosite.ErrInvalidGrant.WithHint("session has ended")
		}
		return nil, fosite.ErrServerError.WithWrap(err)
	}

	grant := token.Grant{
		SubjectID: code.SubjectID,
		ClientID:  client.ID,
		SID:       code.SID,
		Scopes:    code.Scopes,
		Nonce:     code.Nonce,
		ACR:       code.ACR,
		AMR:       code.AMR,
		AuthTime:  code.AuthTime,
	}
	tokens, err := e.minter.MintTokens(ctx, grant)
	if err != nil {
		return nil, fosite.ErrServerError.WithWrap(err)
	}

	refresh, err := e.newRefreshToken(&storage.RefreshToken{
		ChainID:           uuid.NewString(),
		SID:               session.SID,
		ClientID:          client.ID,
		SubjectID:         code.SubjectID,
		Scopes:            code.Scopes,
		Generation:        0,
		MaxChainExpiresAt: now.Add(e.cfg.RefreshTokenMaxTTL),
	}, now)
	if err != nil {
		return nil, fosite.ErrServerError.WithWrap(err)
	}
	if err := e.store.CreateRefreshToken(ctx, refresh.row); err != nil {
		return nil, fosite.ErrServerError.WithWrap(fmt.Errorf("failed to store refresh token: %w", err))
	}
	if err := e.store.AddSessionClient(ctx, session.SID, client.ID); err != nil {
		slog.Warn("failed to record session client", "client_id", client.ID, "error", err)
	}

	slog.Debug("authorization code redeemed", "client_id", client.ID, "chain_id", refresh.row.ChainID)
	return e.tokenResponse(tokens, code.Scopes, refresh, now), nil
}

// issuedRefreshToken pairs the plaintext value returned to the client with
// the row persisted for it.
type issuedRefreshToken struct {
	value string
	row   *storage.RefreshToken
}

// newRefreshToken fills in a fresh value, its lookup key and hash, and the
// per-token expiry of row.
func (e *Engine) newRefreshToken(row *storage.RefreshToken, now time.Time) (*issuedRefreshToken, error) {
	value := crypto.NewOpaqueToken()
	hash, err := crypto.HashSecret(value, crypto.DefaultRefreshTokenIterations)
	if err != nil {
		return nil, fmt.Errorf("failed to hash refresh token: %w", err)
	}
	row.LookupKey = crypto.LookupKey(e.peppers[0], value)
	row.Hash = hash.Hash
	row.Salt = hash.Salt
	row.Iterations = hash.Iterations
	row.IssuedAt = now
	row.ExpiresAt = minTime(now.Add(e.cfg.RefreshTokenIdleTTL), row.MaxChainExpiresAt)
	return &issuedRefreshToken{value: value, row: row}, nil
}

func (*Engine) tokenResponse(tokens *token.Tokens, scopes []string, refresh *issuedRefreshToken, now time.Time) *TokenResponse {
	return &TokenResponse{
		AccessToken:           tokens.AccessToken,
		IDToken:               tokens.IDToken,
		TokenType:             "Bearer",
		ExpiresIn:             int64(tokens.ExpiresIn / time.Second),
		Scope:                 strings.Join(scopes, " "),
		RefreshToken:          refresh.value,
		RefreshTokenExpiresIn: int64(refresh.row.ExpiresAt.Sub(now) / time.Second),
	}
}

// isGrantMissing reports storage errors that mean the grant cannot be used.
func isGrantMissing(err error) bool {
	return storage.IsMissing(err) ||
		errors.Is(err, storage.ErrAlreadyConsumed) ||
		errors.Is(err, storage.ErrAlreadyRotated)
}
