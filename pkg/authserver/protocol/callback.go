// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/stacklok/fedauth/pkg/authserver/server/crypto"
	"github.com/stacklok/fedauth/pkg/authserver/storage"
	"github.com/stacklok/fedauth/pkg/authserver/upstream"
)

// CallbackParams are the query parameters the upstream redirects back with.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// ParseCallbackParams reads CallbackParams from query parameters.
func ParseCallbackParams(q url.Values) CallbackParams {
	return CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

// CallbackResult is the outcome of a completed upstream login.
type CallbackResult struct {
	RedirectURL string
	Cookie      *SessionCookie
}

// UpstreamCallback completes an upstream login: it redeems the upstream
// code, creates the session and, for downstream logins, issues the
// authorization code. Nothing is persisted unless every step succeeds.
func (e *Engine) UpstreamCallback(ctx context.Context, params CallbackParams) (*CallbackResult, error) {
	result, err := e.upstreamCallback(ctx, params)
	if err != nil {
		e.metrics.Callback(OutcomeError)
		return nil, err
	}
	return result, nil
}

func (e *Engine) upstreamCallback(ctx context.Context, params CallbackParams) (*CallbackResult, error) {
	if params.State == "" {
		return nil, badRequest("state is required", nil)
	}
	tx, err := e.store.ConsumeUpstreamTransaction(ctx, params.State)
	if err != nil {
		if storage.IsMissing(err) {
			return nil, badRequest("login transaction is unknown or expired", err)
		}
		return nil, serverError("failed to load login transaction", err)
	}

	var loginTx *storage.LoginTransaction
	if tx.RequestID != "" {
		loginTx, err = e.store.GetLoginTransaction(ctx, tx.RequestID)
		if err != nil {
			if storage.IsMissing(err) {
				return nil, badRequest("authorization request is unknown or expired", err)
			}
			return nil, serverError("failed to load authorization request", err)
		}
	}

	if params.Error != "" {
		slog.Info("upstream returned an error", "error", params.Error, "error_description", params.ErrorDescription)
		if loginTx == nil {
			return nil, badRequest("login was not completed", fmt.Errorf("upstream error %s", params.Error))
		}
		if err := e.store.DeleteLoginTransaction(ctx, loginTx.RequestID); err != nil {
			slog.Warn("failed to delete login transaction", "error", err)
		}
		return nil, &RedirectError{
			RedirectURI: loginTx.RedirectURI,
			Code:        upstreamErrorCode(params.Error),
			Description: "upstream login failed",
			State:       loginTx.State,
		}
	}
	if params.Code == "" {
		return nil, badRequest("code is required", nil)
	}

	identity, err := e.upstream.Exchange(ctx, params.Code, tx.CodeVerifier, tx.Nonce, tx.UpstreamRedirectURI)
	if err != nil {
		kind, _ := upstream.ErrorKind(err)
		slog.Warn("upstream code exchange failed", "kind", kind, "error", err)
		return nil, badRequest("upstream login could not be verified", err)
	}

	user, err := e.resolveOrProvision(ctx, identity.ExternalID())
	if err != nil {
		return nil, serverError("failed to resolve user", err)
	}

	now := e.clock.Now()
	maxExpiresAt := now.Add(e.cfg.SessionMaxTTL)
	session := &storage.Session{
		SID:                crypto.NewOpaqueToken(),
		SubjectID:          user.ID,
		ExternalID:         identity.ExternalID(),
		UpstreamIssuer:     identity.Issuer,
		UpstreamSessionSID: identity.SID,
		UpstreamIDToken:    identity.IDToken,
		ACR:                identity.ACR,
		AMR:                identity.AMR,
		AuthTime:           identity.AuthTime,
		CreatedAt:          now,
		ExpiresAt:          minTime(now.Add(e.cfg.SessionIdleTTL), maxExpiresAt),
		MaxExpiresAt:       maxExpiresAt,
	}

	if loginTx == nil {
		if err := e.store.CommitLogin(ctx, session, nil); err != nil {
			return nil, serverError("failed to create session", err)
		}
		e.metrics.Callback(OutcomeApplication)
		slog.Info("session created", "subject", user.ID, "acr", session.ACR)
		return &CallbackResult{RedirectURL: tx.ReturnURL, Cookie: e.sessionCookie(session)}, nil
	}

	session.ClientIDsSeen = []string{loginTx.ClientID}
	code := &storage.AuthorizationCode{
		Code:                crypto.NewOpaqueToken(),
		RequestID:           loginTx.RequestID,
		ClientID:            loginTx.ClientID,
		SubjectID:           user.ID,
		SID:                 session.SID,
		Nonce:               loginTx.Nonce,
		ACR:                 session.ACR,
		AMR:                 session.AMR,
		AuthTime:            session.AuthTime,
		CodeChallenge:       loginTx.CodeChallenge,
		CodeChallengeMethod: loginTx.CodeChallengeMethod,
		RedirectURI:         loginTx.RedirectURI,
		Scopes:              loginTx.Scopes,
		ExpiresAt:           now.Add(e.cfg.AuthorizationCodeTTL),
	}
	if err := e.store.CommitLogin(ctx, session, code); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, badRequest("login was cancelled", err)
		}
		return nil, serverError("failed to complete login", err)
	}

	e.metrics.Callback(OutcomeDownstream)
	slog.Info("session created", "subject", user.ID, "client_id", loginTx.ClientID, "acr", session.ACR)
	return &CallbackResult{
		RedirectURL: codeRedirect(loginTx.RedirectURI, code.Code, loginTx.State),
		Cookie:      e.sessionCookie(session),
	}, nil
}
