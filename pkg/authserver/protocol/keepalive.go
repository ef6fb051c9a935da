// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/stacklok/fedauth/pkg/authserver/token"
)

// KeepAliveResult is the outcome of RefreshCookie.
type KeepAliveResult struct {
	// AccessToken is minted for the cookie audience.
	AccessToken string
	// Cookie is the re-issued session cookie, nil for legacy tickets.
	Cookie *SessionCookie
}

var errNoSession = errors.New("no session")

// RefreshCookie mints a short-lived access token for the session named by
// cookie and slides the session expiry. Refresh token chains are not
// touched. Without a usable session cookie the legacy ticket is tried when
// a LegacyTicketDecryptor is configured.
func (e *Engine) RefreshCookie(ctx context.Context, cookie, legacyTicket string) (*KeepAliveResult, error) {
	session, err := e.sessionFromCookie(ctx, cookie)
	if err != nil {
		return nil, serverError("failed to load session", err)
	}

	if session == nil {
		if e.legacy == nil || legacyTicket == "" {
			return nil, unauthorized(errNoSession)
		}
		return e.refreshLegacy(ctx, legacyTicket)
	}

	if _, err := e.extendSession(ctx, session); err != nil {
		return nil, serverError("failed to extend session", err)
	}
	accessToken, err := e.minter.MintAccessToken(ctx, token.Grant{
		SubjectID: session.SubjectID,
		SID:       session.SID,
		ACR:       session.ACR,
		AMR:       session.AMR,
		AuthTime:  session.AuthTime,
	}, []string{e.cfg.CookieAudience}, e.cfg.CookieAccessTokenTTL)
	if err != nil {
		return nil, serverError("failed to mint token", err)
	}
	return &KeepAliveResult{AccessToken: accessToken, Cookie: e.sessionCookie(session)}, nil
}

func (e *Engine) refreshLegacy(ctx context.Context, ticket string) (*KeepAliveResult, error) {
	user, err := e.legacy.Decrypt(ctx, ticket)
	if err != nil {
		slog.Debug("legacy ticket rejected", "error", err)
		return nil, unauthorized(err)
	}

	grant := token.Grant{SubjectID: user.Subject, ACR: user.AuthLevel}
	if user.AuthMethod != "" {
		grant.AMR = []string{user.AuthMethod}
	}
	accessToken, err := e.minter.MintAccessToken(ctx, grant, []string{e.cfg.CookieAudience}, e.cfg.CookieAccessTokenTTL)
	if err != nil {
		return nil, serverError("failed to mint token", err)
	}
	return &KeepAliveResult{AccessToken: accessToken}, nil
}

func unauthorized(err error) *LocalError {
	return &LocalError{Status: http.StatusUnauthorized, Code: "login_required", Description: "no active session", Err: err}
}
