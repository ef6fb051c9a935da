// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/stacklok/fedauth/pkg/authserver/storage"
)

// LogoutParams are the query parameters of an RP-initiated logout.
type LogoutParams struct {
	PostLogoutRedirectURI string
	State                 string
}

// ParseLogoutParams reads LogoutParams from query parameters.
func ParseLogoutParams(q url.Values) LogoutParams {
	return LogoutParams{
		PostLogoutRedirectURI: q.Get("post_logout_redirect_uri"),
		State:                 q.Get("state"),
	}
}

// LogoutResult tells the handler where to send the browser. An empty
// RedirectURL means a logged-out page is rendered.
type LogoutResult struct {
	RedirectURL string
	Cookie      *SessionCookie
}

// Logout ends the session named by cookie, revokes its refresh tokens and
// clears the cookie. It is idempotent: without a session it still clears
// the cookie. The browser is sent to the upstream end_session_endpoint
// when available, otherwise to a verified post_logout_redirect_uri.
func (e *Engine) Logout(ctx context.Context, cookie string, params LogoutParams) (*LogoutResult, error) {
	session, err := e.sessionFromCookie(ctx, cookie)
	if err != nil {
		return nil, serverError("failed to load session", err)
	}
	result := &LogoutResult{Cookie: e.clearedCookie()}
	e.metrics.Logout(LogoutKindRP)

	var postLogout string
	if params.PostLogoutRedirectURI != "" {
		if session != nil && e.postLogoutAllowed(ctx, session, params.PostLogoutRedirectURI) {
			postLogout = params.PostLogoutRedirectURI
		} else {
			slog.Info("ignoring unregistered post_logout_redirect_uri")
		}
	}

	if session == nil {
		return result, nil
	}

	if err := e.endSession(ctx, session.SID); err != nil {
		return nil, serverError("failed to end session", err)
	}
	slog.Info("session ended", "subject", session.SubjectID)

	if session.UpstreamIssuer != "" {
		if location, ok := e.upstream.EndSessionURL(session.UpstreamIDToken, postLogout, params.State); ok {
			result.RedirectURL = location
			return result, nil
		}
	}
	if postLogout != "" {
		q := url.Values{}
		if params.State != "" {
			q.Set("state", params.State)
		}
		result.RedirectURL = appendQuery(postLogout, q)
	}
	return result, nil
}

// postLogoutAllowed reports whether uri is registered by any client that
// received tokens in the session.
func (e *Engine) postLogoutAllowed(ctx context.Context, s *storage.Session, uri string) bool {
	for _, clientID := range s.ClientIDsSeen {
		client, err := e.store.GetClient(ctx, clientID)
		if err != nil {
			continue
		}
		if client.HasPostLogoutRedirectURI(uri) {
			return true
		}
	}
	return false
}

// endSession deletes the session and revokes every refresh token bound
// to it.
func (e *Engine) endSession(ctx context.Context, sid string) error {
	if err := e.store.DeleteSession(ctx, sid); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := e.store.RevokeSessionRefreshTokens(ctx, sid, e.clock.Now()); err != nil {
		return fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	return nil
}

// FrontChannelLogout ends every session created from the given upstream
// session. It never fails; problems are logged.
func (e *Engine) FrontChannelLogout(ctx context.Context, issuer, upstreamSID string) {
	e.metrics.Logout(LogoutKindFrontChan)
	if issuer == "" || upstreamSID == "" {
		slog.Debug("front-channel logout without iss or sid")
		return
	}
	if issuer != e.upstream.Issuer() {
		slog.Warn("front-channel logout from unknown issuer", "issuer", issuer)
		return
	}

	sids, err := e.store.FindSessionsByUpstream(ctx, issuer, upstreamSID)
	if err != nil {
		slog.Error("failed to find sessions for front-channel logout", "error", err)
		return
	}
	for _, sid := range sids {
		if err := e.endSession(ctx, sid); err != nil {
			slog.Error("failed to end session during front-channel logout", "error", err)
		}
	}
	slog.Info("front-channel logout processed", "sessions", len(sids))
}
