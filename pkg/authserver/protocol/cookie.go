// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/stacklok/fedauth/pkg/authserver/server/crypto"
	"github.com/stacklok/fedauth/pkg/authserver/storage"
)

// SessionCookie is the runtime session cookie to set on the response.
// An empty Value means the cookie must be cleared.
type SessionCookie struct {
	Name      string
	Value     string
	Domain    string
	Path      string
	Secure    bool
	HTTPOnly  bool
	SameSite  http.SameSite
	ExpiresAt time.Time
}

// Clear reports whether the cookie should be deleted.
func (c *SessionCookie) Clear() bool {
	return c.Value == ""
}

// newCookie carries the configured attributes. The cookie is HttpOnly and
// SameSite=Lax so it survives the top-level redirect back from the upstream.
func (e *Engine) newCookie(value string, expiresAt time.Time) *SessionCookie {
	return &SessionCookie{
		Name:      e.cfg.SessionCookieName,
		Value:     value,
		Domain:    e.cfg.CookieDomain,
		Path:      e.cfg.CookiePath,
		Secure:    e.cfg.CookieSecure,
		HTTPOnly:  true,
		SameSite:  http.SameSiteLaxMode,
		ExpiresAt: expiresAt,
	}
}

func (e *Engine) clearedCookie() *SessionCookie {
	return e.newCookie("", time.Time{})
}

func (e *Engine) sessionCookie(s *storage.Session) *SessionCookie {
	return e.newCookie(crypto.SignValue(e.cookieKeys[0], s.SID), s.ExpiresAt)
}

// sessionFromCookie returns the live session named by a signed cookie
// value, or nil when there is none. Only storage failures other than a
// missing session are returned as errors.
func (e *Engine) sessionFromCookie(ctx context.Context, value string) (*storage.Session, error) {
	if value == "" {
		return nil, nil
	}
	sid, err := crypto.VerifySignedValueWithKeys(e.cookieKeys, value)
	if err != nil {
		slog.Debug("ignoring session cookie with invalid signature")
		return nil, nil
	}
	session, err := e.store.GetSession(ctx, sid)
	if err != nil {
		if storage.IsMissing(err) {
			return nil, nil
		}
		return nil, err
	}
	return session, nil
}

// extendSession slides the session expiry, capped by its ceiling, and
// returns the new expiry.
func (e *Engine) extendSession(ctx context.Context, s *storage.Session) (time.Time, error) {
	expiresAt := minTime(e.clock.Now().Add(e.cfg.SessionIdleTTL), s.MaxExpiresAt)
	if err := e.store.ExtendSession(ctx, s.SID, expiresAt); err != nil {
		return time.Time{}, err
	}
	s.ExpiresAt = expiresAt
	return expiresAt, nil
}
