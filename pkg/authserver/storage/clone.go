// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"slices"
	"time"
)

// The clone helpers give callers private copies so records held by the
// memory backend are never mutated from outside the lock.

func cloneClient(c *Client) *Client {
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.PostLogoutRedirectURIs = slices.Clone(c.PostLogoutRedirectURIs)
	out.AllowedScopes = slices.Clone(c.AllowedScopes)
	return &out
}

func cloneLoginTransaction(tx *LoginTransaction) *LoginTransaction {
	out := *tx
	out.Scopes = slices.Clone(tx.Scopes)
	out.ACRValues = slices.Clone(tx.ACRValues)
	out.UILocales = slices.Clone(tx.UILocales)
	out.Prompt = slices.Clone(tx.Prompt)
	if tx.MaxAge != nil {
		v := *tx.MaxAge
		out.MaxAge = &v
	}
	return &out
}

func cloneUpstreamTransaction(tx *UpstreamLoginTransaction) *UpstreamLoginTransaction {
	out := *tx
	out.ACRValues = slices.Clone(tx.ACRValues)
	out.Scopes = slices.Clone(tx.Scopes)
	return &out
}

func cloneAuthorizationCode(c *AuthorizationCode) *AuthorizationCode {
	out := *c
	out.AMR = slices.Clone(c.AMR)
	out.Scopes = slices.Clone(c.Scopes)
	return &out
}

func cloneSession(s *Session) *Session {
	out := *s
	out.AMR = slices.Clone(s.AMR)
	out.ClientIDsSeen = slices.Clone(s.ClientIDsSeen)
	return &out
}

func cloneRefreshToken(t *RefreshToken) *RefreshToken {
	out := *t
	out.Hash = slices.Clone(t.Hash)
	out.Salt = slices.Clone(t.Salt)
	out.Scopes = slices.Clone(t.Scopes)
	return &out
}

func cloneUser(u *User) *User {
	out := *u
	return &out
}

// expired reports whether expiresAt is set and not after now.
func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}
