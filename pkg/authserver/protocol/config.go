// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Defaults for Config.
const (
	DefaultAuthorizationCodeTTL   = 60 * time.Second
	DefaultLoginTransactionTTL    = 10 * time.Minute
	DefaultSessionIdleTTL         = 30 * time.Minute
	DefaultSessionMaxTTL          = 10 * time.Hour
	DefaultRefreshTokenIdleTTL    = 30 * time.Minute
	DefaultRefreshTokenMaxTTL     = 10 * time.Hour
	DefaultCookieAccessTokenTTL   = 5 * time.Minute
	DefaultSessionCookieName      = "fedauth_session"
	DefaultClientAssertionMaxSkew = 30 * time.Second
)

// DefaultACRValues is the supported acr allow-list, weakest first.
var DefaultACRValues = []string{"low", "substantial", "high"}

// DefaultUILocales is the supported ui_locales allow-list.
var DefaultUILocales = []string{"en", "nb", "nn"}

// Config holds the protocol settings of the Engine.
type Config struct {
	// Issuer is this server's issuer identifier.
	Issuer string

	// TokenEndpoint is the absolute token endpoint URL. Client assertions
	// must name it or the issuer as audience.
	TokenEndpoint string

	// ACRValues is the acr allow-list ordered from weakest to strongest.
	ACRValues []string

	// UILocales is the ui_locales allow-list.
	UILocales []string

	// ReturnHosts are the hosts an application-initiated login may return to.
	ReturnHosts []string

	AuthorizationCodeTTL time.Duration
	LoginTransactionTTL  time.Duration

	// SessionIdleTTL is the sliding session lifetime; SessionMaxTTL caps it.
	SessionIdleTTL time.Duration
	SessionMaxTTL  time.Duration

	// RefreshTokenIdleTTL is the lifetime of one refresh token generation;
	// RefreshTokenMaxTTL caps the whole chain.
	RefreshTokenIdleTTL time.Duration
	RefreshTokenMaxTTL  time.Duration

	// SessionCookieName defaults to DefaultSessionCookieName.
	SessionCookieName string

	// CookieDomain is optional. CookiePath defaults to "/".
	CookieDomain string
	CookiePath   string

	// CookieSecure sets the Secure attribute of the session cookie. It
	// should be true whenever the issuer is served over https.
	CookieSecure bool

	// CookieAudience is the aud of access tokens minted by the cookie
	// keep-alive.
	CookieAudience       string
	CookieAccessTokenTTL time.Duration
}

// applyDefaults fills in zero values.
func (c *Config) applyDefaults() {
	if len(c.ACRValues) == 0 {
		c.ACRValues = DefaultACRValues
	}
	if len(c.UILocales) == 0 {
		c.UILocales = DefaultUILocales
	}
	if c.AuthorizationCodeTTL <= 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.LoginTransactionTTL <= 0 {
		c.LoginTransactionTTL = DefaultLoginTransactionTTL
	}
	if c.SessionIdleTTL <= 0 {
		c.SessionIdleTTL = DefaultSessionIdleTTL
	}
	if c.SessionMaxTTL <= 0 {
		c.SessionMaxTTL = DefaultSessionMaxTTL
	}
	if c.RefreshTokenIdleTTL <= 0 {
		c.RefreshTokenIdleTTL = DefaultRefreshTokenIdleTTL
	}
	if c.RefreshTokenMaxTTL <= 0 {
		c.RefreshTokenMaxTTL = DefaultRefreshTokenMaxTTL
	}
	if c.CookieAccessTokenTTL <= 0 {
		c.CookieAccessTokenTTL = DefaultCookieAccessTokenTTL
	}
	if c.SessionCookieName == "" {
		c.SessionCookieName = DefaultSessionCookieName
	}
	if c.CookiePath == "" {
		c.CookiePath = "/"
	}
	if c.CookieAudience == "" {
		c.CookieAudience = c.Issuer
	}
	if c.TokenEndpoint == "" {
		c.TokenEndpoint = c.Issuer + "/token"
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if _, err := url.Parse(c.Issuer); err != nil {
		return fmt.Errorf("invalid issuer: %w", err)
	}
	if c.SessionIdleTTL > c.SessionMaxTTL {
		return fmt.Errorf("session idle TTL %s exceeds max TTL %s", c.SessionIdleTTL, c.SessionMaxTTL)
	}
	if c.RefreshTokenIdleTTL > c.RefreshTokenMaxTTL {
		return fmt.Errorf("refresh token idle TTL %s exceeds max TTL %s", c.RefreshTokenIdleTTL, c.RefreshTokenMaxTTL)
	}
	return nil
}
