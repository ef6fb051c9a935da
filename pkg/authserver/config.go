// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/fedauth/pkg/authserver/protocol"
	"github.com/stacklok/fedauth/pkg/authserver/server/crypto"
	"github.com/stacklok/fedauth/pkg/authserver/server/keys"
	"github.com/stacklok/fedauth/pkg/authserver/storage"
	"github.com/stacklok/fedauth/pkg/authserver/upstream"
	"github.com/stacklok/fedauth/pkg/logger"
	"github.com/stacklok/fedauth/pkg/networking"
)

// Config is the configuration of the authorization server. It is loaded
// from a YAML file by the fedauth command.
type Config struct {
	// Issuer is the issuer identifier of this server. Its path is the base
	// path under which all protocol endpoints are served.
	Issuer string `mapstructure:"issuer" yaml:"issuer"`

	// HMACSecretFiles lists files holding HMAC secrets. The first is the
	// current secret, the rest are rotated secrets that are still accepted.
	// If empty, an ephemeral secret is generated (development only).
	HMACSecretFiles []string `mapstructure:"hmac_secret_files" yaml:"hmac_secret_files,omitempty"`

	Upstream upstream.Config `mapstructure:"upstream" yaml:"upstream"`
	Storage  storage.Config  `mapstructure:"storage" yaml:"storage"`
	Keys     keys.Config     `mapstructure:"keys" yaml:"keys"`
	Session  SessionConfig   `mapstructure:"session" yaml:"session"`
	Tokens   TokenConfig     `mapstructure:"tokens" yaml:"tokens"`

	// Clients are registered in storage at startup.
	Clients []ClientConfig `mapstructure:"clients" yaml:"clients"`

	// ACRValues is the ordered allow-list of acr values, weakest first.
	ACRValues []string `mapstructure:"acr_values" yaml:"acr_values,omitempty"`

	// UILocales is the allow-list of ui_locales values.
	UILocales []string `mapstructure:"ui_locales" yaml:"ui_locales,omitempty"`

	// ReturnHosts are the hosts /login may send the browser back to.
	ReturnHosts []string `mapstructure:"return_hosts" yaml:"return_hosts,omitempty"`

	// LoginTransactionTTL bounds how long a user may spend at the upstream.
	LoginTransactionTTL time.Duration `mapstructure:"login_transaction_ttl" yaml:"login_transaction_ttl,omitempty"`
}

// SessionConfig configures the browser session.
type SessionConfig struct {
	IdleTTL time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl,omitempty"`
	MaxTTL  time.Duration `mapstructure:"max_ttl" yaml:"max_ttl,omitempty"`

	CookieName   string `mapstructure:"cookie_name" yaml:"cookie_name,omitempty"`
	CookieDomain string `mapstructure:"cookie_domain" yaml:"cookie_domain,omitempty"`

	// LegacyTicketCookie names the cookie read by the keep-alive endpoint
	// when no session cookie is present. It only has an effect when a
	// legacy ticket decryptor is passed to New.
	LegacyTicketCookie string `mapstructure:"legacy_ticket_cookie" yaml:"legacy_ticket_cookie,omitempty"`
}

// TokenConfig configures token lifetimes.
type TokenConfig struct {
	AccessTokenTTL       time.Duration `mapstructure:"access_token_ttl" yaml:"access_token_ttl,omitempty"`
	IDTokenTTL           time.Duration `mapstructure:"id_token_ttl" yaml:"id_token_ttl,omitempty"`
	AuthorizationCodeTTL time.Duration `mapstructure:"authorization_code_ttl" yaml:"authorization_code_ttl,omitempty"`
	RefreshTokenIdleTTL  time.Duration `mapstructure:"refresh_token_idle_ttl" yaml:"refresh_token_idle_ttl,omitempty"`
	RefreshTokenMaxTTL   time.Duration `mapstructure:"refresh_token_max_ttl" yaml:"refresh_token_max_ttl,omitempty"`

	// CookieAccessTokenTTL is the lifetime of tokens minted by /refresh.
	CookieAccessTokenTTL time.Duration `mapstructure:"cookie_access_token_ttl" yaml:"cookie_access_token_ttl,omitempty"`

	// CookieAudience is the aud of tokens minted by /refresh. Defaults to
	// the issuer.
	CookieAudience string `mapstructure:"cookie_audience" yaml:"cookie_audience,omitempty"`
}

// ClientConfig defines a pre-registered downstream client.
type ClientConfig struct {
	ID                     string   `mapstructure:"id" yaml:"id"`
	RedirectURIs           []string `mapstructure:"redirect_uris" yaml:"redirect_uris"`
	PostLogoutRedirectURIs []string `mapstructure:"post_logout_redirect_uris" yaml:"post_logout_redirect_uris,omitempty"`
	Scopes                 []string `mapstructure:"scopes" yaml:"scopes,omitempty"`

	// AuthMethod is client_secret_basic, client_secret_post,
	// private_key_jwt or none. none makes the client public.
	AuthMethod string `mapstructure:"auth_method" yaml:"auth_method"`

	// SecretHash is the output of "fedauth hash-secret". Plain secrets
	// are never configured.
	SecretHash string `mapstructure:"secret_hash" yaml:"secret_hash,omitempty"`

	// SecretExpiresAt is optional.
	SecretExpiresAt time.Time `mapstructure:"secret_expires_at" yaml:"secret_expires_at,omitempty"`

	// JWKS is the client's public key set for private_key_jwt, as JSON.
	JWKS string `mapstructure:"jwks" yaml:"jwks,omitempty"`
}

// DefaultClientScopes are allowed when a client lists none.
var DefaultClientScopes = []string{"openid", "profile"}

// BasePath returns the path component of the issuer without a trailing
// slash. It is empty when the issuer has no path.
func (c *Config) BasePath() string {
	u, err := url.Parse(c.Issuer)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(u.Path, "/")
}

// applyDefaults applies default values to the config where not set.
func (c *Config) applyDefaults() {
	logger.Debugw("applying default values to authserver config")

	c.Issuer = strings.TrimSuffix(c.Issuer, "/")
	if c.Upstream.RedirectURI == "" && c.Issuer != "" {
		c.Upstream.RedirectURI = c.Issuer + "/upstream/callback"
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = protocol.DefaultSessionCookieName
	}
	if c.Storage.Type == "" {
		c.Storage.Type = storage.TypeMemory
	}
	for i := range c.Clients {
		if len(c.Clients[i].Scopes) == 0 {
			c.Clients[i].Scopes = DefaultClientScopes
		}
	}
}

// Validate checks that the Config is valid. Defaults must have been applied.
func (c *Config) Validate() error {
	logger.Debugw("validating authserver config", "issuer", c.Issuer)

	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if err := networking.ValidateEndpointURL(c.Issuer); err != nil {
		return fmt.Errorf("invalid issuer: %w", err)
	}
	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream config: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	if c.Session.IdleTTL > 0 && c.Session.MaxTTL > 0 && c.Session.IdleTTL > c.Session.MaxTTL {
		return errors.New("session idle_ttl exceeds max_ttl")
	}
	for _, host := range c.ReturnHosts {
		if host == "" || strings.Contains(host, "/") {
			return fmt.Errorf("invalid return host %q", host)
		}
	}

	seen := make(map[string]bool, len(c.Clients))
	for i := range c.Clients {
		client := &c.Clients[i]
		if err := client.Validate(); err != nil {
			return fmt.Errorf("client %d: %w", i, err)
		}
		if seen[client.ID] {
			return fmt.Errorf("client %d: duplicate client id %q", i, client.ID)
		}
		seen[client.ID] = true
	}

	logger.Debugw("authserver config validation passed",
		"issuer", c.Issuer,
		"client_count", len(c.Clients),
		"storage", c.Storage.Type,
	)
	return nil
}

// Check applies defaults to a copy of c and validates the result. It is
// what New does before assembling the server.
func (c Config) Check() error {
	c.Clients = slices.Clone(c.Clients)
	c.applyDefaults()
	return c.Validate()
}

// Validate checks that the ClientConfig is valid.
func (c *ClientConfig) Validate() error {
	if c.ID == "" {
		return errors.New("client id is required")
	}
	if len(c.RedirectURIs) == 0 {
		return errors.New("at least one redirect_uri is required")
	}
	for _, uri := range slices.Concat(c.RedirectURIs, c.PostLogoutRedirectURIs) {
		u, err := url.Parse(uri)
		if err != nil || !u.IsAbs() || u.Fragment != "" {
			return fmt.Errorf("invalid redirect uri %q", uri)
		}
	}

	method := storage.AuthMethod(c.AuthMethod)
	if !method.Valid() {
		return fmt.Errorf("unsupported auth_method %q", c.AuthMethod)
	}
	switch method {
	case storage.AuthMethodClientSecretBasic, storage.AuthMethodClientSecretPost:
		if _, err := crypto.ParseSecretHash(c.SecretHash); err != nil {
			return fmt.Errorf("secret_hash: %w", err)
		}
	case storage.AuthMethodPrivateKeyJWT:
		var set jose.JSONWebKeySet
		if err := set.UnmarshalJSON([]byte(c.JWKS)); err != nil || len(set.Keys) == 0 {
			return errors.New("jwks with at least one key is required for private_key_jwt")
		}
	case storage.AuthMethodNone:
		if c.SecretHash != "" {
			return errors.New("public clients must not have a secret")
		}
	}
	return nil
}

// toStorage converts the config into the persisted client.
func (c *ClientConfig) toStorage() *storage.Client {
	clientType := storage.ClientTypeConfidential
	if storage.AuthMethod(c.AuthMethod) == storage.AuthMethodNone {
		clientType = storage.ClientTypePublic
	}
	return &storage.Client{
		ID:                     c.ID,
		RedirectURIs:           c.RedirectURIs,
		PostLogoutRedirectURIs: c.PostLogoutRedirectURIs,
		AllowedScopes:          c.Scopes,
		Type:                   clientType,
		AuthMethod:             storage.AuthMethod(c.AuthMethod),
		SecretHash:             c.SecretHash,
		SecretExpiresAt:        c.SecretExpiresAt,
		JWKS:                   c.JWKS,
	}
}

func (c *Config) protocolConfig() protocol.Config {
	return protocol.Config{
		Issuer:               c.Issuer,
		ACRValues:            c.ACRValues,
		UILocales:            c.UILocales,
		ReturnHosts:          c.ReturnHosts,
		AuthorizationCodeTTL: c.Tokens.AuthorizationCodeTTL,
		LoginTransactionTTL:  c.LoginTransactionTTL,
		SessionIdleTTL:       c.Session.IdleTTL,
		SessionMaxTTL:        c.Session.MaxTTL,
		RefreshTokenIdleTTL:  c.Tokens.RefreshTokenIdleTTL,
		RefreshTokenMaxTTL:   c.Tokens.RefreshTokenMaxTTL,
		SessionCookieName:    c.Session.CookieName,
		CookieDomain:         c.Session.CookieDomain,
		CookiePath:           c.BasePath(),
		CookieSecure:         strings.HasPrefix(c.Issuer, "https://"),
		CookieAudience:       c.Tokens.CookieAudience,
		CookieAccessTokenTTL: c.Tokens.CookieAccessTokenTTL,
	}
}
