// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/stacklok/fedauth/pkg/networking"
)

const (
	// DefaultTimeout bounds every request to the upstream.
	DefaultTimeout = 10 * time.Second

	// DefaultDiscoveryAttempts is how often discovery is tried at startup.
	DefaultDiscoveryAttempts = 5
)

// DefaultScopes are requested when none are configured.
var DefaultScopes = []string{"openid", "profile"}

// Config configures the upstream OIDC client.
type Config struct {
	// Issuer is the URL of the upstream provider. Endpoints are fetched
	// from {Issuer}/.well-known/openid-configuration.
	Issuer string `mapstructure:"issuer" yaml:"issuer"`

	// ClientID is the client id registered at the upstream.
	ClientID string `mapstructure:"client_id" yaml:"client_id"`

	// ClientSecret is the client secret registered at the upstream.
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret,omitempty"`

	// RedirectURI is this server's callback URL registered at the upstream.
	RedirectURI string `mapstructure:"redirect_uri" yaml:"redirect_uri"`

	// Scopes requested from the upstream. Must include openid.
	Scopes []string `mapstructure:"scopes" yaml:"scopes,omitempty"`

	// Timeout overrides DefaultTimeout.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`

	// DiscoveryAttempts overrides DefaultDiscoveryAttempts.
	DiscoveryAttempts uint `mapstructure:"discovery_attempts" yaml:"discovery_attempts,omitempty"`

	// CABundle is an optional PEM file of extra trusted roots.
	CABundle string `mapstructure:"ca_bundle" yaml:"ca_bundle,omitempty"`

	// AllowPrivateIPs permits the upstream to resolve to private addresses.
	// Always allowed when the issuer is localhost.
	AllowPrivateIPs bool `mapstructure:"allow_private_ips" yaml:"allow_private_ips,omitempty"`
}

// Validate checks that Config has all required fields and valid values.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if err := networking.ValidateEndpointURL(c.Issuer); err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if c.RedirectURI == "" {
		return errors.New("redirect_uri is required")
	}
	if err := networking.ValidateEndpointURL(c.RedirectURI); err != nil {
		return fmt.Errorf("invalid redirect_uri: %w", err)
	}
	if len(c.Scopes) > 0 && !slices.Contains(c.Scopes, "openid") {
		return errors.New("scopes must include openid")
	}
	return nil
}

func (c *Config) scopes() []string {
	if len(c.Scopes) == 0 {
		return DefaultScopes
	}
	return c.Scopes
}

func (c *Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c *Config) discoveryAttempts() uint {
	if c.DiscoveryAttempts == 0 {
		return DefaultDiscoveryAttempts
	}
	return c.DiscoveryAttempts
}
