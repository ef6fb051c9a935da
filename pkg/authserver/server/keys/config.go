// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"time"

	"k8s.io/utils/clock"
)

const (
	// DefaultRolloverDelay is how long a new certificate is published before
	// it is used for signing.
	DefaultRolloverDelay = 6 * time.Hour

	// DefaultCacheTTL is how long a loaded certificate set is reused.
	DefaultCacheTTL = 5 * time.Minute
)

// Config holds configuration for creating a CertificateProvider.
type Config struct {
	// CertDir is the directory containing certificate/key pairs. Each pair
	// is a "<name>.crt" PEM chain next to a "<name>.key" PEM private key.
	//
	// In Kubernetes deployments, this is typically a mounted Secret volume.
	// Rotation works by adding a new pair at least RolloverDelay before the
	// old certificate expires; the JWKS advertises it immediately and
	// signing switches over once the delay has passed.
	//
	// If empty, an ephemeral self-signed certificate is generated.
	CertDir string `mapstructure:"cert_dir" yaml:"cert_dir,omitempty"`

	// RolloverDelay overrides DefaultRolloverDelay.
	RolloverDelay time.Duration `mapstructure:"rollover_delay" yaml:"rollover_delay,omitempty"`

	// CacheTTL overrides DefaultCacheTTL for directory-backed providers.
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl,omitempty"`
}

// NewProviderFromConfig creates a CertificateProvider based on the configuration.
//
// Behavior:
//   - If CertDir is set: load pairs from the directory behind a TTL cache
//   - Otherwise: return a GeneratingProvider (ephemeral, development only)
func NewProviderFromConfig(cfg Config, clk clock.PassiveClock) (CertificateProvider, error) {
	if cfg.CertDir == "" {
		return NewGeneratingProvider(clk), nil
	}

	files, err := NewFileProvider(cfg.CertDir)
	if err != nil {
		return nil, err
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return NewCachingProvider(files, ttl), nil
}
