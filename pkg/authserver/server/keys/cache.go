// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const certificatesCacheKey = "certificates"

// CachingProvider wraps a provider and reuses its certificate set for a TTL.
// Run refreshes the set in the background so requests rarely reload.
type CachingProvider struct {
	next  CertificateProvider
	ttl   time.Duration
	cache *ttlcache.Cache[string, []*Certificate]
	mu    sync.Mutex
}

// NewCachingProvider creates a caching wrapper around next.
func NewCachingProvider(next CertificateProvider, ttl time.Duration) *CachingProvider {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []*Certificate](ttl),
		ttlcache.WithDisableTouchOnHit[string, []*Certificate](),
	)
	return &CachingProvider{next: next, ttl: ttl, cache: cache}
}

// Certificates returns the cached set, loading it on a miss.
func (p *CachingProvider) Certificates(ctx context.Context) ([]*Certificate, error) {
	if item := p.cache.Get(certificatesCacheKey); item != nil {
		return slices.Clone(item.Value()), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if item := p.cache.Get(certificatesCacheKey); item != nil {
		return slices.Clone(item.Value()), nil
	}
	return p.load(ctx)
}

// Refresh reloads the set from the wrapped provider. On failure the
// previous set stays cached until it expires.
func (p *CachingProvider) Refresh(ctx context.Context) ([]*Certificate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load(ctx)
}

func (p *CachingProvider) load(ctx context.Context) ([]*Certificate, error) {
	certs, err := p.next.Certificates(ctx)
	if err != nil {
		return nil, err
	}
	p.cache.Set(certificatesCacheKey, certs, ttlcache.DefaultTTL)
	return slices.Clone(certs), nil
}

// Run refreshes the cached set every half TTL until ctx is done.
func (p *CachingProvider) Run(ctx context.Context) {
	interval := p.ttl / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Refresh(ctx); err != nil {
				slog.Warn("failed to refresh signing certificates", "error", err)
			}
		}
	}
}
