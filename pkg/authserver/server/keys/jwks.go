// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// JWKS builds the public key set served at the jwks endpoint.
func JWKS(ctx context.Context, provider CertificateProvider, now time.Time) (*jose.JSONWebKeySet, error) {
	certs, err := provider.Certificates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificates: %w", err)
	}

	set := &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	for _, c := range PublishableCertificates(now, certs) {
		set.Keys = append(set.Keys, c.PublicJWK())
	}
	return set, nil
}
