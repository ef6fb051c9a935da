// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the authorization server's protocol counters to
// Prometheus.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklok/fedauth/pkg/authserver/protocol"
)

const namespace = "fedauth"

// Metrics records protocol events as Prometheus counters.
type Metrics struct {
	authorize         *prometheus.CounterVec
	callback          *prometheus.CounterVec
	tokensIssued      *prometheus.CounterVec
	tokenErrors       *prometheus.CounterVec
	refreshTokenReuse prometheus.Counter
	logouts           *prometheus.CounterVec
}

var _ protocol.Metrics = (*Metrics)(nil)

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		authorize: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorize_requests_total",
			Help:      "Authorization requests by outcome.",
		}, []string{"outcome"}),
		callback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_callbacks_total",
			Help:      "Upstream callbacks by outcome.",
		}, []string{"outcome"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Successful token endpoint responses by grant type.",
		}, []string{"grant_type"}),
		tokenErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_errors_total",
			Help:      "Token endpoint errors by grant type and OAuth error code.",
		}, []string{"grant_type", "error"}),
		refreshTokenReuse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_token_reuse_total",
			Help:      "Presentations of an already rotated refresh token.",
		}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logouts_total",
			Help:      "Logout requests by kind.",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{
		m.authorize, m.callback, m.tokensIssued, m.tokenErrors, m.refreshTokenReuse, m.logouts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

// Authorize counts an authorization request.
func (m *Metrics) Authorize(outcome string) { m.authorize.WithLabelValues(outcome).Inc() }

// Callback counts an upstream callback.
func (m *Metrics) Callback(outcome string) { m.callback.WithLabelValues(outcome).Inc() }

// TokenIssued counts a successful token response.
func (m *Metrics) TokenIssued(grant string) { m.tokensIssued.WithLabelValues(grantLabel(grant)).Inc() }

// TokenError counts a failed token request.
func (m *Metrics) TokenError(grant, code string) {
	m.tokenErrors.WithLabelValues(grantLabel(grant), code).Inc()
}

// RefreshTokenReuse counts a replayed refresh token.
func (m *Metrics) RefreshTokenReuse() { m.refreshTokenReuse.Inc() }

// Logout counts a logout request.
func (m *Metrics) Logout(kind string) { m.logouts.WithLabelValues(kind).Inc() }

// grantLabel keeps the grant_type label bounded; the value comes straight
// from the request body.
func grantLabel(grant string) string {
	switch grant {
	case protocol.GrantTypeAuthorizationCode, protocol.GrantTypeRefreshToken:
		return grant
	case "":
		return "none"
	default:
		return "other"
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
