// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

// Metrics receives protocol events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	// Authorize records the outcome of an authorize request:
	// short_circuit, federate or error.
	Authorize(outcome string)
	// Callback records the outcome of an upstream callback.
	Callback(outcome string)
	// TokenIssued records a successful grant.
	TokenIssued(grantType string)
	// TokenError records a failed token request by error code.
	TokenError(grantType, code string)
	// RefreshTokenReuse records detected reuse of a rotated refresh token.
	RefreshTokenReuse()
	// Logout records a logout by kind: rp or frontchannel.
	Logout(kind string)
}

// NopMetrics discards every event.
type NopMetrics struct{}

func (NopMetrics) Authorize(string)          {}
func (NopMetrics) Callback(string)           {}
func (NopMetrics) TokenIssued(string)        {}
func (NopMetrics) TokenError(string, string) {}
func (NopMetrics) RefreshTokenReuse()        {}
func (NopMetrics) Logout(string)             {}

// Outcome labels.
const (
	OutcomeShortCircuit = "short_circuit"
	OutcomeFederate     = "federate"
	OutcomeError        = "error"
	OutcomeDownstream   = "downstream"
	OutcomeApplication  = "application"
	LogoutKindRP        = "rp"
	LogoutKindFrontChan = "frontchannel"
)
