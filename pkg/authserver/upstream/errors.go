// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"errors"
	"fmt"
)

// ExchangeErrorKind classifies an upstream exchange failure.
type ExchangeErrorKind string

const (
	// KindExchangeFailed means the token endpoint rejected the code or
	// could not be reached.
	KindExchangeFailed ExchangeErrorKind = "exchange_failed"
	// KindMissingIDToken means the token response had no id_token.
	KindMissingIDToken ExchangeErrorKind = "missing_id_token"
	// KindInvalidIDToken means signature, issuer, audience or expiry
	// validation failed.
	KindInvalidIDToken ExchangeErrorKind = "invalid_id_token"
	// KindNonceMismatch means the nonce claim was absent or different.
	KindNonceMismatch ExchangeErrorKind = "nonce_mismatch"
	// KindTimeout means the exchange exceeded the upstream timeout.
	KindTimeout ExchangeErrorKind = "timeout"
)

// ExchangeError is the failure result of Provider.Exchange.
type ExchangeError struct {
	Kind ExchangeErrorKind
	Err  error
}

func (e *ExchangeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upstream exchange: %s", e.Kind)
	}
	return fmt.Sprintf("upstream exchange: %s: %v", e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// ErrorKind returns the kind of an *ExchangeError anywhere in err's chain.
func ErrorKind(err error) (ExchangeErrorKind, bool) {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Kind, true
	}
	return "", false
}
