// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrExpired is returned when a record exists but is past its expiry.
	ErrExpired = errors.New("storage: expired")

	// ErrAlreadyConsumed is returned when an authorization code was already redeemed.
	ErrAlreadyConsumed = errors.New("storage: already consumed")

	// ErrAlreadyRotated is returned when a refresh token is no longer active.
	ErrAlreadyRotated = errors.New("storage: already rotated")

	// ErrAlreadyExists is returned on primary or unique key conflicts.
	ErrAlreadyExists = errors.New("storage: already exists")
)

// IsMissing reports whether err means the record is absent or expired.
func IsMissing(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired)
}
