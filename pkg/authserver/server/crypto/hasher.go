// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"errors"

	"github.com/ory/fosite"
)

// ErrSecretMismatch is returned by PBKDF2Hasher.Compare when the secret
// does not match the hash.
var ErrSecretMismatch = errors.New("secret does not match")

// PBKDF2Hasher is a fosite.Hasher over encoded SecretHash values.
type PBKDF2Hasher struct {
	// Iterations is the work factor of new hashes. Defaults to
	// DefaultSecretIterations.
	Iterations int
}

var _ fosite.Hasher = (*PBKDF2Hasher)(nil)

// Compare checks data against an encoded SecretHash. A malformed or empty
// hash never matches.
func (*PBKDF2Hasher) Compare(_ context.Context, hash, data []byte) error {
	if !VerifySecret(string(hash), string(data)) {
		return ErrSecretMismatch
	}
	return nil
}

// Hash returns the encoded SecretHash of data.
func (h *PBKDF2Hasher) Hash(_ context.Context, data []byte) ([]byte, error) {
	iterations := h.Iterations
	if iterations == 0 {
		iterations = DefaultSecretIterations
	}
	sh, err := HashSecret(string(data), iterations)
	if err != nil {
		return nil, err
	}
	return []byte(sh.Encode()), nil
}
