// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultSecretIterations is the PBKDF2-HMAC-SHA256 work factor for
	// long-lived client secrets (OWASP 2023 guidance).
	DefaultSecretIterations = 600_000

	// DefaultRefreshTokenIterations is the work factor for refresh tokens.
	// Refresh tokens carry 130 bits of entropy, so a low count is sufficient.
	DefaultRefreshTokenIterations = 10_000

	// MinIterations is the lowest work factor accepted when parsing hashes.
	MinIterations = 1_000

	secretHashScheme = "pbkdf2-sha256"
	saltLength       = 16
	derivedKeyLength = 32
)

// ErrMalformedSecretHash is returned when an encoded secret hash cannot be parsed.
var ErrMalformedSecretHash = errors.New("malformed secret hash")

// SecretHash is a PBKDF2-HMAC-SHA256 digest of a secret.
type SecretHash struct {
	Iterations int
	Salt       []byte
	Hash       []byte
}

// HashSecret derives a SecretHash for secret with a fresh random salt.
func HashSecret(secret string, iterations int) (SecretHash, error) {
	if iterations < MinIterations {
		return SecretHash{}, fmt.Errorf("iterations %d below minimum %d", iterations, MinIterations)
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return SecretHash{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	return SecretHash{
		Iterations: iterations,
		Salt:       salt,
		Hash:       derive(secret, salt, iterations),
	}, nil
}

// Matches reports whether secret produces the stored hash. The comparison is
// constant time.
func (h SecretHash) Matches(secret string) bool {
	if h.Iterations < MinIterations || len(h.Salt) == 0 || len(h.Hash) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(derive(secret, h.Salt, h.Iterations), h.Hash) == 1
}

// Encode renders the hash as "pbkdf2-sha256$<iterations>$<salt>$<hash>"
// with unpadded base64 salt and hash.
func (h SecretHash) Encode() string {
	enc := base64.RawStdEncoding
	return strings.Join([]string{
		secretHashScheme,
		strconv.Itoa(h.Iterations),
		enc.EncodeToString(h.Salt),
		enc.EncodeToString(h.Hash),
	}, "$")
}

// ParseSecretHash decodes a value produced by SecretHash.Encode.
func ParseSecretHash(encoded string) (SecretHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != secretHashScheme {
		return SecretHash{}, ErrMalformedSecretHash
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations < MinIterations {
		return SecretHash{}, fmt.Errorf("%w: bad iteration count", ErrMalformedSecretHash)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil || len(salt) == 0 {
		return SecretHash{}, fmt.Errorf("%w: bad salt", ErrMalformedSecretHash)
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(hash) == 0 {
		return SecretHash{}, fmt.Errorf("%w: bad hash", ErrMalformedSecretHash)
	}
	return SecretHash{Iterations: iterations, Salt: salt, Hash: hash}, nil
}

// VerifySecret parses encoded and checks secret against it. A malformed
// encoding never verifies.
func VerifySecret(encoded, secret string) bool {
	h, err := ParseSecretHash(encoded)
	if err != nil {
		return false
	}
	return h.Matches(secret)
}

func derive(secret string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(secret), salt, iterations, derivedKeyLength, sha256.New)
}
