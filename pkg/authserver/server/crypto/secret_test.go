// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashSecret(t *testing.T) {
	t.Parallel()

	h, err := HashSecret("s3cret", MinIterations)
	require.NoError(t, err)

	assert.Equal(t, MinIterations, h.Iterations)
	assert.Len(t, h.Salt, saltLength)
	assert.Len(t, h.Hash, derivedKeyLength)
	assert.True(t, h.Matches("s3cret"))
	assert.False(t, h.Matches("S3cret"))
	assert.False(t, h.Matches(""))

	other, err := HashSecret("s3cret", MinIterations)
	require.NoError(t, err)
	assert.NotEqual(t, h.Salt, other.Salt, "salts must be unique per hash")
}

func TestHashSecret_RejectsLowIterations(t *testing.T) {
	t.Parallel()

	_, err := HashSecret("s3cret", MinIterations-1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below minimum")
}

func TestSecretHash_EncodeParseRoundTrip(t *testing.T) {
	t.Parallel()

	h, err := HashSecret("client-secret", 2000)
	require.NoError(t, err)

	encoded := h.Encode()
	assert.True(t, strings.HasPrefix(encoded, "pbkdf2-sha256$2000$"))
	assert.True(t, VerifySecret(encoded, "client-secret"))
	assert.False(t, VerifySecret(encoded, "other"))
}

func TestParseSecretHash_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		encoded string
	}{
		{name: "empty", encoded: ""},
		{name: "wrong scheme", encoded: "bcrypt$2000$c2FsdA$aGFzaA"},
		{name: "missing part", encoded: "pbkdf2-sha256$2000$c2FsdA"},
		{name: "non numeric iterations", encoded: "pbkdf2-sha256$many$c2FsdA$aGFzaA"},
		{name: "iterations too low", encoded: "pbkdf2-sha256$10$c2FsdA$aGFzaA"},
		{name: "bad salt", encoded: "pbkdf2-sha256$2000$!!!$aGFzaA"},
		{name: "empty hash", encoded: "pbkdf2-sha256$2000$c2FsdA$"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseSecretHash(tt.encoded)
			require.ErrorIs(t, err, ErrMalformedSecretHash)
			assert.False(t, VerifySecret(tt.encoded, "anything"))
		})
	}
}

func TestSecretHash_ZeroValueNeverMatches(t *testing.T) {
	t.Parallel()

	assert.False(t, SecretHash{}.Matches(""))
}
