// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPBKDF2Hasher(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hasher := &PBKDF2Hasher{Iterations: MinIterations}

	hash, err := hasher.Hash(ctx, []byte("client-secret"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(hash), "pbkdf2-sha256$1000$"))

	tests := []struct {
		name    string
		hash    []byte
		data    string
		wantErr bool
	}{
		{name: "matching secret", hash: hash, data: "client-secret"},
		{name: "wrong secret", hash: hash, data: "client-secreT", wantErr: true},
		{name: "empty secret", hash: hash, data: "", wantErr: true},
		{name: "empty hash", hash: nil, data: "client-secret", wantErr: true},
		{name: "malformed hash", hash: []byte("bcrypt$x"), data: "client-secret", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := hasher.Compare(ctx, tt.hash, []byte(tt.data))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrSecretMismatch)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPBKDF2Hasher_DefaultIterations(t *testing.T) {
	t.Parallel()

	hash, err := (&PBKDF2Hasher{}).Hash(context.Background(), []byte("s"))
	require.NoError(t, err)
	parsed, err := ParseSecretHash(string(hash))
	require.NoError(t, err)
	assert.Equal(t, DefaultSecretIterations, parsed.Iterations)
}
