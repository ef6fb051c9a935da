// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSigningKey(t *testing.T) {
	t.Parallel()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	smallRSAKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	pkcs8 := func(k any) []byte {
		der, err := x509.MarshalPKCS8PrivateKey(k)
		require.NoError(t, err)
		return der
	}
	sec1, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)

	tests := []struct {
		name     string
		pemType  string
		der      []byte
		raw      string
		missing  bool
		wantErr  string
		wantType any
	}{
		{name: "RSA PKCS1", pemType: "RSA PRIVATE KEY", der: x509.MarshalPKCS1PrivateKey(rsaKey), wantType: &rsa.PrivateKey{}},
		{name: "RSA PKCS8", pemType: "PRIVATE KEY", der: pkcs8(rsaKey), wantType: &rsa.PrivateKey{}},
		{name: "EC SEC1", pemType: "EC PRIVATE KEY", der: sec1, wantType: &ecdsa.PrivateKey{}},
		{name: "EC PKCS8", pemType: "PRIVATE KEY", der: pkcs8(ecKey), wantType: &ecdsa.PrivateKey{}},
		{name: "RSA below minimum size", pemType: "RSA PRIVATE KEY", der: x509.MarshalPKCS1PrivateKey(smallRSAKey), wantErr: "below minimum required"},
		{name: "invalid PEM", raw: "not valid PEM", wantErr: "failed to decode PEM block"},
		{name: "garbage in PEM", pemType: "PRIVATE KEY", der: []byte("garbage"), wantErr: "failed to parse signing key"},
		{name: "missing file", missing: true, wantErr: "failed to read signing key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "key.pem")
			switch {
			case tt.missing:
			case tt.raw != "":
				require.NoError(t, os.WriteFile(path, []byte(tt.raw), 0600))
			default:
				data := pem.EncodeToMemory(&pem.Block{Type: tt.pemType, Bytes: tt.der})
				require.NoError(t, os.WriteFile(path, data, 0600))
			}

			signer, err := LoadSigningKey(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, signer)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, signer)
		})
	}
}

func TestDeriveAlgorithm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		key     func() crypto.Signer
		wantAlg jose.SignatureAlgorithm
	}{
		{"RSA", func() crypto.Signer { k, _ := rsa.GenerateKey(rand.Reader, 2048); return k }, jose.RS256},
		{"EC P-256", func() crypto.Signer { k, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader); return k }, jose.ES256},
		{"EC P-384", func() crypto.Signer { k, _ := ecdsa.GenerateKey(elliptic.P384(), rand.Reader); return k }, jose.ES384},
		{"EC P-521", func() crypto.Signer { k, _ := ecdsa.GenerateKey(elliptic.P521(), rand.Reader); return k }, jose.ES512},
		{"Ed25519", func() crypto.Signer { _, k, _ := ed25519.GenerateKey(rand.Reader); return k }, jose.EdDSA},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			alg, err := DeriveAlgorithm(tt.key())
			require.NoError(t, err)
			assert.Equal(t, tt.wantAlg, alg)
		})
	}
}

func TestDeriveKeyID(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	id1, err := DeriveKeyID(key)
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	id2, err := DeriveKeyID(key)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "same key should produce same ID")

	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	id3, err := DeriveKeyID(other)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestLoadHMACSecrets(t *testing.T) {
	t.Parallel()

	valid := strings.Repeat("a", 32)
	valid2 := strings.Repeat("b", 32)
	tooShort := strings.Repeat("a", 31)

	write := func(t *testing.T, dir, name, content string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))
		return path
	}

	t.Run("empty paths", func(t *testing.T) {
		t.Parallel()
		secrets, err := LoadHMACSecrets(nil)
		require.NoError(t, err)
		assert.Nil(t, secrets)
	})

	t.Run("current and rotated", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		secrets, err := LoadHMACSecrets([]string{
			write(t, dir, "current", valid+"\n"),
			write(t, dir, "rotated", valid2),
		})
		require.NoError(t, err)
		assert.Equal(t, []byte(valid), secrets.Current)
		assert.Equal(t, [][]byte{[]byte(valid2)}, secrets.Rotated)
		assert.Len(t, secrets.All(), 2)
	})

	t.Run("current too short", func(t *testing.T) {
		t.Parallel()
		_, err := LoadHMACSecrets([]string{write(t, t.TempDir(), "current", tooShort)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HMAC secret must be at least")
	})

	t.Run("rotated too short", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		_, err := LoadHMACSecrets([]string{
			write(t, dir, "current", valid),
			write(t, dir, "rotated", tooShort),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load rotated HMAC secret [1]")
	})
}
