// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

// MinRSAKeyBits is the smallest RSA modulus accepted for signing keys.
const MinRSAKeyBits = 2048

// LoadSigningKey reads a PEM encoded private key (PKCS#1, PKCS#8 or SEC 1)
// from path.
func LoadSigningKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return ParseSigningKey(data)
}

// ParseSigningKey parses the first PEM block in data as a private key.
func ParseSigningKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
	if rsaKey, ok := signer.(*rsa.PrivateKey); ok && rsaKey.N.BitLen() < MinRSAKeyBits {
		return nil, fmt.Errorf("RSA key size %d is below minimum required %d bits", rsaKey.N.BitLen(), MinRSAKeyBits)
	}
	return signer, nil
}

// DeriveAlgorithm picks the JWS algorithm matching the key type and curve.
func DeriveAlgorithm(key crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		default:
			return "", fmt.Errorf("unsupported EC curve %s", k.Curve.Params().Name)
		}
	case ed25519.PrivateKey:
		return jose.EdDSA, nil
	default:
		return "", fmt.Errorf("unsupported key type %T", key)
	}
}

// DeriveKeyID returns the RFC 7638 JWK thumbprint of the public key,
// base64url encoded.
func DeriveKeyID(key crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}

// HMACSecrets holds the current HMAC key and any rotated keys that are
// still accepted for verification.
type HMACSecrets struct {
	Current []byte
	Rotated [][]byte
}

// All returns the current key followed by the rotated keys.
func (s *HMACSecrets) All() [][]byte {
	if s == nil {
		return nil
	}
	return append([][]byte{s.Current}, s.Rotated...)
}

// LoadHMACSecrets reads one secret per path. The first path is the current
// key, the rest are rotated keys. Surrounding whitespace is trimmed. An
// empty path list yields nil.
func LoadHMACSecrets(paths []string) (*HMACSecrets, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	current, err := loadHMACSecret(paths[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load current HMAC secret: %w", err)
	}
	secrets := &HMACSecrets{Current: current}
	for i, p := range paths[1:] {
		rotated, err := loadHMACSecret(p)
		if err != nil {
			return nil, fmt.Errorf("failed to load rotated HMAC secret [%d]: %w", i+1, err)
		}
		secrets.Rotated = append(secrets.Rotated, rotated)
	}
	return secrets, nil
}

func loadHMACSecret(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("HMAC secret path is empty")
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	secret := []byte(strings.TrimSpace(string(data)))
	if len(secret) < MinHMACKeyLength {
		return nil, fmt.Errorf("HMAC secret must be at least %d bytes, got %d", MinHMACKeyLength, len(secret))
	}
	return secret, nil
}
