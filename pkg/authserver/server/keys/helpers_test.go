// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestCertificate creates a self-signed P-256 certificate valid in
// [notBefore, notAfter].
func newTestCertificate(t *testing.T, notBefore, notAfter time.Time) *Certificate {
	t.Helper()
	cert, _ := newTestPair(t, notBefore, notAfter)
	return cert
}

func newTestPair(t *testing.T, notBefore, notAfter time.Time) (*Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(notBefore.UnixNano()),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	cert, err := newCertificate(key, []*x509.Certificate{leaf})
	require.NoError(t, err)
	return cert, key
}

// writeTestPair writes cert and key as "<name>.crt" and "<name>.key" in dir.
func writeTestPair(t *testing.T, dir, name string, cert *Certificate, key *ecdsa.PrivateKey) {
	t.Helper()
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Leaf().Raw})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+certExtension), certPEM, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+keyExtension), keyPEM, 0600))
}
