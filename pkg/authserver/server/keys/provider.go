// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	servercrypto "github.com/stacklok/fedauth/pkg/authserver/server/crypto"
)

const (
	certExtension = ".crt"
	keyExtension  = ".key"

	// generatedValidity is the lifetime of an ephemeral certificate.
	generatedValidity = 365 * 24 * time.Hour
)

// FileProvider loads certificate/key pairs from a directory. The directory
// is read on every call so pairs added at runtime are picked up; wrap it in
// a CachingProvider to avoid rereading on each request.
type FileProvider struct {
	dir string
}

// NewFileProvider creates a provider for dir and loads it once to fail
// fast on a missing or malformed directory.
func NewFileProvider(dir string) (*FileProvider, error) {
	p := &FileProvider{dir: dir}
	certs, err := p.Certificates(context.Background())
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate pairs found in %s", dir)
	}
	return p, nil
}

// Certificates reads every "<name>.crt"/"<name>.key" pair in the directory.
func (p *FileProvider) Certificates(_ context.Context) ([]*Certificate, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate directory: %w", err)
	}

	var certs []*Certificate
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), certExtension) {
			continue
		}
		base := strings.TrimSuffix(entry.Name(), certExtension)
		cert, err := loadPair(
			filepath.Join(p.dir, entry.Name()),
			filepath.Join(p.dir, base+keyExtension),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate %s: %w", base, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func loadPair(certPath, keyPath string) (*Certificate, error) {
	// #nosec G304 - path is built from the configured certificate directory
	data, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	chain, err := parseChain(data)
	if err != nil {
		return nil, err
	}

	signer, err := servercrypto.LoadSigningKey(keyPath)
	if err != nil {
		return nil, err
	}
	return newCertificate(signer, chain)
}

func parseChain(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, errors.New("no CERTIFICATE block found")
	}
	return chain, nil
}

// newCertificate checks that the leaf certifies signer and derives the
// JWS parameters.
func newCertificate(signer crypto.Signer, chain []*x509.Certificate) (*Certificate, error) {
	pub, ok := chain[0].PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(signer.Public()) {
		return nil, errors.New("certificate does not match private key")
	}

	alg, err := servercrypto.DeriveAlgorithm(signer)
	if err != nil {
		return nil, err
	}
	kid, err := servercrypto.DeriveKeyID(signer)
	if err != nil {
		return nil, err
	}
	return &Certificate{
		KeyID:     kid,
		Algorithm: alg,
		Key:       signer,
		Chain:     chain,
	}, nil
}

// GeneratingProvider creates an ephemeral self-signed certificate on first
// access. Suitable for development but NOT recommended for production:
// generated keys are lost on restart, invalidating all issued tokens.
type GeneratingProvider struct {
	clock clock.PassiveClock
	mu    sync.Mutex
	cert  *Certificate
}

// NewGeneratingProvider creates a provider that generates an ephemeral
// certificate. nil clk means the real clock.
func NewGeneratingProvider(clk clock.PassiveClock) *GeneratingProvider {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &GeneratingProvider{clock: clk}
}

// Certificates returns the generated certificate, creating it if needed.
func (p *GeneratingProvider) Certificates(_ context.Context) ([]*Certificate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cert == nil {
		cert, err := generateCertificate(p.clock.Now())
		if err != nil {
			return nil, err
		}
		slog.Warn("generated ephemeral signing certificate - tokens will be invalid after restart",
			"algorithm", cert.Algorithm,
			"key_id", cert.KeyID,
		)
		p.cert = cert
	}
	return []*Certificate{p.cert}, nil
}

func generateCertificate(now time.Time) (*Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "fedauth ephemeral signing"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(generatedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}
	return newCertificate(key, []*x509.Certificate{leaf})
}

// StaticProvider serves a fixed certificate set.
type StaticProvider []*Certificate

// Certificates returns a copy of the set.
func (p StaticProvider) Certificates(_ context.Context) ([]*Certificate, error) {
	return slices.Clone(p), nil
}

// Compile-time interface checks.
var (
	_ CertificateProvider = (*FileProvider)(nil)
	_ CertificateProvider = (*GeneratingProvider)(nil)
	_ CertificateProvider = (*CachingProvider)(nil)
	_ CertificateProvider = StaticProvider(nil)
)
