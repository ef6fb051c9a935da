// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"errors"
	"time"
)

// ErrNoSigningCertificate is returned when no certificate is valid at the
// requested time.
var ErrNoSigningCertificate = errors.New("no valid signing certificate")

// SelectSigningCertificate picks the certificate to sign with at now.
//
// Certificates whose NotBefore is at least rolloverDelay in the past are
// preferred so relying parties have had time to fetch them from the JWKS.
// When none qualify, every certificate valid at now is considered instead.
// Among the candidates the one with the latest NotBefore wins; ties go to
// the lowest KeyID.
func SelectSigningCertificate(now time.Time, certs []*Certificate, rolloverDelay time.Duration) (*Certificate, error) {
	cutoff := now.Add(-rolloverDelay)

	var settled, valid []*Certificate
	for _, c := range certs {
		if c == nil || len(c.Chain) == 0 || !c.ValidAt(now) {
			continue
		}
		valid = append(valid, c)
		if !c.NotBefore().After(cutoff) {
			settled = append(settled, c)
		}
	}

	candidates := settled
	if len(candidates) == 0 {
		candidates = valid
	}
	if len(candidates) == 0 {
		return nil, ErrNoSigningCertificate
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case c.NotBefore().After(best.NotBefore()):
			best = c
		case c.NotBefore().Equal(best.NotBefore()) && c.KeyID < best.KeyID:
			best = c
		}
	}
	return best, nil
}

// PublishableCertificates returns the certificates that belong in the JWKS
// at now: everything not yet expired, including certificates whose
// validity has not started so relying parties can cache them early.
func PublishableCertificates(now time.Time, certs []*Certificate) []*Certificate {
	out := make([]*Certificate, 0, len(certs))
	for _, c := range certs {
		if c == nil || len(c.Chain) == 0 || now.After(c.NotAfter()) {
			continue
		}
		out = append(out, c)
	}
	return out
}
