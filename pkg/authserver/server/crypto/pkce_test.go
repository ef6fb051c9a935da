// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGeneratePKCEVerifier(t *testing.T) {
	t.Parallel()

	verifier := GeneratePKCEVerifier()

	assert.GreaterOrEqual(t, len(verifier), 43)
	assert.LessOrEqual(t, len(verifier), 128)
	assert.True(t, isValidVerifier(verifier))
	assert.NotEqual(t, verifier, GeneratePKCEVerifier())
}

func TestComputePKCEChallenge_RFC7636Example(t *testing.T) {
	t.Parallel()

	// RFC 7636 Appendix B
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	expected := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	assert.Equal(t, expected, ComputePKCEChallenge(verifier))
}

func TestVerifyPKCE(t *testing.T) {
	t.Parallel()

	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    string
		want      bool
	}{
		{name: "matching S256", verifier: verifier, challenge: challenge, method: "S256", want: true},
		{name: "plain method rejected", verifier: verifier, challenge: verifier, method: "plain", want: false},
		{name: "empty method rejected", verifier: verifier, challenge: challenge, method: "", want: false},
		{name: "wrong verifier", verifier: GeneratePKCEVerifier(), challenge: challenge, method: "S256", want: false},
		{name: "empty challenge", verifier: verifier, challenge: "", method: "S256", want: false},
		{name: "verifier too short", verifier: "abc", challenge: ComputePKCEChallenge("abc"), method: "S256", want: false},
		{
			name:      "verifier too long",
			verifier:  strings.Repeat("a", 129),
			challenge: ComputePKCEChallenge(strings.Repeat("a", 129)),
			method:    "S256",
			want:      false,
		},
		{
			name:      "verifier with invalid characters",
			verifier:  strings.Repeat("a", 42) + "!",
			challenge: ComputePKCEChallenge(strings.Repeat("a", 42) + "!"),
			method:    "S256",
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, VerifyPKCE(tt.verifier, tt.challenge, tt.method))
		})
	}
}
