// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

// MinHMACKeyLength is the minimum length of peppers and cookie signing keys.
const MinHMACKeyLength = 32

// ErrInvalidSignedValue is returned when a signed value fails verification.
var ErrInvalidSignedValue = errors.New("invalid signed value")

// NewOpaqueToken returns a random token with 130 bits of entropy encoded
// in base32. Used for authorization codes, refresh tokens, session ids,
// and state values.
func NewOpaqueToken() string {
	return rand.Text()
}

// LookupKey computes hex(HMAC-SHA256(pepper, token)). It is the storage
// index for opaque tokens so that a database leak does not reveal usable
// token values.
func LookupKey(pepper []byte, token string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignValue returns value + "." + base64url(HMAC-SHA256(key, value)).
func SignValue(key []byte, value string) string {
	return value + "." + base64.RawURLEncoding.EncodeToString(sign(key, value))
}

// VerifySignedValue checks a value produced by SignValue and returns the
// embedded value.
func VerifySignedValue(key []byte, signed string) (string, error) {
	idx := strings.LastIndexByte(signed, '.')
	if idx <= 0 || idx == len(signed)-1 {
		return "", ErrInvalidSignedValue
	}
	value, sig := signed[:idx], signed[idx+1:]
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return "", ErrInvalidSignedValue
	}
	if !hmac.Equal(got, sign(key, value)) {
		return "", ErrInvalidSignedValue
	}
	return value, nil
}

func sign(key []byte, value string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(value))
	return mac.Sum(nil)
}

// VerifySignedValueWithKeys tries each key in order and returns the value
// for the first one that verifies.
func VerifySignedValueWithKeys(keys [][]byte, signed string) (string, error) {
	for _, k := range keys {
		if v, err := VerifySignedValue(k, signed); err == nil {
			return v, nil
		}
	}
	return "", ErrInvalidSignedValue
}
