// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	// KeySecretPrefix marks opaque key secrets handed out at mint time.
	KeySecretPrefix = "sec_"
	// RefreshTokenPrefix marks opaque refresh tokens.
	RefreshTokenPrefix = "rt_"

	tokenEntropyBytes = 32
)

// NewKeySecret returns a fresh opaque key secret: `sec_` followed by 43
// base64url characters carrying 256 bits of entropy.
func NewKeySecret() (string, error) {
	return newOpaqueToken(KeySecretPrefix)
}

// NewRefreshToken returns a fresh opaque refresh token: `rt_` followed by 43
// base64url characters carrying 256 bits of entropy.
func NewRefreshToken() (string, error) {
	return newOpaqueToken(RefreshTokenPrefix)
}

func newOpaqueToken(prefix string) (string, error) {
	raw, err := randomBytes(tokenEntropyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate token material: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// LookupDigest computes the keyed 256-bit digest used to locate a refresh
// token row without storing the plaintext. Deterministic for a given key, so
// it can serve as a unique index surrogate; it never authenticates on its own.
func LookupDigest(key [32]byte, token string) [32]byte {
	h, err := blake2b.New256(key[:])
	if err != nil {
		// blake2b.New256 only fails on oversized keys; a [32]byte key cannot.
		panic(fmt.Sprintf("secrets: lookup digest init: %v", err))
	}
	h.Write([]byte(token))

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
