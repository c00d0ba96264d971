// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package secrets contains the credential hashing and generation primitives for
// keyloom: memory-hard hashing for passwords, key secrets and refresh tokens, a
// keyed lookup digest for locating refresh-token rows, and the generators for
// opaque secret material.
package secrets

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	saltLen = 16
	keyLen  = 32

	phcVariant = "argon2id"
	phcVersion = argon2.Version
)

// ErrMalformedHash is returned when a stored hash cannot be parsed.
var ErrMalformedHash = errors.New("malformed secret hash")

// Hasher derives memory-hard digests from plaintext secrets using argon2id.
// The parameters are operator-tunable through configuration; zero values are
// not usable, construct via NewHasher.
type Hasher struct {
	memoryKiB   uint32
	timeCost    uint32
	parallelism uint8
}

// NewHasher returns a Hasher with the given argon2id cost parameters.
func NewHasher(memoryKiB, timeCost uint32, parallelism uint8) *Hasher {
	return &Hasher{
		memoryKiB:   memoryKiB,
		timeCost:    timeCost,
		parallelism: parallelism,
	}
}

// Hash derives a digest of plaintext and encodes it as a self-describing PHC
// string: $argon2id$v=19$m=65536,t=4,p=1$<salt>$<key>. The salt is 16 bytes of
// fresh CSPRNG output; verification needs only the returned string.
func (h *Hasher) Hash(plaintext string) (string, error) {
	salt, err := randomBytes(saltLen)
	if err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(plaintext), salt, h.timeCost, h.memoryKiB, h.parallelism, keyLen)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		phcVariant, phcVersion,
		h.memoryKiB, h.timeCost, h.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// DummyVerify burns one derivation at the configured cost. Authentication
// flows call it when no credential row exists so that the request takes as
// long as a real verification would.
func (h *Hasher) DummyVerify() {
	argon2.IDKey([]byte("keyloom-dummy-verify"), make([]byte, saltLen), h.timeCost, h.memoryKiB, h.parallelism, keyLen)
}

// Verify reports whether plaintext matches the PHC-encoded digest. The cost
// parameters come from the encoded string, so rotated hash settings keep old
// rows verifiable. The comparison is constant-time.
func Verify(plaintext, encoded string) (bool, error) {
	params, salt, key, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}

	derived := argon2.IDKey([]byte(plaintext), salt, params.timeCost, params.memoryKiB, params.parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(derived, key) == 1, nil
}

type phcParams struct {
	memoryKiB   uint32
	timeCost    uint32
	parallelism uint8
}

func parsePHC(encoded string) (phcParams, []byte, []byte, error) {
	var params phcParams

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != phcVariant {
		return params, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != phcVersion {
		return params, nil, nil, ErrMalformedHash
	}

	var parallelism uint32
	n, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.memoryKiB, &params.timeCost, &parallelism)
	if err != nil || n != 3 || parallelism == 0 || parallelism > 255 {
		return params, nil, nil, ErrMalformedHash
	}
	params.parallelism = uint8(parallelism)

	if params.memoryKiB == 0 || params.timeCost == 0 {
		return params, nil, nil, ErrMalformedHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return params, nil, nil, ErrMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return params, nil, nil, ErrMalformedHash
	}

	return params, salt, key, nil
}
