// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package idcodec generates and encodes the 16-byte opaque identifiers used
// across keyloom. Identifiers appear externally as 32 lowercase hex characters
// (hex32). Key public identifiers are a separate namespace with the `apub_`
// prefix and are only ever handed out during opaque-credential exchange.
package idcodec

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	rawLen     = 16
	encodedLen = 32

	// PublicIDPrefix marks key public identifiers.
	PublicIDPrefix = "apub_"

	publicIDRawLen = 8
	publicIDLen    = len(PublicIDPrefix) + 2*publicIDRawLen
)

// ErrBadFormat is returned when a string is not a well-formed hex32 identifier.
var ErrBadFormat = errors.New("malformed identifier")

// ErrBadPublicID is returned when a string is not a well-formed public identifier.
var ErrBadPublicID = errors.New("malformed public identifier")

// ID is a 16-byte opaque identifier. The zero value is not a valid identifier.
type ID [16]byte

// Nil is the zero identifier.
var Nil ID

// New returns a fresh random identifier. Randomness comes from the operating
// system CSPRNG; exhaustion panics, matching uuid.New.
func New() ID {
	return ID(uuid.Must(uuid.NewRandom()))
}

// Parse decodes a hex32 string. Only lowercase hex is accepted.
func Parse(s string) (ID, error) {
	if len(s) != encodedLen || !isLowerHex(s) {
		return Nil, ErrBadFormat
	}
	var id ID
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return Nil, ErrBadFormat
	}
	return id, nil
}

// MustParse is Parse that panics on malformed input. Intended for tests and
// compile-time-known constants.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("idcodec: MustParse(%q): %v", s, err))
	}
	return id
}

// String encodes the identifier as hex32.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the identifier is the zero value.
func (id ID) IsZero() bool {
	return id == Nil
}

// MarshalText implements encoding.TextMarshaler so identifiers serialize as
// hex32 strings in JSON.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NewPublicID returns a fresh key public identifier: `apub_` followed by
// 16 lowercase hex characters (8 random bytes).
func NewPublicID() string {
	var raw [publicIDRawLen]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(fmt.Sprintf("idcodec: entropy source failed: %v", err))
	}
	return PublicIDPrefix + hex.EncodeToString(raw[:])
}

// ValidatePublicID checks that s is a well-formed public identifier.
func ValidatePublicID(s string) error {
	if len(s) != publicIDLen || s[:len(PublicIDPrefix)] != PublicIDPrefix {
		return ErrBadPublicID
	}
	if !isLowerHex(s[len(PublicIDPrefix):]) {
		return ErrBadPublicID
	}
	return nil
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
