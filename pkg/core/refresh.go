// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"time"

	"github.com/keyloom/keyloom/pkg/idcodec"
)

// SubjectKind discriminates token subjects.
type SubjectKind string

// Recognized subject kinds.
const (
	SubjectKindOwner SubjectKind = "owner"
	SubjectKindKey   SubjectKind = "key"
)

// Valid reports whether k is an enumerated subject kind.
func (k SubjectKind) Valid() bool {
	return k == SubjectKindOwner || k == SubjectKindKey
}

// RefreshToken is the stored record of one opaque refresh token. The
// plaintext is never stored: LookupDigest locates the row and SecretHash
// authenticates the presenter.
type RefreshToken struct {
	ID          idcodec.ID
	SubjectKind SubjectKind
	SubjectID   idcodec.ID

	// SecretHash is the PHC-encoded argon2id digest of the opaque token.
	SecretHash string

	// LookupDigest is the keyed 256-bit digest over the opaque token value,
	// used solely as an index surrogate.
	LookupDigest [32]byte

	IssuedAt  time.Time
	ExpiresAt time.Time

	RevokedAt *time.Time

	// RotatedAt transitions null to non-null exactly once. A presented token
	// whose RotatedAt is already set signals replay.
	RotatedAt    *time.Time
	ReplacedByID *idcodec.ID

	IP        string
	UserAgent string
}

// Usable reports whether the token may still rotate at the given instant.
func (t *RefreshToken) Usable(now time.Time) bool {
	return t.ExpiresAt.After(now) && t.RevokedAt == nil && t.RotatedAt == nil
}

// Replayed reports whether the token was already rotated away.
func (t *RefreshToken) Replayed() bool {
	return t.RotatedAt != nil
}
