// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"time"

	"github.com/keyloom/keyloom/pkg/idcodec"
)

// KeyType partitions keys by their place in the delegation hierarchy.
type KeyType string

// Recognized key types.
const (
	KeyTypePrimary   KeyType = "primary"
	KeyTypeSecondary KeyType = "secondary"
	KeyTypeUse       KeyType = "use"
)

// Valid reports whether t is one of the enumerated key types.
func (t KeyType) Valid() bool {
	switch t {
	case KeyTypePrimary, KeyTypeSecondary, KeyTypeUse:
		return true
	default:
		return false
	}
}

// Key is a machine credential. Its permission set and lineage columns are
// immutable after insert; rotation creates a replacement row rather than
// editing the old one.
type Key struct {
	ID idcodec.ID

	// OwnerID is set iff Type is primary.
	OwnerID *idcodec.ID

	Type KeyType

	// SecretHash is the PHC-encoded argon2id digest of the opaque key secret.
	SecretHash string

	// Permissions is the sorted, de-duplicated capability set. Never mutated
	// after insert.
	Permissions []string

	Active bool

	// IssuedByKeyID and ParentKeyID are null for primary keys and non-null
	// otherwise.
	IssuedByKeyID *idcodec.ID
	ParentKeyID   *idcodec.ID

	// InitialAuthorKeyID is the lineage root: self for primary keys, inherited
	// from the parent otherwise. Immutable after creation.
	InitialAuthorKeyID idcodec.ID

	RotatedFromID *idcodec.ID
	RotatedToID   *idcodec.ID

	// RetiredAt is set only by rotation. Once set the key is terminal.
	RetiredAt *time.Time

	// UseCountLimit bounds successful exchanges for use keys; nil means
	// unlimited. A limit of zero admits no exchange at all.
	UseCountLimit   *int
	UseCountCurrent int

	// DeviceLimit bounds distinct device fingerprints for use keys; nil means
	// unlimited.
	DeviceLimit *int

	Label string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Retired reports whether the key reached its terminal state.
func (k *Key) Retired() bool {
	return k.RetiredAt != nil
}

// Usable reports whether the key may authenticate: active and not retired.
func (k *Key) Usable() bool {
	return k.Active && !k.Retired()
}

// BelongsToLineage reports whether the key descends from the given lineage
// root.
func (k *Key) BelongsToLineage(root idcodec.ID) bool {
	return k.InitialAuthorKeyID == root
}

// KeyPublicID binds an `apub_...` exchange identifier to its key. Rows are
// inserted atomically with the owning key and never reused.
type KeyPublicID struct {
	PublicID  string
	KeyID     idcodec.ID
	CreatedAt time.Time
}

// DeviceFingerprint records one device seen exchanging a use key.
type DeviceFingerprint struct {
	KeyID idcodec.ID

	// Fingerprint is the hex-encoded 256-bit digest of (ip, user_agent).
	Fingerprint string

	FirstSeen time.Time
}
