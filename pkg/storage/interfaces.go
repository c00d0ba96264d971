// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence interfaces of the keyloom kernel.
// Implementations live in subpackages; business code depends only on these
// interfaces and the sentinel errors beside them.
package storage

import (
	"context"
	"time"

	"github.com/keyloom/keyloom/pkg/accessmask"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
)

// Pagination bounds for cursor queries.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Page selects a window of a cursor query. Ordering is always
// created_at DESC, id DESC; BeforeID returns rows strictly older than the
// cursor row, SinceID strictly newer. A zero cursor is unset.
type Page struct {
	Limit    int
	BeforeID idcodec.ID
	SinceID  idcodec.ID
}

// NormalizedLimit returns the page size to use for a query.
func (p Page) NormalizedLimit() int {
	switch {
	case p.Limit <= 0:
		return DefaultPageLimit
	case p.Limit > MaxPageLimit:
		return MaxPageLimit
	default:
		return p.Limit
	}
}

// OwnerStore persists owners.
type OwnerStore interface {
	// Create inserts a new owner. Duplicate emails return ErrAlreadyExists.
	Create(ctx context.Context, owner *core.Owner) error
	// GetByEmail fetches an owner by exact, case-sensitive email.
	GetByEmail(ctx context.Context, email string) (*core.Owner, error)
}

// KeyStore persists keys, their public identifiers, and per-key device
// fingerprints.
type KeyStore interface {
	// CreatePrimary atomically inserts a primary key and its public identifier.
	CreatePrimary(ctx context.Context, key *core.Key, pub *core.KeyPublicID) error
	// CreateChild atomically inserts a child key and its public identifier.
	CreateChild(ctx context.Context, key *core.Key, pub *core.KeyPublicID) error
	// Rotate atomically inserts the replacement key and public identifier and
	// retires the old row (active=false, rotated_to_id, retired_at). A row
	// already retired returns ErrRetired.
	Rotate(ctx context.Context, newKey *core.Key, newPub *core.KeyPublicID, oldKeyID idcodec.ID, retiredAt time.Time) error

	// Get fetches a key by ID.
	Get(ctx context.Context, id idcodec.ID) (*core.Key, error)
	// GetByPublicID resolves an `apub_...` identifier to its key.
	GetByPublicID(ctx context.Context, publicID string) (*core.Key, error)
	// PublicIDForKey resolves a key to its `apub_...` identifier.
	PublicIDForKey(ctx context.Context, keyID idcodec.ID) (string, error)
	// List returns keys whose lineage root is one of roots, newest first.
	List(ctx context.Context, roots []idcodec.ID, page Page) ([]*core.Key, error)
	// PrimaryKeyIDs returns the IDs of every primary key minted for the
	// owner, including retired ones: retired primaries still anchor their
	// lineages.
	PrimaryKeyIDs(ctx context.Context, ownerID idcodec.ID) ([]idcodec.ID, error)

	// SetActive flips the active flag and reports whether a row changed.
	// Retired rows never change.
	SetActive(ctx context.Context, id idcodec.ID, active bool, now time.Time) (bool, error)
	// DeactivateMany deactivates every listed key that is still active and
	// returns the number of rows flipped.
	DeactivateMany(ctx context.Context, ids []idcodec.ID, now time.Time) (int, error)

	// Lineage walks parent links upward and returns the chain in
	// root-to-leaf order, ending with the given key.
	Lineage(ctx context.Context, id idcodec.ID) ([]*core.Key, error)
	// Descendants expands the parent→child relation breadth-first. The given
	// key is not included.
	Descendants(ctx context.Context, id idcodec.ID) ([]*core.Key, error)

	// RegisterUseAttempt transactionally increments the key's use count and,
	// when deviceLimit is set, registers the device fingerprint. Exceeding
	// useLimit returns ErrUseLimitExceeded; exceeding deviceLimit on an
	// unseen fingerprint returns ErrDeviceLimitExceeded. Neither failure
	// consumes a use.
	RegisterUseAttempt(ctx context.Context, keyID idcodec.ID, fingerprint string, useLimit, deviceLimit *int, now time.Time) error
}

// GroupStore persists groups and memberships.
type GroupStore interface {
	Create(ctx context.Context, group *core.Group) error
	Get(ctx context.Context, id idcodec.ID) (*core.Group, error)
	ListByOwner(ctx context.Context, ownerID idcodec.ID, page Page) ([]*core.Group, error)
	Delete(ctx context.Context, id idcodec.ID) error

	// AddMember is idempotent: re-adding an existing member succeeds.
	AddMember(ctx context.Context, groupID, keyID idcodec.ID, now time.Time) error
	// RemoveMember returns ErrNotFound when the membership does not exist.
	RemoveMember(ctx context.Context, groupID, keyID idcodec.ID) error
	// Members returns the member key IDs of a group.
	Members(ctx context.Context, groupID idcodec.ID) ([]idcodec.ID, error)
	// GroupsForKey returns the IDs of every group the key belongs to.
	GroupsForKey(ctx context.Context, keyID idcodec.ID) ([]idcodec.ID, error)
	// ListForKey pages through the groups the key belongs to, newest first.
	ListForKey(ctx context.Context, keyID idcodec.ID, page Page) ([]*core.Group, error)
}

// GrantStore persists post access grants.
type GrantStore interface {
	// Upsert inserts or replaces the grant for (post, target_kind, target);
	// the stored mask becomes exactly grant.Mask.
	Upsert(ctx context.Context, grant *core.PostAccessGrant) error
	// Revoke deletes the grant row, returning ErrNotFound when absent.
	Revoke(ctx context.Context, postID idcodec.ID, kind core.TargetKind, targetID idcodec.ID) error
	// ResolveAccessMask ORs the masks of every grant matching the key
	// directly or through one of its groups.
	ResolveAccessMask(ctx context.Context, postID, keyID idcodec.ID, groupIDs []idcodec.ID) (accessmask.Mask, error)
}

// RefreshTokenStore persists refresh tokens.
type RefreshTokenStore interface {
	Create(ctx context.Context, token *core.RefreshToken) error
	// GetByLookupDigest locates the single row carrying the digest.
	GetByLookupDigest(ctx context.Context, digest [32]byte) (*core.RefreshToken, error)
	// Rotate atomically inserts the replacement row and marks the old row
	// rotated. The conditional update on rotated_at is the serialization
	// point: losing a concurrent race returns ErrRotated and inserts nothing.
	Rotate(ctx context.Context, oldID idcodec.ID, replacement *core.RefreshToken, rotatedAt time.Time) error
	// RevokeFamily revokes every live token of the subject and returns the
	// number of rows revoked.
	RevokeFamily(ctx context.Context, kind core.SubjectKind, subjectID idcodec.ID, now time.Time) (int, error)
}

// AuditStore persists audit events. Append-only: no read, update, or delete
// path exists.
type AuditStore interface {
	Append(ctx context.Context, event *core.AuditEvent) error
}

// KeychainStore persists keychains and their member keys.
type KeychainStore interface {
	Create(ctx context.Context, keychain *core.Keychain) error
	Get(ctx context.Context, id idcodec.ID) (*core.Keychain, error)
	ListByLineage(ctx context.Context, root idcodec.ID, page Page) ([]*core.Keychain, error)
	Delete(ctx context.Context, id idcodec.ID) error

	// AddKey is idempotent: re-adding an existing member succeeds.
	AddKey(ctx context.Context, keychainID, keyID idcodec.ID, now time.Time) error
	// RemoveKey returns ErrNotFound when the membership does not exist.
	RemoveKey(ctx context.Context, keychainID, keyID idcodec.ID) error
	// Keys returns the member key IDs of a keychain.
	Keys(ctx context.Context, keychainID idcodec.ID) ([]idcodec.ID, error)
}

// PostStore persists posts and comments. It is the post-side collaborator of
// the kernel: the post service consumes its visibility reads and the grant
// manager its lineage read.
type PostStore interface {
	// Create inserts the post and its author's seeded access grant in one
	// transaction.
	Create(ctx context.Context, post *core.Post, authorGrant *core.PostAccessGrant) error
	Get(ctx context.Context, id idcodec.ID) (*core.Post, error)
	// InitialAuthorKey returns the lineage root of the post's author.
	InitialAuthorKey(ctx context.Context, id idcodec.ID) (idcodec.ID, error)

	// ListVisibleIDs returns the IDs of posts on which the key, directly or
	// through its groups, holds the VIEW bit. Newest first.
	ListVisibleIDs(ctx context.Context, keyID idcodec.ID, groupIDs []idcodec.ID, page Page) ([]idcodec.ID, error)
	// ListVisible is ListVisibleIDs returning full rows.
	ListVisible(ctx context.Context, keyID idcodec.ID, groupIDs []idcodec.ID, page Page) ([]*core.Post, error)
	// ListByLineageRoots returns posts authored under the given lineage
	// roots, bypassing grant visibility. Owner admin reads use this.
	ListByLineageRoots(ctx context.Context, roots []idcodec.ID, page Page) ([]*core.Post, error)

	CreateComment(ctx context.Context, comment *core.Comment) error
	ListComments(ctx context.Context, postID idcodec.ID, page Page) ([]*core.Comment, error)
}
