// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package keys implements the key lifecycle: minting, rotation, activation
// state, and lineage queries.
package keys

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/keyloom/keyloom/pkg/audit"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
	"github.com/keyloom/keyloom/pkg/permissions"
	"github.com/keyloom/keyloom/pkg/secrets"
	"github.com/keyloom/keyloom/pkg/storage"
	"github.com/keyloom/keyloom/pkg/telemetry"
)

// ErrIssuerNotEligible rejects child minting when the issuing key is a use
// key or is no longer usable.
var ErrIssuerNotEligible = errors.New("issuing key cannot mint child keys")

// MintPrimaryRequest is an owner's request for a new lineage root.
type MintPrimaryRequest struct {
	Permissions []string
	Label       string
}

// MintChildRequest is a key's request for a subordinate credential.
type MintChildRequest struct {
	Type        core.KeyType
	Permissions []string
	Label       string

	// UseCountLimit and DeviceLimit apply to use keys only. Zero is allowed
	// and disables the key outright.
	UseCountLimit *int
	DeviceLimit   *int
}

// MintResult carries a freshly minted or rotated key. Secret is the plaintext
// opaque secret; this is the only time it is ever produced.
type MintResult struct {
	Key      *core.Key
	PublicID string
	Secret   string
}

// Manager drives key state transitions over the store.
type Manager struct {
	keys     storage.KeyStore
	hasher   *secrets.Hasher
	recorder *audit.Recorder
	now      func() time.Time
}

// NewManager builds a Manager. A nil now uses the wall clock.
func NewManager(keys storage.KeyStore, hasher *secrets.Hasher, recorder *audit.Recorder, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{keys: keys, hasher: hasher, recorder: recorder, now: now}
}

// MintPrimary creates a new lineage root owned by ownerID.
func (m *Manager) MintPrimary(ctx context.Context, ownerID idcodec.ID, req MintPrimaryRequest) (*MintResult, error) {
	normalized := permissions.Normalize(req.Permissions)
	if len(normalized) == 0 {
		return nil, &core.ValidationError{Field: "permissions", Message: "at least one capability is required"}
	}
	if err := permissions.ValidateKnown(permissions.ScopeKey, normalized); err != nil {
		return nil, err
	}

	now := m.now()
	id := idcodec.New()
	key := &core.Key{
		ID:                 id,
		OwnerID:            &ownerID,
		Type:               core.KeyTypePrimary,
		Permissions:        normalized,
		Active:             true,
		InitialAuthorKeyID: id,
		Label:              req.Label,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	secret, public, err := m.credentials(key, now)
	if err != nil {
		return nil, err
	}
	if err := m.keys.CreatePrimary(ctx, key, public); err != nil {
		return nil, err
	}

	m.recorder.Emit(ctx, audit.Event{
		ActorKind:   core.ActorKindOwner,
		ActorID:     ownerID,
		Action:      audit.ActionKeysMint,
		SubjectKind: "key",
		SubjectID:   key.ID,
		Metadata:    map[string]any{"key_type": string(core.KeyTypePrimary)},
	})
	telemetry.KeysMinted.WithLabelValues(string(core.KeyTypePrimary)).Inc()
	return &MintResult{Key: key, PublicID: public.PublicID, Secret: secret}, nil
}

// MintChild creates a secondary or use key under actor. The requested
// permissions must fit inside the actor's envelope; use keys are additionally
// denied the capabilities that would let them author or delegate.
func (m *Manager) MintChild(ctx context.Context, actor *core.Key, req MintChildRequest) (*MintResult, error) {
	if actor.Type == core.KeyTypeUse || !actor.Usable() {
		return nil, ErrIssuerNotEligible
	}
	if req.Type != core.KeyTypeSecondary && req.Type != core.KeyTypeUse {
		return nil, &core.ValidationError{Field: "type", Message: "must be secondary or use"}
	}

	normalized := permissions.Normalize(req.Permissions)
	if len(normalized) == 0 {
		return nil, &core.ValidationError{Field: "permissions", Message: "at least one capability is required"}
	}
	if err := permissions.ValidateKnown(permissions.ScopeKey, normalized); err != nil {
		return nil, err
	}
	if err := permissions.ValidateEnvelope(normalized, actor.Permissions); err != nil {
		return nil, err
	}

	if req.Type == core.KeyTypeUse {
		if err := permissions.ValidateUseKey(normalized); err != nil {
			return nil, err
		}
		if req.UseCountLimit != nil && *req.UseCountLimit < 0 {
			return nil, &core.ValidationError{Field: "use_count_limit", Message: "must not be negative"}
		}
		if req.DeviceLimit != nil && *req.DeviceLimit < 0 {
			return nil, &core.ValidationError{Field: "device_limit", Message: "must not be negative"}
		}
	} else if req.UseCountLimit != nil || req.DeviceLimit != nil {
		return nil, &core.ValidationError{Field: "use_count_limit", Message: "limits apply to use keys only"}
	}

	now := m.now()
	key := &core.Key{
		ID:                 idcodec.New(),
		Type:               req.Type,
		Permissions:        normalized,
		Active:             true,
		IssuedByKeyID:      &actor.ID,
		ParentKeyID:        &actor.ID,
		InitialAuthorKeyID: actor.InitialAuthorKeyID,
		UseCountLimit:      req.UseCountLimit,
		DeviceLimit:        req.DeviceLimit,
		Label:              req.Label,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	secret, public, err := m.credentials(key, now)
	if err != nil {
		return nil, err
	}
	if err := m.keys.CreateChild(ctx, key, public); err != nil {
		return nil, err
	}

	m.recorder.Emit(ctx, audit.Event{
		ActorKind:   core.ActorKindKey,
		ActorID:     actor.ID,
		Action:      audit.ActionKeysMint,
		SubjectKind: "key",
		SubjectID:   key.ID,
		Metadata: map[string]any{
			"key_type":      string(req.Type),
			"parent_key_id": actor.ID.String(),
		},
	})
	telemetry.KeysMinted.WithLabelValues(string(req.Type)).Inc()
	return &MintResult{Key: key, PublicID: public.PublicID, Secret: secret}, nil
}

// Rotate replaces keyID with a fresh credential carrying the same type,
// permissions, lineage, limits, and label. The old key is retired in the same
// transaction. Rotating an already retired key returns storage.ErrRetired.
func (m *Manager) Rotate(ctx context.Context, ownerID, keyID idcodec.ID) (*MintResult, error) {
	old, err := m.ownedKey(ctx, ownerID, keyID)
	if err != nil {
		return nil, err
	}
	if old.Retired() {
		return nil, storage.ErrRetired
	}

	now := m.now()
	replacement := &core.Key{
		ID:                 idcodec.New(),
		OwnerID:            old.OwnerID,
		Type:               old.Type,
		Permissions:        old.Permissions,
		Active:             true,
		IssuedByKeyID:      old.IssuedByKeyID,
		ParentKeyID:        old.ParentKeyID,
		InitialAuthorKeyID: old.InitialAuthorKeyID,
		RotatedFromID:      &old.ID,
		UseCountLimit:      old.UseCountLimit,
		DeviceLimit:        old.DeviceLimit,
		Label:              old.Label,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	secret, public, err := m.credentials(replacement, now)
	if err != nil {
		return nil, err
	}
	if err := m.keys.Rotate(ctx, replacement, public, old.ID, now); err != nil {
		return nil, err
	}

	m.recorder.Emit(ctx, audit.Event{
		ActorKind:   core.ActorKindOwner,
		ActorID:     ownerID,
		Action:      audit.ActionKeysRotate,
		SubjectKind: "key",
		SubjectID:   old.ID,
		Metadata:    map[string]any{"replacement_key_id": replacement.ID.String()},
	})
	return &MintResult{Key: replacement, PublicID: public.PublicID, Secret: secret}, nil
}

// SetActive flips the key's active flag and reports how many keys changed
// state. Deactivation with cascade also deactivates every transitive
// descendant; the whole operation emits a single audit event. The call is
// idempotent and never touches retirement.
func (m *Manager) SetActive(ctx context.Context, ownerID, keyID idcodec.ID, active, cascade bool) (int, error) {
	key, err := m.ownedKey(ctx, ownerID, keyID)
	if err != nil {
		return 0, err
	}

	var changed int
	if !active && cascade {
		descendants, err := m.keys.Descendants(ctx, key.ID)
		if err != nil {
			return 0, err
		}
		targets := make([]idcodec.ID, 0, len(descendants)+1)
		targets = append(targets, key.ID)
		for _, d := range descendants {
			targets = append(targets, d.ID)
		}
		changed, err = m.keys.DeactivateMany(ctx, targets, m.now())
		if err != nil {
			return 0, err
		}
	} else {
		flipped, err := m.keys.SetActive(ctx, key.ID, active, m.now())
		if err != nil {
			return 0, err
		}
		if flipped {
			changed = 1
		}
	}

	action := audit.ActionKeysActivate
	metadata := map[string]any{"keys_activated": changed}
	if !active {
		action = audit.ActionKeysDeactivate
		metadata = map[string]any{"keys_deactivated": changed}
	}
	m.recorder.Emit(ctx, audit.Event{
		ActorKind:   core.ActorKindOwner,
		ActorID:     ownerID,
		Action:      action,
		SubjectKind: "key",
		SubjectID:   key.ID,
		Metadata:    metadata,
	})
	return changed, nil
}

// Get loads one key in the owner's lineages.
func (m *Manager) Get(ctx context.Context, ownerID, keyID idcodec.ID) (*core.Key, error) {
	return m.ownedKey(ctx, ownerID, keyID)
}

// List pages through every key in the owner's lineages, newest first.
func (m *Manager) List(ctx context.Context, ownerID idcodec.ID, page storage.Page) ([]*core.Key, error) {
	roots, err := m.keys.PrimaryKeyIDs(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return m.keys.List(ctx, roots, page)
}

// Lineage returns the chain from the lineage root down to keyID.
func (m *Manager) Lineage(ctx context.Context, ownerID, keyID idcodec.ID) ([]*core.Key, error) {
	if _, err := m.ownedKey(ctx, ownerID, keyID); err != nil {
		return nil, err
	}
	return m.keys.Lineage(ctx, keyID)
}

// Descendants returns keyID's transitive children in breadth-first order.
func (m *Manager) Descendants(ctx context.Context, ownerID, keyID idcodec.ID) ([]idcodec.ID, error) {
	if _, err := m.ownedKey(ctx, ownerID, keyID); err != nil {
		return nil, err
	}
	descendants, err := m.keys.Descendants(ctx, keyID)
	if err != nil {
		return nil, err
	}
	ids := make([]idcodec.ID, 0, len(descendants))
	for _, d := range descendants {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// credentials mints the opaque secret, its hash, and the public identifier
// for a key about to be inserted.
func (m *Manager) credentials(key *core.Key, now time.Time) (string, *core.KeyPublicID, error) {
	secret, err := secrets.NewKeySecret()
	if err != nil {
		return "", nil, fmt.Errorf("generating key secret: %w", err)
	}
	hash, err := m.hasher.Hash(secret)
	if err != nil {
		return "", nil, fmt.Errorf("hashing key secret: %w", err)
	}
	key.SecretHash = hash

	public := &core.KeyPublicID{
		PublicID:  idcodec.NewPublicID(),
		KeyID:     key.ID,
		CreatedAt: now,
	}
	return secret, public, nil
}

// ownedKey loads keyID and verifies it sits in one of the owner's lineages.
// Keys outside the owner's reach are indistinguishable from missing ones.
func (m *Manager) ownedKey(ctx context.Context, ownerID, keyID idcodec.ID) (*core.Key, error) {
	key, err := m.keys.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	roots, err := m.keys.PrimaryKeyIDs(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(roots, key.InitialAuthorKeyID) {
		return nil, storage.ErrNotFound
	}
	return key, nil
}
