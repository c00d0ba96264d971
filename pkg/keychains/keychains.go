// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package keychains manages lineage-scoped key collections on the gateway
// surface. A keychain and all of its member keys share one lineage root;
// nothing outside that lineage can see the keychain or be added to it.
package keychains

import (
	"context"
	"time"

	"github.com/keyloom/keyloom/pkg/audit"
	"github.com/keyloom/keyloom/pkg/authz"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
	"github.com/keyloom/keyloom/pkg/storage"
)

// Manager drives keychain CRUD and membership over the stores.
type Manager struct {
	keychains storage.KeychainStore
	keys      storage.KeyStore
	eval      *authz.Evaluator
	recorder  *audit.Recorder
	now       func() time.Time
}

// NewManager builds a Manager. A nil now uses the wall clock.
func NewManager(keychains storage.KeychainStore, keys storage.KeyStore, eval *authz.Evaluator, recorder *audit.Recorder, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{keychains: keychains, keys: keys, eval: eval, recorder: recorder, now: now}
}

// Create registers a keychain rooted at the principal's lineage.
func (m *Manager) Create(ctx context.Context, principal *core.Principal, name string) (*core.Keychain, error) {
	if err := m.eval.Require(ctx, principal, authz.ActionKeychainsManage, idcodec.Nil); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, &core.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if len(name) > 255 {
		return nil, &core.ValidationError{Field: "name", Message: "must be at most 255 characters"}
	}

	now := m.now()
	keychain := &core.Keychain{
		ID:                 idcodec.New(),
		InitialAuthorKeyID: principal.InitialAuthorKeyID,
		Name:               name,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.keychains.Create(ctx, keychain); err != nil {
		return nil, err
	}

	m.recorder.Emit(ctx, audit.Event{
		ActorKind:   core.ActorKindKey,
		ActorID:     principal.ID,
		Action:      audit.ActionKeychainsCreate,
		SubjectKind: "keychain",
		SubjectID:   keychain.ID,
		Metadata:    map[string]any{"name": name},
	})
	return keychain, nil
}

// Get loads one keychain in the principal's lineage.
func (m *Manager) Get(ctx context.Context, principal *core.Principal, keychainID idcodec.ID) (*core.Keychain, error) {
	if err := m.eval.Require(ctx, principal, authz.ActionKeychainsManage, idcodec.Nil); err != nil {
		return nil, err
	}
	return m.scopedKeychain(ctx, principal, keychainID)
}

// List pages through the lineage's keychains, newest first.
func (m *Manager) List(ctx context.Context, principal *core.Principal, page storage.Page) ([]*core.Keychain, error) {
	if err := m.eval.Require(ctx, principal, authz.ActionKeychainsManage, idcodec.Nil); err != nil {
		return nil, err
	}
	return m.keychains.ListByLineage(ctx, principal.InitialAuthorKeyID, page)
}

// Delete removes a keychain and its memberships.
func (m *Manager) Delete(ctx context.Context, principal *core.Principal, keychainID idcodec.ID) error {
	if err := m.eval.Require(ctx, principal, authz.ActionKeychainsManage, idcodec.Nil); err != nil {
		return err
	}
	if _, err := m.scopedKeychain(ctx, principal, keychainID); err != nil {
		return err
	}
	if err := m.keychains.Delete(ctx, keychainID); err != nil {
		return err
	}

	m.recorder.Emit(ctx, audit.Event{
		ActorKind:   core.ActorKindKey,
		ActorID:     principal.ID,
		Action:      audit.ActionKeychainsDelete,
		SubjectKind: "keychain",
		SubjectID:   keychainID,
	})
	return nil
}

// AddKey puts a key onto the keychain. The key must share the keychain's
// lineage root; anything else is indistinguishable from a missing key.
// Re-adding an existing member is a no-op.
func (m *Manager) AddKey(ctx context.Context, principal *core.Principal, keychainID, keyID idcodec.ID) error {
	if err := m.eval.Require(ctx, principal, authz.ActionKeychainsManage, idcodec.Nil); err != nil {
		return err
	}
	keychain, err := m.scopedKeychain(ctx, principal, keychainID)
	if err != nil {
		return err
	}

	key, err := m.keys.Get(ctx, keyID)
	if err != nil {
		return err
	}
	if !key.BelongsToLineage(keychain.InitialAuthorKeyID) {
		return storage.ErrNotFound
	}

	if err := m.keychains.AddKey(ctx, keychainID, keyID, m.now()); err != nil {
		return err
	}

	m.recorder.Emit(ctx, audit.Event{
		ActorKind:   core.ActorKindKey,
		ActorID:     principal.ID,
		Action:      audit.ActionKeychainsMemberAdd,
		SubjectKind: "keychain",
		SubjectID:   keychainID,
		Metadata:    map[string]any{"key_id": keyID.String()},
	})
	return nil
}

// RemoveKey takes a key off the keychain. A missing membership returns
// storage.ErrNotFound.
func (m *Manager) RemoveKey(ctx context.Context, principal *core.Principal, keychainID, keyID idcodec.ID) error {
	if err := m.eval.Require(ctx, principal, authz.ActionKeychainsManage, idcodec.Nil); err != nil {
		return err
	}
	if _, err := m.scopedKeychain(ctx, principal, keychainID); err != nil {
		return err
	}
	if err := m.keychains.RemoveKey(ctx, keychainID, keyID); err != nil {
		return err
	}

	m.recorder.Emit(ctx, audit.Event{
		ActorKind:   core.ActorKindKey,
		ActorID:     principal.ID,
		Action:      audit.ActionKeychainsMemberRemove,
		SubjectKind: "keychain",
		SubjectID:   keychainID,
		Metadata:    map[string]any{"key_id": keyID.String()},
	})
	return nil
}

// Keys returns the member key IDs of one keychain in the principal's lineage.
func (m *Manager) Keys(ctx context.Context, principal *core.Principal, keychainID idcodec.ID) ([]idcodec.ID, error) {
	if err := m.eval.Require(ctx, principal, authz.ActionKeychainsManage, idcodec.Nil); err != nil {
		return nil, err
	}
	if _, err := m.scopedKeychain(ctx, principal, keychainID); err != nil {
		return nil, err
	}
	return m.keychains.Keys(ctx, keychainID)
}

// scopedKeychain hides keychains rooted in other lineages.
func (m *Manager) scopedKeychain(ctx context.Context, principal *core.Principal, keychainID idcodec.ID) (*core.Keychain, error) {
	keychain, err := m.keychains.Get(ctx, keychainID)
	if err != nil {
		return nil, err
	}
	if keychain.InitialAuthorKeyID != principal.InitialAuthorKeyID {
		return nil, storage.ErrNotFound
	}
	return keychain, nil
}
