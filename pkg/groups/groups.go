// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package groups manages named key collections. Groups are an owner-side
// construct: owners create them and curate members from their own lineages;
// keys can only read the groups they belong to.
package groups

import (
	"context"
	"slices"
	"time"

	"github.com/keyloom/keyloom/pkg/audit"
	"github.com/keyloom/keyloom/pkg/authz"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
	"github.com/keyloom/keyloom/pkg/storage"
)

// Manager drives group CRUD and membership over the stores.
type Manager struct {
	groups   storage.GroupStore
	keys     storage.KeyStore
	eval     *authz.Evaluator
	recorder *audit.Recorder
	now      func() time.Time
}

// NewManager builds a Manager. A nil now uses the wall clock.
func NewManager(groups storage.GroupStore, keys storage.KeyStore, eval *authz.Evaluator, recorder *audit.Recorder, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{groups: groups, keys: keys, eval: eval, recorder: recorder, now: now}
}

// Create registers a new empty group. Names are unique per owner; a duplicate
// returns storage.ErrAlreadyExists.
func (m *Manager) Create(ctx context.Context, principal *core.Principal, name string) (*core.Group, error) {
	if err := m.eval.Require(ctx, principal, authz.ActionGroupsManage, idcodec.Nil); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	now := m.now()
	group := &core.Group{
		ID:        idcodec.New(),
		OwnerID:   principal.ID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.groups.Create(ctx, group); err != nil {
		return nil, err
	}

	m.recorder.Emit(ctx, audit.Event{
		ActorKind:   core.ActorKindOwner,
		ActorID:     principal.ID,
		Action:      audit.ActionGroupsCreate,
		SubjectKind: "group",
		SubjectID:   group.ID,
		Metadata:    map[string]any{"name": name},
	})
	return group, nil
}

// Get loads one of the owner's groups.
func (m *Manager) Get(ctx context.Context, principal *core.Principal, groupID idcodec.ID) (*core.Group, error) {
	if err := m.eval.Require(ctx, principal, authz.ActionGroupsManage, idcodec.Nil); err != nil {
		return nil, err
	}
	return m.ownedGroup(ctx, principal.ID, groupID)
}

// List pages through the owner's groups, newest first.
func (m *Manager) List(ctx context.Context, principal *core.Principal, page storage.Page) ([]*core.Group, error) {
	if err := m.eval.Require(ctx, principal, authz.ActionGroupsManage, idcodec.Nil); err != nil {
		return nil, err
	}
	return m.groups.ListByOwner(ctx, principal.ID, page)
}

// Delete removes a group, its memberships, and its grants-by-group.
func (m *Manager) Delete(ctx context.Context, principal *core.Principal, groupID idcodec.ID) error {
	if err := m.eval.Require(ctx, principal, authz.ActionGroupsManage, idcodec.Nil); err != nil {
		return err
	}
	if _, err := m.ownedGroup(ctx, principal.ID, groupID); err != nil {
		return err
	}
	if err := m.groups.Delete(ctx, groupID); err != nil {
		return err
	}

	m.recorder.Emit(ctx, audit.Event{
		ActorKind:   core.ActorKindOwner,
		ActorID:     principal.ID,
		Action:      audit.ActionGroupsDelete,
		SubjectKind: "group",
		SubjectID:   groupID,
	})
	return nil
}

// AddMember puts a key into a group. The key must sit in one of the owner's
// lineages; re-adding an existing member is a no-op.
func (m *Manager) AddMember(ctx context.Context, principal *core.Principal, groupID, keyID idcodec.ID) error {
	if err := m.eval.Require(ctx, principal, authz.ActionGroupsManage, idcodec.Nil); err != nil {
		return err
	}
	if _, err := m.ownedGroup(ctx, principal.ID, groupID); err != nil {
		return err
	}

	key, err := m.keys.Get(ctx, keyID)
	if err != nil {
		return err
	}
	roots, err := m.keys.PrimaryKeyIDs(ctx, principal.ID)
	if err != nil {
		return err
	}
	if !slices.Contains(roots, key.InitialAuthorKeyID) {
		return storage.ErrNotFound
	}

	if err := m.groups.AddMember(ctx, groupID, keyID, m.now()); err != nil {
		return err
	}

	m.recorder.Emit(ctx, audit.Event{
		ActorKind:   core.ActorKindOwner,
		ActorID:     principal.ID,
		Action:      audit.ActionGroupsMemberAdd,
		SubjectKind: "group",
		SubjectID:   groupID,
		Metadata:    map[string]any{"key_id": keyID.String()},
	})
	return nil
}

// RemoveMember takes a key out of a group. A missing membership returns
// storage.ErrNotFound.
func (m *Manager) RemoveMember(ctx context.Context, principal *core.Principal, groupID, keyID idcodec.ID) error {
	if err := m.eval.Require(ctx, principal, authz.ActionGroupsManage, idcodec.Nil); err != nil {
		return err
	}
	if _, err := m.ownedGroup(ctx, principal.ID, groupID); err != nil {
		return err
	}
	if err := m.groups.RemoveMember(ctx, groupID, keyID); err != nil {
		return err
	}

	m.recorder.Emit(ctx, audit.Event{
		ActorKind:   core.ActorKindOwner,
		ActorID:     principal.ID,
		Action:      audit.ActionGroupsMemberRemove,
		SubjectKind: "group",
		SubjectID:   groupID,
		Metadata:    map[string]any{"key_id": keyID.String()},
	})
	return nil
}

// Members returns the member key IDs of one of the owner's groups.
func (m *Manager) Members(ctx context.Context, principal *core.Principal, groupID idcodec.ID) ([]idcodec.ID, error) {
	if err := m.eval.Require(ctx, principal, authz.ActionGroupsManage, idcodec.Nil); err != nil {
		return nil, err
	}
	if _, err := m.ownedGroup(ctx, principal.ID, groupID); err != nil {
		return nil, err
	}
	return m.groups.Members(ctx, groupID)
}

// ListForKey pages through the groups the key principal belongs to.
func (m *Manager) ListForKey(ctx context.Context, principal *core.Principal, page storage.Page) ([]*core.Group, error) {
	if err := m.eval.Require(ctx, principal, authz.ActionGroupsRead, idcodec.Nil); err != nil {
		return nil, err
	}
	return m.groups.ListForKey(ctx, principal.ID, page)
}

// ownedGroup loads groupID and hides groups of other owners.
func (m *Manager) ownedGroup(ctx context.Context, ownerID, groupID idcodec.ID) (*core.Group, error) {
	group, err := m.groups.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group.OwnerID != ownerID {
		return nil, storage.ErrNotFound
	}
	return group, nil
}

func validateName(name string) error {
	if name == "" {
		return &core.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if len(name) > 255 {
		return &core.ValidationError{Field: "name", Message: "must be at most 255 characters"}
	}
	return nil
}
