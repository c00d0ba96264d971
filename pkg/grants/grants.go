// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package grants manages per-post access grants. Grants come in over two
// surfaces: keys holding MANAGE_ACCESS on the post, and owners administering
// posts authored inside their lineages.
package grants

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/keyloom/keyloom/pkg/accessmask"
	"github.com/keyloom/keyloom/pkg/audit"
	"github.com/keyloom/keyloom/pkg/authz"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
	"github.com/keyloom/keyloom/pkg/storage"
)

// UpsertRequest names the grant target and the mask to store.
type UpsertRequest struct {
	PostID     idcodec.ID
	TargetKind core.TargetKind
	TargetID   idcodec.ID
	Mask       accessmask.Mask
}

// Manager validates and applies grant changes.
type Manager struct {
	grants   storage.GrantStore
	posts    storage.PostStore
	keys     storage.KeyStore
	groups   storage.GroupStore
	eval     *authz.Evaluator
	recorder *audit.Recorder
	now      func() time.Time
}

// NewManager builds a Manager. A nil now uses the wall clock.
func NewManager(
	grants storage.GrantStore,
	posts storage.PostStore,
	keys storage.KeyStore,
	groups storage.GroupStore,
	eval *authz.Evaluator,
	recorder *audit.Recorder,
	now func() time.Time,
) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{grants: grants, posts: posts, keys: keys, groups: groups, eval: eval, recorder: recorder, now: now}
}

// UpsertAsKey applies a grant on behalf of a key principal holding
// MANAGE_ACCESS on the post. Re-upserting replaces the mask.
func (m *Manager) UpsertAsKey(ctx context.Context, principal *core.Principal, req UpsertRequest) (*core.PostAccessGrant, error) {
	if err := m.eval.Require(ctx, principal, authz.ActionGrantsManage, req.PostID); err != nil {
		return nil, err
	}
	return m.upsert(ctx, principal, req)
}

// UpsertAsOwner applies a grant on behalf of an owner over a post authored in
// one of the owner's lineages. Posts outside the owner's reach are
// indistinguishable from missing ones.
func (m *Manager) UpsertAsOwner(ctx context.Context, principal *core.Principal, req UpsertRequest) (*core.PostAccessGrant, error) {
	if err := m.eval.Require(ctx, principal, authz.ActionGrantsManageAsOwner, idcodec.Nil); err != nil {
		return nil, err
	}
	if err := m.requireOwnedPost(ctx, principal.ID, req.PostID); err != nil {
		return nil, err
	}
	return m.upsert(ctx, principal, req)
}

// RevokeAsKey deletes a grant on behalf of a key principal.
func (m *Manager) RevokeAsKey(ctx context.Context, principal *core.Principal, postID idcodec.ID, kind core.TargetKind, targetID idcodec.ID) error {
	if err := m.eval.Require(ctx, principal, authz.ActionGrantsManage, postID); err != nil {
		return err
	}
	return m.revoke(ctx, principal, postID, kind, targetID)
}

// RevokeAsOwner deletes a grant on behalf of an owner.
func (m *Manager) RevokeAsOwner(ctx context.Context, principal *core.Principal, postID idcodec.ID, kind core.TargetKind, targetID idcodec.ID) error {
	if err := m.eval.Require(ctx, principal, authz.ActionGrantsManageAsOwner, idcodec.Nil); err != nil {
		return err
	}
	if err := m.requireOwnedPost(ctx, principal.ID, postID); err != nil {
		return err
	}
	return m.revoke(ctx, principal, postID, kind, targetID)
}

func (m *Manager) upsert(ctx context.Context, principal *core.Principal, req UpsertRequest) (*core.PostAccessGrant, error) {
	if !req.TargetKind.Valid() {
		return nil, &core.ValidationError{Field: "target_kind", Message: "must be key or group"}
	}
	if !accessmask.ValidGrant(req.Mask) {
		return nil, &core.ValidationError{Field: "permission_mask", Message: "must set at least one known bit"}
	}
	if err := m.requireTarget(ctx, req.TargetKind, req.TargetID); err != nil {
		return nil, err
	}

	now := m.now()
	grant := &core.PostAccessGrant{
		ID:         idcodec.New(),
		PostID:     req.PostID,
		TargetKind: req.TargetKind,
		TargetID:   req.TargetID,
		Mask:       req.Mask,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.grants.Upsert(ctx, grant); err != nil {
		return nil, err
	}

	m.recorder.Emit(ctx, audit.Event{
		ActorKind:   actorKind(principal),
		ActorID:     principal.ID,
		Action:      audit.ActionGrantsUpsert,
		SubjectKind: "post",
		SubjectID:   req.PostID,
		Metadata: map[string]any{
			"target_kind":     string(req.TargetKind),
			"target_id":       req.TargetID.String(),
			"permission_mask": req.Mask.String(),
		},
	})
	return grant, nil
}

func (m *Manager) revoke(ctx context.Context, principal *core.Principal, postID idcodec.ID, kind core.TargetKind, targetID idcodec.ID) error {
	if !kind.Valid() {
		return &core.ValidationError{Field: "target_kind", Message: "must be key or group"}
	}
	if err := m.grants.Revoke(ctx, postID, kind, targetID); err != nil {
		return err
	}

	m.recorder.Emit(ctx, audit.Event{
		ActorKind:   actorKind(principal),
		ActorID:     principal.ID,
		Action:      audit.ActionGrantsRevoke,
		SubjectKind: "post",
		SubjectID:   postID,
		Metadata: map[string]any{
			"target_kind": string(kind),
			"target_id":   targetID.String(),
		},
	})
	return nil
}

// requireTarget verifies the grant target exists.
func (m *Manager) requireTarget(ctx context.Context, kind core.TargetKind, targetID idcodec.ID) error {
	var err error
	switch kind {
	case core.TargetKindKey:
		_, err = m.keys.Get(ctx, targetID)
	case core.TargetKindGroup:
		_, err = m.groups.Get(ctx, targetID)
	}
	if err != nil {
		return fmt.Errorf("grant target: %w", err)
	}
	return nil
}

// requireOwnedPost hides posts authored outside the owner's lineages.
func (m *Manager) requireOwnedPost(ctx context.Context, ownerID, postID idcodec.ID) error {
	root, err := m.posts.InitialAuthorKey(ctx, postID)
	if err != nil {
		return err
	}
	roots, err := m.keys.PrimaryKeyIDs(ctx, ownerID)
	if err != nil {
		return err
	}
	if !slices.Contains(roots, root) {
		return storage.ErrNotFound
	}
	return nil
}

func actorKind(principal *core.Principal) core.ActorKind {
	if principal.IsOwner() {
		return core.ActorKindOwner
	}
	return core.ActorKindKey
}
