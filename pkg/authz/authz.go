// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package authz evaluates whether an authenticated principal may perform an
// action, optionally against one post. Post-scoped denials distinguish
// not_found (the caller may not learn the post exists) from forbidden (the
// caller sees the post but lacks the capability or mask bit).
package authz

import (
	"context"
	"fmt"

	"github.com/keyloom/keyloom/pkg/accessmask"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
	"github.com/keyloom/keyloom/pkg/permissions"
	"github.com/keyloom/keyloom/pkg/storage"
	"github.com/keyloom/keyloom/pkg/telemetry"
)

// Action names one guarded operation. The set is closed; handlers pick from
// these constants.
type Action string

// Owner-surface actions.
const (
	ActionKeysMintPrimary     Action = "keys:mint_primary"
	ActionKeysRead            Action = "keys:read"
	ActionKeysRotate          Action = "keys:rotate"
	ActionKeysSetState        Action = "keys:set_state"
	ActionGroupsManage        Action = "groups:manage"
	ActionPostsAdminRead      Action = "posts:admin_read"
	ActionGrantsManageAsOwner Action = "grants:manage_as_owner"
)

// Key-surface actions.
const (
	ActionKeysMintChild   Action = "keys:mint_child"
	ActionPostsCreate     Action = "posts:create"
	ActionPostsList       Action = "posts:list"
	ActionPostsRead       Action = "posts:read"
	ActionCommentsWrite   Action = "comments:write"
	ActionGrantsManage    Action = "grants:manage"
	ActionGroupsRead      Action = "groups:read"
	ActionKeychainsManage Action = "keychains:manage"
)

// DenyKind distinguishes the two refusal surfaces.
type DenyKind string

// Enumerated deny kinds.
const (
	DenyNotFound  DenyKind = "not_found"
	DenyForbidden DenyKind = "forbidden"
)

// Decision is the outcome of one authorization check.
type Decision struct {
	Allowed bool
	Deny    DenyKind

	// MissingCapability names the capability the principal lacked. Set only
	// when the principal was allowed to learn the resource exists.
	MissingCapability string

	Details map[string]any
}

// Err returns nil for an allowed decision and a *DeniedError otherwise, so
// services can thread denials through ordinary error returns.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Decision: d}
}

// DeniedError wraps a deny decision. Surfaces unwrap it to pick the
// not_found or forbidden envelope.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	if e.Decision.Deny == DenyNotFound {
		return "not found"
	}
	if e.Decision.MissingCapability != "" {
		return fmt.Sprintf("forbidden: missing capability %s", e.Decision.MissingCapability)
	}
	return "forbidden"
}

type actionSpec struct {
	capability string
	surface    core.PrincipalKind

	// postScoped actions resolve the principal's access mask first so that
	// visibility hiding takes precedence over capability denials.
	postScoped bool

	// mask is the bit required on the resolved access mask, beyond VIEW.
	mask accessmask.Mask
}

var actionTable = map[Action]actionSpec{
	ActionKeysMintPrimary:     {capability: permissions.KeysIssue, surface: core.PrincipalKindOwner},
	ActionKeysRead:            {capability: permissions.KeysRead, surface: core.PrincipalKindOwner},
	ActionKeysRotate:          {capability: permissions.KeysRotate, surface: core.PrincipalKindOwner},
	ActionKeysSetState:        {capability: permissions.KeysStateUpdate, surface: core.PrincipalKindOwner},
	ActionGroupsManage:        {capability: permissions.GroupsManage, surface: core.PrincipalKindOwner},
	ActionPostsAdminRead:      {capability: permissions.PostsAdminRead, surface: core.PrincipalKindOwner},
	ActionGrantsManageAsOwner: {capability: permissions.PostsAccessManage, surface: core.PrincipalKindOwner},

	ActionKeysMintChild:   {capability: permissions.KeysIssue, surface: core.PrincipalKindKey},
	ActionPostsCreate:     {capability: permissions.PostsCreate, surface: core.PrincipalKindKey},
	ActionPostsList:       {capability: permissions.PostsRead, surface: core.PrincipalKindKey},
	ActionPostsRead:       {capability: permissions.PostsRead, surface: core.PrincipalKindKey, postScoped: true, mask: accessmask.View},
	ActionCommentsWrite:   {capability: permissions.CommentsWrite, surface: core.PrincipalKindKey, postScoped: true, mask: accessmask.Comment},
	ActionGrantsManage:    {capability: permissions.PostsAccessManage, surface: core.PrincipalKindKey, postScoped: true, mask: accessmask.ManageAccess},
	ActionGroupsRead:      {capability: permissions.GroupsRead, surface: core.PrincipalKindKey},
	ActionKeychainsManage: {capability: permissions.KeychainsManage, surface: core.PrincipalKindKey},
}

// useKeyBlocked lists the actions a use key may never perform even if its
// token somehow asserts the capability.
var useKeyBlocked = map[Action]struct{}{
	ActionPostsCreate:   {},
	ActionKeysMintChild: {},
}

func init() {
	for action, spec := range actionTable {
		scope := permissions.ScopeOwner
		if spec.surface == core.PrincipalKindKey {
			scope = permissions.ScopeKey
		}
		if !permissions.InScope(scope, spec.capability) {
			panic(fmt.Sprintf("authz: action %q requires %q which is outside the %s scope", action, spec.capability, scope))
		}
		if spec.mask != 0 && !spec.postScoped {
			panic(fmt.Sprintf("authz: action %q has a mask but is not post-scoped", action))
		}
	}
}

// Evaluator resolves authorization decisions against the grant and group
// stores.
type Evaluator struct {
	grants storage.GrantStore
	groups storage.GroupStore
}

// NewEvaluator builds an Evaluator.
func NewEvaluator(grants storage.GrantStore, groups storage.GroupStore) *Evaluator {
	return &Evaluator{grants: grants, groups: groups}
}

// Authorize decides whether principal may perform action. postID is required
// for post-scoped actions and ignored otherwise.
func (e *Evaluator) Authorize(ctx context.Context, principal *core.Principal, action Action, postID idcodec.ID) (Decision, error) {
	spec, ok := actionTable[action]
	if !ok {
		return Decision{}, fmt.Errorf("unknown action %q", action)
	}
	if principal.Kind != spec.surface {
		return e.observe(Decision{Deny: DenyForbidden}), nil
	}

	hasCapability := principal.HasPermission(spec.capability)

	if !spec.postScoped {
		if !hasCapability {
			return e.observe(Decision{Deny: DenyForbidden, MissingCapability: spec.capability}), nil
		}
		if _, blocked := useKeyBlocked[action]; blocked && principal.KeyType == core.KeyTypeUse {
			return e.observe(Decision{
				Deny:    DenyForbidden,
				Details: map[string]any{"key_type": string(core.KeyTypeUse)},
			}), nil
		}
		return e.observe(Decision{Allowed: true}), nil
	}

	if postID == idcodec.Nil {
		return Decision{}, fmt.Errorf("action %q requires a post", action)
	}

	// Visibility before capability: a principal without VIEW must not learn
	// whether the post exists, whatever its token asserts.
	groupIDs, err := e.groups.GroupsForKey(ctx, principal.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("resolving group memberships: %w", err)
	}
	mask, err := e.grants.ResolveAccessMask(ctx, postID, principal.ID, groupIDs)
	if err != nil {
		return Decision{}, fmt.Errorf("resolving access mask: %w", err)
	}
	if !mask.Has(accessmask.View) {
		return e.observe(Decision{Deny: DenyNotFound}), nil
	}

	if !hasCapability {
		return e.observe(Decision{Deny: DenyForbidden, MissingCapability: spec.capability}), nil
	}
	if !mask.Has(spec.mask) {
		return e.observe(Decision{
			Deny:    DenyForbidden,
			Details: map[string]any{"required_mask": spec.mask.String()},
		}), nil
	}
	return e.observe(Decision{Allowed: true}), nil
}

// Require is Authorize collapsed to an error: nil when allowed, a
// *DeniedError when denied.
func (e *Evaluator) Require(ctx context.Context, principal *core.Principal, action Action, postID idcodec.ID) error {
	decision, err := e.Authorize(ctx, principal, action, postID)
	if err != nil {
		return err
	}
	return decision.Err()
}

// AuthorizeFeed guards the use-key feed path. The URL-supplied key must be
// the authenticated principal itself; any mismatch is indistinguishable from
// a feed that does not exist.
func (e *Evaluator) AuthorizeFeed(principal *core.Principal, urlKeyID idcodec.ID) Decision {
	if !principal.IsKey() || principal.ID != urlKeyID {
		return e.observe(Decision{Deny: DenyNotFound})
	}
	if !principal.HasPermission(permissions.PostsRead) {
		return e.observe(Decision{Deny: DenyForbidden, MissingCapability: permissions.PostsRead})
	}
	return e.observe(Decision{Allowed: true})
}

func (e *Evaluator) observe(d Decision) Decision {
	switch {
	case d.Allowed:
		telemetry.AuthzDecisions.WithLabelValues("allow").Inc()
	case d.Deny == DenyNotFound:
		telemetry.AuthzDecisions.WithLabelValues("not_found").Inc()
	default:
		telemetry.AuthzDecisions.WithLabelValues("forbidden").Inc()
	}
	return d
}
