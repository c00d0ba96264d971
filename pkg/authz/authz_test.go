// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keyloom/keyloom/pkg/accessmask"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
	"github.com/keyloom/keyloom/pkg/permissions"
	"github.com/keyloom/keyloom/pkg/storage"
	"github.com/keyloom/keyloom/pkg/storage/sqlite"
)

var evalTime = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	eval   *Evaluator
	stores *storage.Stores
	owner  *core.Owner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sqlite.Open(context.Background(), &sqlite.Config{Path: filepath.Join(t.TempDir(), "keyloom.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	stores := sqlite.NewStores(db)
	owner := &core.Owner{
		ID:           idcodec.New(),
		Email:        "authz@keyloom.test",
		PasswordHash: "$argon2id$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$Zm9vYmFyYmF6cXV4Zm9vYmFyYmF6cXV4Zm9vYmFyYmE",
		CreatedAt:    evalTime,
		UpdatedAt:    evalTime,
	}
	require.NoError(t, stores.Owners.Create(context.Background(), owner))

	return &testEnv{
		eval:   NewEvaluator(stores.Grants, stores.Groups),
		stores: stores,
		owner:  owner,
	}
}

// seedKey persists a primary key and returns a key principal carrying the
// given token permissions.
func (env *testEnv) seedKey(t *testing.T, perms ...string) *core.Principal {
	t.Helper()
	id := idcodec.New()
	key := &core.Key{
		ID:                 id,
		OwnerID:            &env.owner.ID,
		Type:               core.KeyTypePrimary,
		SecretHash:         "hash-" + id.String()[:8],
		Permissions:        perms,
		Active:             true,
		InitialAuthorKeyID: id,
		CreatedAt:          evalTime,
		UpdatedAt:          evalTime,
	}
	public := &core.KeyPublicID{PublicID: idcodec.NewPublicID(), KeyID: id, CreatedAt: evalTime}
	require.NoError(t, env.stores.Keys.CreatePrimary(context.Background(), key, public))
	return &core.Principal{
		Kind:               core.PrincipalKindKey,
		ID:                 id,
		KeyType:            core.KeyTypePrimary,
		InitialAuthorKeyID: id,
		Permissions:        perms,
	}
}

// seedPost persists a post authored by the author principal's key, with the
// standard seeded author grant.
func (env *testEnv) seedPost(t *testing.T, author *core.Principal) *core.Post {
	t.Helper()
	post := &core.Post{
		ID:                 idcodec.New(),
		InitialAuthorKeyID: author.InitialAuthorKeyID,
		Title:              "release notes",
		Body:               "v1 ships tuesday",
		CreatedAt:          evalTime,
		UpdatedAt:          evalTime,
	}
	grant := &core.PostAccessGrant{
		ID:         idcodec.New(),
		PostID:     post.ID,
		TargetKind: core.TargetKindKey,
		TargetID:   author.ID,
		Mask:       accessmask.View | accessmask.Comment | accessmask.ManageAccess,
		CreatedAt:  evalTime,
		UpdatedAt:  evalTime,
	}
	require.NoError(t, env.stores.Posts.Create(context.Background(), post, grant))
	return post
}

func (env *testEnv) grant(t *testing.T, postID idcodec.ID, kind core.TargetKind, targetID idcodec.ID, mask accessmask.Mask) {
	t.Helper()
	require.NoError(t, env.stores.Grants.Upsert(context.Background(), &core.PostAccessGrant{
		ID:         idcodec.New(),
		PostID:     postID,
		TargetKind: kind,
		TargetID:   targetID,
		Mask:       mask,
		CreatedAt:  evalTime,
		UpdatedAt:  evalTime,
	}))
}

func ownerPrincipal(id idcodec.ID, perms ...string) *core.Principal {
	return &core.Principal{
		Kind:        core.PrincipalKindOwner,
		ID:          id,
		Permissions: perms,
		Roles:       []string{"owner"},
	}
}

func TestOwnerSurfaceActions(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	full := ownerPrincipal(env.owner.ID, permissions.OwnerScope()...)
	for _, action := range []Action{
		ActionKeysMintPrimary, ActionKeysRead, ActionKeysRotate, ActionKeysSetState,
		ActionGroupsManage, ActionPostsAdminRead, ActionGrantsManageAsOwner,
	} {
		decision, err := env.eval.Authorize(ctx, full, action, idcodec.Nil)
		require.NoError(t, err)
		require.True(t, decision.Allowed, "action %s", action)
	}

	t.Run("missing capability", func(t *testing.T) {
		limited := ownerPrincipal(env.owner.ID, permissions.KeysRead)
		decision, err := env.eval.Authorize(ctx, limited, ActionKeysRotate, idcodec.Nil)
		require.NoError(t, err)
		require.False(t, decision.Allowed)
		require.Equal(t, DenyForbidden, decision.Deny)
		require.Equal(t, permissions.KeysRotate, decision.MissingCapability)
	})

	t.Run("surface mismatch", func(t *testing.T) {
		key := env.seedKey(t, permissions.PostsRead)
		decision, err := env.eval.Authorize(ctx, key, ActionKeysRotate, idcodec.Nil)
		require.NoError(t, err)
		require.False(t, decision.Allowed)
		require.Equal(t, DenyForbidden, decision.Deny)
	})
}

func TestPostVisibility(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	author := env.seedKey(t, permissions.PostsCreate, permissions.PostsRead, permissions.CommentsWrite)
	stranger := env.seedKey(t, permissions.PostsRead, permissions.CommentsWrite)
	post := env.seedPost(t, author)

	t.Run("author reads own post", func(t *testing.T) {
		decision, err := env.eval.Authorize(ctx, author, ActionPostsRead, post.ID)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	})

	t.Run("hidden post is not found", func(t *testing.T) {
		decision, err := env.eval.Authorize(ctx, stranger, ActionPostsRead, post.ID)
		require.NoError(t, err)
		require.Equal(t, DenyNotFound, decision.Deny)
	})

	t.Run("hiding precedes capability denial", func(t *testing.T) {
		// No VIEW bit and no posts:read capability: the principal must still
		// see not_found, not forbidden.
		bare := env.seedKey(t)
		decision, err := env.eval.Authorize(ctx, bare, ActionPostsRead, post.ID)
		require.NoError(t, err)
		require.Equal(t, DenyNotFound, decision.Deny)
		require.Empty(t, decision.MissingCapability)
	})

	t.Run("nonexistent post is not found", func(t *testing.T) {
		decision, err := env.eval.Authorize(ctx, author, ActionPostsRead, idcodec.New())
		require.NoError(t, err)
		require.Equal(t, DenyNotFound, decision.Deny)
	})

	env.grant(t, post.ID, core.TargetKindKey, stranger.ID, accessmask.View)

	t.Run("granted view allows read", func(t *testing.T) {
		decision, err := env.eval.Authorize(ctx, stranger, ActionPostsRead, post.ID)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	})

	t.Run("view without comment bit forbids commenting", func(t *testing.T) {
		decision, err := env.eval.Authorize(ctx, stranger, ActionCommentsWrite, post.ID)
		require.NoError(t, err)
		require.Equal(t, DenyForbidden, decision.Deny)
		require.Empty(t, decision.MissingCapability)
		require.Equal(t, map[string]any{"required_mask": "comment"}, decision.Details)
	})

	t.Run("capability missing after view passes", func(t *testing.T) {
		viewer := env.seedKey(t) // no capabilities at all
		env.grant(t, post.ID, core.TargetKindKey, viewer.ID, accessmask.View)
		decision, err := env.eval.Authorize(ctx, viewer, ActionPostsRead, post.ID)
		require.NoError(t, err)
		require.Equal(t, DenyForbidden, decision.Deny)
		require.Equal(t, permissions.PostsRead, decision.MissingCapability)
	})

	env.grant(t, post.ID, core.TargetKindKey, stranger.ID, accessmask.View|accessmask.Comment)

	t.Run("comment bit admits commenting", func(t *testing.T) {
		decision, err := env.eval.Authorize(ctx, stranger, ActionCommentsWrite, post.ID)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	})
}

func TestGroupMaskMerge(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	author := env.seedKey(t, permissions.PostsCreate, permissions.PostsRead)
	member := env.seedKey(t, permissions.PostsRead, permissions.CommentsWrite)
	post := env.seedPost(t, author)

	group := &core.Group{
		ID:        idcodec.New(),
		OwnerID:   env.owner.ID,
		Name:      "editors",
		CreatedAt: evalTime,
		UpdatedAt: evalTime,
	}
	require.NoError(t, env.stores.Groups.Create(ctx, group))
	require.NoError(t, env.stores.Groups.AddMember(ctx, group.ID, member.ID, evalTime))

	// VIEW arrives directly, COMMENT through the group; the effective mask is
	// the union.
	env.grant(t, post.ID, core.TargetKindKey, member.ID, accessmask.View)
	env.grant(t, post.ID, core.TargetKindGroup, group.ID, accessmask.Comment)

	decision, err := env.eval.Authorize(ctx, member, ActionCommentsWrite, post.ID)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestUseKeyGuards(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	// A use key whose token somehow asserts the blocked capabilities is still
	// denied.
	useKey := &core.Principal{
		Kind:        core.PrincipalKindKey,
		ID:          idcodec.New(),
		KeyType:     core.KeyTypeUse,
		Permissions: []string{permissions.PostsCreate, permissions.KeysIssue},
	}

	for _, action := range []Action{ActionPostsCreate, ActionKeysMintChild} {
		decision, err := env.eval.Authorize(ctx, useKey, action, idcodec.Nil)
		require.NoError(t, err)
		require.False(t, decision.Allowed, "action %s", action)
		require.Equal(t, DenyForbidden, decision.Deny)
		require.Equal(t, map[string]any{"key_type": "use"}, decision.Details)
	}
}

func TestFeedGuard(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	reader := &core.Principal{
		Kind:        core.PrincipalKindKey,
		ID:          idcodec.New(),
		KeyType:     core.KeyTypeUse,
		Permissions: []string{permissions.PostsRead},
	}

	t.Run("own feed", func(t *testing.T) {
		decision := env.eval.AuthorizeFeed(reader, reader.ID)
		require.True(t, decision.Allowed)
	})

	t.Run("foreign feed is not found", func(t *testing.T) {
		decision := env.eval.AuthorizeFeed(reader, idcodec.New())
		require.Equal(t, DenyNotFound, decision.Deny)
	})

	t.Run("owner principal gets not found", func(t *testing.T) {
		decision := env.eval.AuthorizeFeed(ownerPrincipal(env.owner.ID, permissions.OwnerScope()...), reader.ID)
		require.Equal(t, DenyNotFound, decision.Deny)
	})

	t.Run("missing read capability", func(t *testing.T) {
		bare := &core.Principal{Kind: core.PrincipalKindKey, ID: idcodec.New(), KeyType: core.KeyTypeUse}
		decision := env.eval.AuthorizeFeed(bare, bare.ID)
		require.Equal(t, DenyForbidden, decision.Deny)
		require.Equal(t, permissions.PostsRead, decision.MissingCapability)
	})
}

func TestAuthorizeErrors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	key := env.seedKey(t, permissions.PostsRead)

	t.Run("unknown action", func(t *testing.T) {
		_, err := env.eval.Authorize(ctx, key, Action("posts:destroy"), idcodec.Nil)
		require.Error(t, err)
	})

	t.Run("post-scoped action without post", func(t *testing.T) {
		_, err := env.eval.Authorize(ctx, key, ActionPostsRead, idcodec.Nil)
		require.Error(t, err)
	})
}
