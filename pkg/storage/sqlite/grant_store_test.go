// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyloom/keyloom/pkg/accessmask"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
	"github.com/keyloom/keyloom/pkg/storage"
)

func TestGrantStoreUpsertReplaces(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	store := NewGrantStore(db)
	owner := seedOwner(t, db, uniqueEmail("grants"))
	author := seedPrimaryKey(t, db, owner, at(1))
	reader := seedChildKey(t, db, author, core.KeyTypeUse, at(2))
	post := seedPost(t, db, author, "hello", at(3))

	first := grantFixture(post.ID, core.TargetKindKey, reader.ID, accessmask.View|accessmask.Comment, at(4))
	require.NoError(t, store.Upsert(context.Background(), first))

	mask, err := store.ResolveAccessMask(context.Background(), post.ID, reader.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, accessmask.View|accessmask.Comment, mask)

	// A second grant replaces the mask outright rather than accumulating.
	second := grantFixture(post.ID, core.TargetKindKey, reader.ID, accessmask.View, at(5))
	require.NoError(t, store.Upsert(context.Background(), second))

	mask, err = store.ResolveAccessMask(context.Background(), post.ID, reader.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, accessmask.View, mask)
}

func TestGrantStoreResolveMergesGroups(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	store := NewGrantStore(db)
	groups := NewGroupStore(db)
	owner := seedOwner(t, db, uniqueEmail("grants-merge"))
	author := seedPrimaryKey(t, db, owner, at(1))
	reader := seedChildKey(t, db, author, core.KeyTypeUse, at(2))
	post := seedPost(t, db, author, "hello", at(3))

	group := groupFixture(owner.ID, "commenters", 4)
	require.NoError(t, groups.Create(context.Background(), group))
	require.NoError(t, groups.AddMember(context.Background(), group.ID, reader.ID, at(5)))

	require.NoError(t, store.Upsert(context.Background(),
		grantFixture(post.ID, core.TargetKindKey, reader.ID, accessmask.View, at(6))))
	require.NoError(t, store.Upsert(context.Background(),
		grantFixture(post.ID, core.TargetKindGroup, group.ID, accessmask.Comment, at(7))))

	// Direct and group grants OR together.
	mask, err := store.ResolveAccessMask(context.Background(), post.ID, reader.ID, []idcodec.ID{group.ID})
	require.NoError(t, err)
	assert.Equal(t, accessmask.View|accessmask.Comment, mask)

	// Without group context only the direct grant applies.
	mask, err = store.ResolveAccessMask(context.Background(), post.ID, reader.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, accessmask.View, mask)

	// An unrelated key resolves to zero.
	mask, err = store.ResolveAccessMask(context.Background(), post.ID, idcodec.New(), nil)
	require.NoError(t, err)
	assert.Zero(t, mask)
}

func TestGrantStoreRevoke(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	store := NewGrantStore(db)
	owner := seedOwner(t, db, uniqueEmail("grants-revoke"))
	author := seedPrimaryKey(t, db, owner, at(1))
	reader := seedChildKey(t, db, author, core.KeyTypeUse, at(2))
	post := seedPost(t, db, author, "hello", at(3))

	require.NoError(t, store.Upsert(context.Background(),
		grantFixture(post.ID, core.TargetKindKey, reader.ID, accessmask.View, at(4))))

	require.NoError(t, store.Revoke(context.Background(), post.ID, core.TargetKindKey, reader.ID))

	mask, err := store.ResolveAccessMask(context.Background(), post.ID, reader.ID, nil)
	require.NoError(t, err)
	assert.Zero(t, mask)

	err = store.Revoke(context.Background(), post.ID, core.TargetKindKey, reader.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
