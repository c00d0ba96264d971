// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keyloom/keyloom/pkg/accessmask"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
)

// baseTime anchors the fixtures; rows are spaced whole seconds apart so that
// cursor ordering is deterministic.
var baseTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func at(offsetSec int) time.Time {
	return baseTime.Add(time.Duration(offsetSec) * time.Second)
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), &Config{Path: filepath.Join(t.TempDir(), "keyloom.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedOwner(t *testing.T, db *DB, email string) *core.Owner {
	t.Helper()
	owner := &core.Owner{
		ID:           idcodec.New(),
		Email:        email,
		PasswordHash: "$argon2id$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$Zm9vYmFyYmF6cXV4Zm9vYmFyYmF6cXV4Zm9vYmFyYmE",
		CreatedAt:    at(0),
		UpdatedAt:    at(0),
	}
	require.NoError(t, NewOwnerStore(db).Create(context.Background(), owner))
	return owner
}

// primaryKeyFixture builds an unsaved primary key rooted at itself.
func primaryKeyFixture(owner *core.Owner, createdAt time.Time) (*core.Key, *core.KeyPublicID) {
	id := idcodec.New()
	key := &core.Key{
		ID:                 id,
		OwnerID:            &owner.ID,
		Type:               core.KeyTypePrimary,
		SecretHash:         "hash-" + id.String()[:8],
		Permissions:        []string{"keys:issue", "posts:create", "posts:read"},
		Active:             true,
		InitialAuthorKeyID: id,
		CreatedAt:          createdAt,
		UpdatedAt:          createdAt,
	}
	return key, publicIDFixture(id, createdAt)
}

// childKeyFixture builds an unsaved child key under parent, inheriting the
// parent's lineage root.
func childKeyFixture(parent *core.Key, typ core.KeyType, createdAt time.Time) (*core.Key, *core.KeyPublicID) {
	id := idcodec.New()
	key := &core.Key{
		ID:                 id,
		Type:               typ,
		SecretHash:         "hash-" + id.String()[:8],
		Permissions:        []string{"posts:read"},
		Active:             true,
		IssuedByKeyID:      &parent.ID,
		ParentKeyID:        &parent.ID,
		InitialAuthorKeyID: parent.InitialAuthorKeyID,
		CreatedAt:          createdAt,
		UpdatedAt:          createdAt,
	}
	return key, publicIDFixture(id, createdAt)
}

func publicIDFixture(keyID idcodec.ID, createdAt time.Time) *core.KeyPublicID {
	return &core.KeyPublicID{
		PublicID:  idcodec.NewPublicID(),
		KeyID:     keyID,
		CreatedAt: createdAt,
	}
}

func seedPrimaryKey(t *testing.T, db *DB, owner *core.Owner, createdAt time.Time) *core.Key {
	t.Helper()
	key, pub := primaryKeyFixture(owner, createdAt)
	require.NoError(t, NewKeyStore(db).CreatePrimary(context.Background(), key, pub))
	return key
}

func seedChildKey(t *testing.T, db *DB, parent *core.Key, typ core.KeyType, createdAt time.Time) *core.Key {
	t.Helper()
	key, pub := childKeyFixture(parent, typ, createdAt)
	require.NoError(t, NewKeyStore(db).CreateChild(context.Background(), key, pub))
	return key
}

func seedPost(t *testing.T, db *DB, author *core.Key, title string, createdAt time.Time) *core.Post {
	t.Helper()
	post := &core.Post{
		ID:                 idcodec.New(),
		InitialAuthorKeyID: author.InitialAuthorKeyID,
		Title:              title,
		Body:               "body of " + title,
		CreatedAt:          createdAt,
		UpdatedAt:          createdAt,
	}
	grant := grantFixture(post.ID, core.TargetKindKey, author.ID,
		accessmask.View|accessmask.Comment|accessmask.ManageAccess, createdAt)
	require.NoError(t, NewPostStore(db).Create(context.Background(), post, grant))
	return post
}

func grantFixture(postID idcodec.ID, kind core.TargetKind, targetID idcodec.ID, mask accessmask.Mask, createdAt time.Time) *core.PostAccessGrant {
	return &core.PostAccessGrant{
		ID:         idcodec.New(),
		PostID:     postID,
		TargetKind: kind,
		TargetID:   targetID,
		Mask:       mask,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

func intPtr(v int) *int { return &v }

// uniqueEmail avoids collisions between subtests sharing a database.
func uniqueEmail(prefix string) string {
	return fmt.Sprintf("%s-%s@example.com", prefix, idcodec.New().String()[:8])
}
