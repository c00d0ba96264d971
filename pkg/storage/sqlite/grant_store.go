// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/keyloom/keyloom/pkg/accessmask"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
	"github.com/keyloom/keyloom/pkg/storage"
)

// GrantStore implements storage.GrantStore using SQLite.
type GrantStore struct {
	db *sql.DB
}

// NewGrantStore creates a new SQLite-backed GrantStore.
func NewGrantStore(db *DB) *GrantStore {
	return &GrantStore{db: db.DB()}
}

var _ storage.GrantStore = (*GrantStore)(nil)

// Upsert inserts or replaces the grant for (post, target_kind, target). The
// stored mask becomes exactly grant.Mask; repeated grants do not accumulate.
func (s *GrantStore) Upsert(ctx context.Context, grant *core.PostAccessGrant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO post_access_grants (id, post_id, target_kind, target_id, permission_mask, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (post_id, target_kind, target_id)
		DO UPDATE SET permission_mask = excluded.permission_mask, updated_at = excluded.updated_at`,
		grant.ID.String(),
		grant.PostID.String(),
		string(grant.TargetKind),
		grant.TargetID.String(),
		int(grant.Mask),
		formatTime(grant.CreatedAt),
		formatTime(grant.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting grant: %w", err)
	}
	return nil
}

// Revoke deletes the grant row, returning ErrNotFound when absent.
func (s *GrantStore) Revoke(ctx context.Context, postID idcodec.ID, kind core.TargetKind, targetID idcodec.ID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM post_access_grants WHERE post_id = ? AND target_kind = ? AND target_id = ?`,
		postID.String(), string(kind), targetID.String(),
	)
	if err != nil {
		return fmt.Errorf("deleting grant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ResolveAccessMask ORs the masks of every grant matching the key directly or
// through one of its groups. No matching grant resolves to zero.
func (s *GrantStore) ResolveAccessMask(
	ctx context.Context, postID, keyID idcodec.ID, groupIDs []idcodec.ID,
) (accessmask.Mask, error) {
	query := `SELECT permission_mask FROM post_access_grants
		WHERE post_id = ? AND (target_kind = 'key' AND target_id = ?`
	args := []any{postID.String(), keyID.String()}

	if len(groupIDs) > 0 {
		placeholders, groupArgs := idPlaceholders(groupIDs)
		query += ` OR (target_kind = 'group' AND target_id IN (` + placeholders + `))`
		args = append(args, groupArgs...)
	}
	query += `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("querying grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var merged accessmask.Mask
	for rows.Next() {
		var mask int
		if err := rows.Scan(&mask); err != nil {
			return 0, fmt.Errorf("scanning grant mask: %w", err)
		}
		merged = accessmask.Union(merged, accessmask.Mask(mask))
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating grant rows: %w", err)
	}
	return merged, nil
}
