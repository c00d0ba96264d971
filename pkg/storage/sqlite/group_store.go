// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
	"github.com/keyloom/keyloom/pkg/storage"
)

// GroupStore implements storage.GroupStore using SQLite.
type GroupStore struct {
	db *sql.DB
}

// NewGroupStore creates a new SQLite-backed GroupStore.
func NewGroupStore(db *DB) *GroupStore {
	return &GroupStore{db: db.DB()}
}

var _ storage.GroupStore = (*GroupStore)(nil)

const groupColumns = `id, owner_id, name, created_at, updated_at`

// Create inserts a group. A duplicate (owner, name) pair returns
// ErrAlreadyExists.
func (s *GroupStore) Create(ctx context.Context, group *core.Group) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO key_groups (`+groupColumns+`) VALUES (?, ?, ?, ?, ?)`,
		group.ID.String(),
		group.OwnerID.String(),
		group.Name,
		formatTime(group.CreatedAt),
		formatTime(group.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting group: %w", err)
	}
	return nil
}

// Get fetches a group by ID.
func (s *GroupStore) Get(ctx context.Context, id idcodec.ID) (*core.Group, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM key_groups WHERE id = ?`,
		id.String(),
	)
	return scanGroup(row)
}

// ListByOwner returns the owner's groups, newest first.
func (s *GroupStore) ListByOwner(ctx context.Context, ownerID idcodec.ID, page storage.Page) ([]*core.Group, error) {
	query := `SELECT ` + groupColumns + ` FROM key_groups WHERE owner_id = ?`
	query, args := appendPage(query, "key_groups", page, []any{ownerID.String()})

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectGroups(rows)
}

// Delete removes a group; memberships cascade.
func (s *GroupStore) Delete(ctx context.Context, id idcodec.ID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM key_groups WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("deleting group: %w", err)
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

// AddMember is idempotent: re-adding an existing member succeeds.
func (s *GroupStore) AddMember(ctx context.Context, groupID, keyID idcodec.ID, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_members (group_id, key_id, created_at) VALUES (?, ?, ?)`,
		groupID.String(), keyID.String(), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("inserting group member: %w", err)
	}
	return nil
}

// RemoveMember returns ErrNotFound when the membership does not exist.
func (s *GroupStore) RemoveMember(ctx context.Context, groupID, keyID idcodec.ID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM group_members WHERE group_id = ? AND key_id = ?`,
		groupID.String(), keyID.String(),
	)
	if err != nil {
		return fmt.Errorf("deleting group member: %w", err)
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

// Members returns the member key IDs of a group.
func (s *GroupStore) Members(ctx context.Context, groupID idcodec.ID) ([]idcodec.ID, error) {
	return queryIDs(ctx, s.db,
		`SELECT key_id FROM group_members WHERE group_id = ? ORDER BY created_at, key_id`,
		groupID.String(),
	)
}

// GroupsForKey returns the IDs of every group the key belongs to.
func (s *GroupStore) GroupsForKey(ctx context.Context, keyID idcodec.ID) ([]idcodec.ID, error) {
	return queryIDs(ctx, s.db,
		`SELECT group_id FROM group_members WHERE key_id = ? ORDER BY created_at, group_id`,
		keyID.String(),
	)
}

// ListForKey pages through the groups the key belongs to, newest first. The
// cursor predicates are written out with qualified columns because the join
// makes the shared appendPage helper ambiguous here.
func (s *GroupStore) ListForKey(ctx context.Context, keyID idcodec.ID, page storage.Page) ([]*core.Group, error) {
	query := `
		SELECT g.id, g.owner_id, g.name, g.created_at, g.updated_at
		FROM key_groups g
		JOIN group_members m ON m.group_id = g.id
		WHERE m.key_id = ?`
	args := []any{keyID.String()}
	if !page.BeforeID.IsZero() {
		query += ` AND (g.created_at, g.id) < (SELECT created_at, id FROM key_groups WHERE id = ?)`
		args = append(args, page.BeforeID.String())
	}
	if !page.SinceID.IsZero() {
		query += ` AND (g.created_at, g.id) > (SELECT created_at, id FROM key_groups WHERE id = ?)`
		args = append(args, page.SinceID.String())
	}
	query += ` ORDER BY g.created_at DESC, g.id DESC LIMIT ?`
	args = append(args, page.NormalizedLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying groups for key: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectGroups(rows)
}

func collectGroups(rows *sql.Rows) ([]*core.Group, error) {
	var groups []*core.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating group rows: %w", err)
	}
	return groups, nil
}

func scanGroup(sc scanner) (*core.Group, error) {
	var (
		idStr     string
		ownerID   string
		name      string
		createdAt string
		updatedAt string
	)
	if err := sc.Scan(&idStr, &ownerID, &name, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning group row: %w", err)
	}

	group := &core.Group{Name: name}
	var err error
	if group.ID, err = parseID(idStr); err != nil {
		return nil, err
	}
	if group.OwnerID, err = parseID(ownerID); err != nil {
		return nil, err
	}
	if group.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if group.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return group, nil
}
