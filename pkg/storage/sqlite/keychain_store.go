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

// KeychainStore implements storage.KeychainStore using SQLite.
type KeychainStore struct {
	db *sql.DB
}

// NewKeychainStore creates a new SQLite-backed KeychainStore.
func NewKeychainStore(db *DB) *KeychainStore {
	return &KeychainStore{db: db.DB()}
}

var _ storage.KeychainStore = (*KeychainStore)(nil)

const keychainColumns = `id, initial_author_key_id, name, created_at, updated_at`

// Create inserts a keychain.
func (s *KeychainStore) Create(ctx context.Context, keychain *core.Keychain) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO keychains (`+keychainColumns+`) VALUES (?, ?, ?, ?, ?)`,
		keychain.ID.String(),
		keychain.InitialAuthorKeyID.String(),
		keychain.Name,
		formatTime(keychain.CreatedAt),
		formatTime(keychain.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting keychain: %w", err)
	}
	return nil
}

// Get fetches a keychain by ID.
func (s *KeychainStore) Get(ctx context.Context, id idcodec.ID) (*core.Keychain, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keychainColumns+` FROM keychains WHERE id = ?`,
		id.String(),
	)
	return scanKeychain(row)
}

// ListByLineage returns the keychains of one lineage root, newest first.
func (s *KeychainStore) ListByLineage(ctx context.Context, root idcodec.ID, page storage.Page) ([]*core.Keychain, error) {
	query := `SELECT ` + keychainColumns + ` FROM keychains WHERE initial_author_key_id = ?`
	query, args := appendPage(query, "keychains", page, []any{root.String()})

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying keychains: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keychains []*core.Keychain
	for rows.Next() {
		kc, err := scanKeychain(rows)
		if err != nil {
			return nil, err
		}
		keychains = append(keychains, kc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating keychain rows: %w", err)
	}
	return keychains, nil
}

// Delete removes a keychain; memberships cascade.
func (s *KeychainStore) Delete(ctx context.Context, id idcodec.ID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM keychains WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("deleting keychain: %w", err)
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

// AddKey is idempotent: re-adding an existing member succeeds.
func (s *KeychainStore) AddKey(ctx context.Context, keychainID, keyID idcodec.ID, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO keychain_keys (keychain_id, key_id, created_at) VALUES (?, ?, ?)`,
		keychainID.String(), keyID.String(), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("inserting keychain member: %w", err)
	}
	return nil
}

// RemoveKey returns ErrNotFound when the membership does not exist.
func (s *KeychainStore) RemoveKey(ctx context.Context, keychainID, keyID idcodec.ID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM keychain_keys WHERE keychain_id = ? AND key_id = ?`,
		keychainID.String(), keyID.String(),
	)
	if err != nil {
		return fmt.Errorf("deleting keychain member: %w", err)
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

// Keys returns the member key IDs of a keychain.
func (s *KeychainStore) Keys(ctx context.Context, keychainID idcodec.ID) ([]idcodec.ID, error) {
	return queryIDs(ctx, s.db,
		`SELECT key_id FROM keychain_keys WHERE keychain_id = ? ORDER BY created_at, key_id`,
		keychainID.String(),
	)
}

func scanKeychain(sc scanner) (*core.Keychain, error) {
	var (
		idStr     string
		rootID    string
		name      string
		createdAt string
		updatedAt string
	)
	if err := sc.Scan(&idStr, &rootID, &name, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning keychain row: %w", err)
	}

	keychain := &core.Keychain{Name: name}
	var err error
	if keychain.ID, err = parseID(idStr); err != nil {
		return nil, err
	}
	if keychain.InitialAuthorKeyID, err = parseID(rootID); err != nil {
		return nil, err
	}
	if keychain.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if keychain.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return keychain, nil
}
