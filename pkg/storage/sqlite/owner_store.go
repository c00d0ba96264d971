// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/storage"
)

// OwnerStore implements storage.OwnerStore using SQLite.
type OwnerStore struct {
	db *sql.DB
}

// NewOwnerStore creates a new SQLite-backed OwnerStore.
func NewOwnerStore(db *DB) *OwnerStore {
	return &OwnerStore{db: db.DB()}
}

var _ storage.OwnerStore = (*OwnerStore)(nil)

// Create inserts a new owner.
func (s *OwnerStore) Create(ctx context.Context, owner *core.Owner) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO owners (id, email, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		owner.ID.String(),
		owner.Email,
		owner.PasswordHash,
		formatTime(owner.CreatedAt),
		formatTime(owner.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting owner: %w", err)
	}
	return nil
}

// GetByEmail fetches an owner by exact, case-sensitive email.
func (s *OwnerStore) GetByEmail(ctx context.Context, email string) (*core.Owner, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM owners WHERE email = ?`,
		email,
	)
	return scanOwner(row)
}

func scanOwner(sc scanner) (*core.Owner, error) {
	var (
		idStr        string
		email        string
		passwordHash string
		createdAt    string
		updatedAt    string
	)

	err := sc.Scan(&idStr, &email, &passwordHash, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning owner row: %w", err)
	}

	owner := &core.Owner{
		Email:        email,
		PasswordHash: passwordHash,
	}
	if owner.ID, err = parseID(idStr); err != nil {
		return nil, err
	}
	if owner.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if owner.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return owner, nil
}
