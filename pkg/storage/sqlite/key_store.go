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

// KeyStore implements storage.KeyStore using SQLite.
type KeyStore struct {
	db *sql.DB
}

// NewKeyStore creates a new SQLite-backed KeyStore.
func NewKeyStore(db *DB) *KeyStore {
	return &KeyStore{db: db.DB()}
}

var _ storage.KeyStore = (*KeyStore)(nil)

// keyColumns is the SELECT column list shared by every key query.
const keyColumns = `k.id, k.owner_id, k.type, k.secret_hash, json(k.permissions), k.active,
		k.issued_by_key_id, k.parent_key_id, k.initial_author_key_id,
		k.rotated_from_id, k.rotated_to_id, k.retired_at,
		k.use_count_limit, k.use_count_current, k.device_limit, k.label,
		k.created_at, k.updated_at`

// CreatePrimary atomically inserts a primary key and its public identifier.
func (s *KeyStore) CreatePrimary(ctx context.Context, key *core.Key, pub *core.KeyPublicID) error {
	return s.createKey(ctx, key, pub)
}

// CreateChild atomically inserts a child key and its public identifier.
func (s *KeyStore) CreateChild(ctx context.Context, key *core.Key, pub *core.KeyPublicID) error {
	return s.createKey(ctx, key, pub)
}

func (s *KeyStore) createKey(ctx context.Context, key *core.Key, pub *core.KeyPublicID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := insertKey(ctx, tx, key); err != nil {
		return err
	}
	if err := insertPublicID(ctx, tx, pub); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Rotate atomically inserts the replacement key pair and retires the old row.
func (s *KeyStore) Rotate(
	ctx context.Context, newKey *core.Key, newPub *core.KeyPublicID, oldKeyID idcodec.ID, retiredAt time.Time,
) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var oldRetiredAt sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT retired_at FROM keys WHERE id = ?`, oldKeyID.String()).Scan(&oldRetiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading key to rotate: %w", err)
	}
	if oldRetiredAt.Valid {
		return storage.ErrRetired
	}

	if err := insertKey(ctx, tx, newKey); err != nil {
		return err
	}
	if err := insertPublicID(ctx, tx, newPub); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE keys SET active = 0, rotated_to_id = ?, retired_at = ?, updated_at = ?
		WHERE id = ?`,
		newKey.ID.String(),
		formatTime(retiredAt),
		formatTime(retiredAt),
		oldKeyID.String(),
	); err != nil {
		return fmt.Errorf("retiring rotated key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Get fetches a key by ID.
func (s *KeyStore) Get(ctx context.Context, id idcodec.ID) (*core.Key, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM keys k WHERE k.id = ?`,
		id.String(),
	)
	return scanKey(row)
}

// PublicIDForKey resolves a key to its `apub_...` identifier.
func (s *KeyStore) PublicIDForKey(ctx context.Context, keyID idcodec.ID) (string, error) {
	var publicID string
	err := s.db.QueryRowContext(ctx,
		`SELECT public_id FROM key_public_ids WHERE key_id = ?`, keyID.String(),
	).Scan(&publicID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading key public id: %w", err)
	}
	return publicID, nil
}

// GetByPublicID resolves an `apub_...` identifier to its key.
func (s *KeyStore) GetByPublicID(ctx context.Context, publicID string) (*core.Key, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+`
		FROM key_public_ids p
		JOIN keys k ON k.id = p.key_id
		WHERE p.public_id = ?`,
		publicID,
	)
	return scanKey(row)
}

// List returns keys whose lineage root is one of roots, newest first.
func (s *KeyStore) List(ctx context.Context, roots []idcodec.ID, page storage.Page) ([]*core.Key, error) {
	if len(roots) == 0 {
		return []*core.Key{}, nil
	}

	placeholders, args := idPlaceholders(roots)
	query := `SELECT ` + keyColumns + ` FROM keys k WHERE k.initial_author_key_id IN (` + placeholders + `)`
	query, args = appendPage(query, "keys", page, args)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*core.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating key rows: %w", err)
	}
	return keys, nil
}

// PrimaryKeyIDs returns every primary key ID minted for the owner, retired
// ones included: a retired primary still anchors its lineage.
func (s *KeyStore) PrimaryKeyIDs(ctx context.Context, ownerID idcodec.ID) ([]idcodec.ID, error) {
	return queryIDs(ctx, s.db, `
		SELECT id FROM keys WHERE owner_id = ? AND type = 'primary'
		ORDER BY created_at, id`,
		ownerID.String(),
	)
}

// SetActive flips the active flag and reports whether a row changed. Retired
// rows never change.
func (s *KeyStore) SetActive(ctx context.Context, id idcodec.ID, active bool, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE keys SET active = ?, updated_at = ?
		WHERE id = ? AND active != ? AND retired_at IS NULL`,
		active,
		formatTime(now),
		id.String(),
		active,
	)
	if err != nil {
		return false, fmt.Errorf("updating key state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected == 1, nil
}

// DeactivateMany deactivates every listed key that is still active.
func (s *KeyStore) DeactivateMany(ctx context.Context, ids []idcodec.ID, now time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders, args := idPlaceholders(ids)
	args = append([]any{formatTime(now)}, args...)

	res, err := s.db.ExecContext(ctx,
		`UPDATE keys SET active = 0, updated_at = ? WHERE id IN (`+placeholders+`) AND active = 1`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("deactivating keys: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(affected), nil
}

// Lineage walks parent links upward and returns the chain root-to-leaf.
func (s *KeyStore) Lineage(ctx context.Context, id idcodec.ID) ([]*core.Key, error) {
	seen := make(map[idcodec.ID]struct{})
	var chain []*core.Key

	current := id
	for {
		if _, dup := seen[current]; dup {
			return nil, fmt.Errorf("corrupted lineage: cycle at key %s", current)
		}
		seen[current] = struct{}{}

		k, err := s.Get(ctx, current)
		if err != nil {
			return nil, err
		}
		chain = append(chain, k)

		if k.ParentKeyID == nil {
			break
		}
		current = *k.ParentKeyID
	}

	// Reverse into root-to-leaf order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Descendants expands the parent→child relation breadth-first.
func (s *KeyStore) Descendants(ctx context.Context, id idcodec.ID) ([]*core.Key, error) {
	var out []*core.Key

	frontier := []idcodec.ID{id}
	for len(frontier) > 0 {
		placeholders, args := idPlaceholders(frontier)
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+keyColumns+` FROM keys k
			WHERE k.parent_key_id IN (`+placeholders+`)
			ORDER BY k.created_at, k.id`,
			args...,
		)
		if err != nil {
			return nil, fmt.Errorf("querying descendants: %w", err)
		}

		var level []*core.Key
		for rows.Next() {
			k, scanErr := scanKey(rows)
			if scanErr != nil {
				_ = rows.Close()
				return nil, scanErr
			}
			level = append(level, k)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("iterating descendant rows: %w", err)
		}
		if err := rows.Close(); err != nil {
			return nil, fmt.Errorf("closing descendant rows: %w", err)
		}

		frontier = frontier[:0]
		for _, k := range level {
			out = append(out, k)
			frontier = append(frontier, k.ID)
		}
	}

	return out, nil
}

// RegisterUseAttempt transactionally increments the use count and registers
// the device fingerprint, honoring both limits.
func (s *KeyStore) RegisterUseAttempt(
	ctx context.Context, keyID idcodec.ID, fingerprint string, useLimit, deviceLimit *int, now time.Time,
) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var current int
	err = tx.QueryRowContext(ctx,
		`SELECT use_count_current FROM keys WHERE id = ?`, keyID.String(),
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading use count: %w", err)
	}

	if useLimit != nil && current >= *useLimit {
		return storage.ErrUseLimitExceeded
	}

	if deviceLimit != nil {
		var known int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM device_fingerprints WHERE key_id = ? AND fingerprint = ?`,
			keyID.String(), fingerprint,
		).Scan(&known)
		if err != nil {
			return fmt.Errorf("checking device fingerprint: %w", err)
		}

		if known == 0 {
			var distinct int
			err = tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM device_fingerprints WHERE key_id = ?`,
				keyID.String(),
			).Scan(&distinct)
			if err != nil {
				return fmt.Errorf("counting device fingerprints: %w", err)
			}
			if distinct >= *deviceLimit {
				return storage.ErrDeviceLimitExceeded
			}

			if _, err := tx.ExecContext(ctx,
				`INSERT INTO device_fingerprints (key_id, fingerprint, first_seen) VALUES (?, ?, ?)`,
				keyID.String(), fingerprint, formatTime(now),
			); err != nil {
				return fmt.Errorf("registering device fingerprint: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE keys SET use_count_current = use_count_current + 1, updated_at = ? WHERE id = ?`,
		formatTime(now), keyID.String(),
	); err != nil {
		return fmt.Errorf("incrementing use count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func insertKey(ctx context.Context, tx *sql.Tx, key *core.Key) error {
	permsJSON, err := encodeJSONB(key.Permissions)
	if err != nil {
		return fmt.Errorf("encoding permissions: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO keys (
			id, owner_id, type, secret_hash, permissions, active,
			issued_by_key_id, parent_key_id, initial_author_key_id,
			rotated_from_id, rotated_to_id, retired_at,
			use_count_limit, use_count_current, device_limit, label,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, jsonb(?), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID.String(),
		formatNullID(key.OwnerID),
		string(key.Type),
		key.SecretHash,
		permsJSON,
		key.Active,
		formatNullID(key.IssuedByKeyID),
		formatNullID(key.ParentKeyID),
		key.InitialAuthorKeyID.String(),
		formatNullID(key.RotatedFromID),
		formatNullID(key.RotatedToID),
		formatNullTime(key.RetiredAt),
		nullableInt(key.UseCountLimit),
		key.UseCountCurrent,
		nullableInt(key.DeviceLimit),
		key.Label,
		formatTime(key.CreatedAt),
		formatTime(key.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting key: %w", err)
	}
	return nil
}

func insertPublicID(ctx context.Context, tx *sql.Tx, pub *core.KeyPublicID) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO key_public_ids (public_id, key_id, created_at) VALUES (?, ?, ?)`,
		pub.PublicID, pub.KeyID.String(), formatTime(pub.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting key public id: %w", err)
	}
	return nil
}

func scanKey(sc scanner) (*core.Key, error) {
	var (
		idStr           string
		ownerID         sql.NullString
		keyType         string
		secretHash      string
		permsBlob       []byte
		active          bool
		issuedByID      sql.NullString
		parentID        sql.NullString
		initialAuthorID string
		rotatedFromID   sql.NullString
		rotatedToID     sql.NullString
		retiredAt       sql.NullString
		useLimit        sql.NullInt64
		useCurrent      int
		deviceLimit     sql.NullInt64
		label           string
		createdAt       string
		updatedAt       string
	)

	err := sc.Scan(
		&idStr, &ownerID, &keyType, &secretHash, &permsBlob, &active,
		&issuedByID, &parentID, &initialAuthorID,
		&rotatedFromID, &rotatedToID, &retiredAt,
		&useLimit, &useCurrent, &deviceLimit, &label,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning key row: %w", err)
	}

	perms, err := decodeJSONB(permsBlob)
	if err != nil {
		return nil, fmt.Errorf("decoding permissions: %w", err)
	}

	key := &core.Key{
		Type:            core.KeyType(keyType),
		SecretHash:      secretHash,
		Permissions:     perms,
		Active:          active,
		UseCountCurrent: useCurrent,
		UseCountLimit:   parseNullInt(useLimit),
		DeviceLimit:     parseNullInt(deviceLimit),
		Label:           label,
	}

	if key.ID, err = parseID(idStr); err != nil {
		return nil, err
	}
	if key.OwnerID, err = parseNullID(ownerID); err != nil {
		return nil, err
	}
	if key.IssuedByKeyID, err = parseNullID(issuedByID); err != nil {
		return nil, err
	}
	if key.ParentKeyID, err = parseNullID(parentID); err != nil {
		return nil, err
	}
	if key.InitialAuthorKeyID, err = parseID(initialAuthorID); err != nil {
		return nil, err
	}
	if key.RotatedFromID, err = parseNullID(rotatedFromID); err != nil {
		return nil, err
	}
	if key.RotatedToID, err = parseNullID(rotatedToID); err != nil {
		return nil, err
	}
	if key.RetiredAt, err = parseNullTime(retiredAt); err != nil {
		return nil, err
	}
	if key.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if key.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return key, nil
}
