// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
	"github.com/keyloom/keyloom/pkg/storage"
)

// RefreshTokenStore implements storage.RefreshTokenStore using SQLite.
type RefreshTokenStore struct {
	db *sql.DB
}

// NewRefreshTokenStore creates a new SQLite-backed RefreshTokenStore.
func NewRefreshTokenStore(db *DB) *RefreshTokenStore {
	return &RefreshTokenStore{db: db.DB()}
}

var _ storage.RefreshTokenStore = (*RefreshTokenStore)(nil)

const refreshColumns = `id, subject_kind, subject_id, secret_hash, lookup_digest,
		issued_at, expires_at, revoked_at, rotated_at, replaced_by_id, ip, user_agent`

// Create inserts a refresh token row.
func (s *RefreshTokenStore) Create(ctx context.Context, token *core.RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := insertRefreshToken(ctx, tx, token); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetByLookupDigest locates the single row carrying the digest.
func (s *RefreshTokenStore) GetByLookupDigest(ctx context.Context, digest [32]byte) (*core.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+refreshColumns+` FROM refresh_tokens WHERE lookup_digest = ?`,
		hex.EncodeToString(digest[:]),
	)
	return scanRefreshToken(row)
}

// Rotate marks the old row rotated and inserts the replacement in one
// transaction. The conditional update on rotated_at is the serialization
// point: a concurrent rotation that already claimed the row makes the update
// match zero rows, and the loser returns ErrRotated without inserting.
func (s *RefreshTokenStore) Rotate(
	ctx context.Context, oldID idcodec.ID, replacement *core.RefreshToken, rotatedAt time.Time,
) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET rotated_at = ?, replaced_by_id = ? WHERE id = ? AND rotated_at IS NULL`,
		formatTime(rotatedAt), replacement.ID.String(), oldID.String(),
	)
	if err != nil {
		return fmt.Errorf("marking token rotated: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrRotated
	}

	if err := insertRefreshToken(ctx, tx, replacement); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// RevokeFamily revokes every live token of the subject and returns the number
// of rows revoked.
func (s *RefreshTokenStore) RevokeFamily(
	ctx context.Context, kind core.SubjectKind, subjectID idcodec.ID, now time.Time,
) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = ?
		WHERE subject_kind = ? AND subject_id = ?
		  AND revoked_at IS NULL AND rotated_at IS NULL AND expires_at > ?`,
		formatTime(now), string(kind), subjectID.String(), formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("revoking token family: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(affected), nil
}

func insertRefreshToken(ctx context.Context, tx *sql.Tx, token *core.RefreshToken) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO refresh_tokens (`+refreshColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID.String(),
		string(token.SubjectKind),
		token.SubjectID.String(),
		token.SecretHash,
		hex.EncodeToString(token.LookupDigest[:]),
		formatTime(token.IssuedAt),
		formatTime(token.ExpiresAt),
		formatNullTime(token.RevokedAt),
		formatNullTime(token.RotatedAt),
		formatNullID(token.ReplacedByID),
		token.IP,
		token.UserAgent,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return nil
}

func scanRefreshToken(sc scanner) (*core.RefreshToken, error) {
	var (
		idStr        string
		subjectKind  string
		subjectID    string
		secretHash   string
		lookupDigest string
		issuedAt     string
		expiresAt    string
		revokedAt    sql.NullString
		rotatedAt    sql.NullString
		replacedByID sql.NullString
		ip           string
		userAgent    string
	)

	err := sc.Scan(
		&idStr, &subjectKind, &subjectID, &secretHash, &lookupDigest,
		&issuedAt, &expiresAt, &revokedAt, &rotatedAt, &replacedByID, &ip, &userAgent,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning refresh token row: %w", err)
	}

	token := &core.RefreshToken{
		SubjectKind: core.SubjectKind(subjectKind),
		SecretHash:  secretHash,
		IP:          ip,
		UserAgent:   userAgent,
	}

	digest, err := hex.DecodeString(lookupDigest)
	if err != nil || len(digest) != len(token.LookupDigest) {
		return nil, fmt.Errorf("decoding lookup digest: malformed value")
	}
	copy(token.LookupDigest[:], digest)

	if token.ID, err = parseID(idStr); err != nil {
		return nil, err
	}
	if token.SubjectID, err = parseID(subjectID); err != nil {
		return nil, err
	}
	if token.IssuedAt, err = parseTime(issuedAt); err != nil {
		return nil, err
	}
	if token.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if token.RevokedAt, err = parseNullTime(revokedAt); err != nil {
		return nil, err
	}
	if token.RotatedAt, err = parseNullTime(rotatedAt); err != nil {
		return nil, err
	}
	if token.ReplacedByID, err = parseNullID(replacedByID); err != nil {
		return nil, err
	}

	return token, nil
}
