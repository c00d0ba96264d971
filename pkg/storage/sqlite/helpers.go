// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/keyloom/keyloom/pkg/idcodec"
	"github.com/keyloom/keyloom/pkg/storage"
)

// timeLayout is RFC 3339 with a fixed-width nanosecond field so that stored
// strings sort lexicographically in timestamp order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

// isUniqueViolation checks for a SQLite UNIQUE constraint violation. SQLite
// reports these as SQLITE_CONSTRAINT_UNIQUE for plain unique indexes and as
// SQLITE_CONSTRAINT_PRIMARYKEY when the violated index backs a PRIMARY KEY.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatNullID(id *idcodec.ID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func parseID(s string) (idcodec.ID, error) {
	id, err := idcodec.Parse(s)
	if err != nil {
		return idcodec.Nil, fmt.Errorf("parsing stored identifier %q: %w", s, err)
	}
	return id, nil
}

func parseNullID(s sql.NullString) (*idcodec.ID, error) {
	if !s.Valid {
		return nil, nil
	}
	id, err := parseID(s.String)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func parseNullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

// encodeJSONB marshals a string slice for the SQLite jsonb() function.
func encodeJSONB(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	return string(data), nil
}

// decodeJSONB unmarshals a JSONB blob from SQLite into a string slice.
func decodeJSONB(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var result []string
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshaling JSON: %w", err)
	}
	return result, nil
}

// queryIDs runs a query whose single column is an identifier and collects the
// results.
func queryIDs(ctx context.Context, db *sql.DB, query string, args ...any) ([]idcodec.ID, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying identifiers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []idcodec.ID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning identifier: %w", err)
		}
		id, err := parseID(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating identifier rows: %w", err)
	}
	return ids, nil
}

// appendPage appends the cursor predicates and the ORDER BY/LIMIT tail shared
// by every cursor query. The table name is always a compile-time constant.
func appendPage(query, table string, page storage.Page, args []any) (string, []any) {
	if !page.BeforeID.IsZero() {
		query += ` AND (created_at, id) < (SELECT created_at, id FROM ` + table + ` WHERE id = ?)`
		args = append(args, page.BeforeID.String())
	}
	if !page.SinceID.IsZero() {
		query += ` AND (created_at, id) > (SELECT created_at, id FROM ` + table + ` WHERE id = ?)`
		args = append(args, page.SinceID.String())
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, page.NormalizedLimit())
	return query, args
}

// idPlaceholders renders a ?,?,... list and the matching args for an IN
// clause over identifiers.
func idPlaceholders(ids []idcodec.ID) (string, []any) {
	placeholders := ""
	args := make([]any, 0, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, id.String())
	}
	return placeholders, args
}
