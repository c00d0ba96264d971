// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/storage"
)

// AuditStore implements storage.AuditStore using SQLite. Rows are append-only:
// no update or delete statement exists in this file on purpose.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore creates a new SQLite-backed AuditStore.
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db.DB()}
}

var _ storage.AuditStore = (*AuditStore)(nil)

// Append inserts one audit event.
func (s *AuditStore) Append(ctx context.Context, event *core.AuditEvent) error {
	var metadata any
	if event.Metadata != nil {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling audit metadata: %w", err)
		}
		metadata = string(data)
	}

	var actorID any
	if !event.ActorID.IsZero() {
		actorID = event.ActorID.String()
	}
	var subjectID any
	if !event.SubjectID.IsZero() {
		subjectID = event.SubjectID.String()
	}
	var subjectKind any
	if event.SubjectKind != "" {
		subjectKind = event.SubjectKind
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, actor_kind, actor_id, action, subject_kind, subject_id, metadata, ip, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, jsonb(?), ?, ?, ?)`,
		event.ID.String(),
		string(event.ActorKind),
		actorID,
		event.Action,
		subjectKind,
		subjectID,
		metadata,
		event.IP,
		event.UserAgent,
		formatTime(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}
