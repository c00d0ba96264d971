// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit appends the platform's append-only audit trail.
package audit

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
	"github.com/keyloom/keyloom/pkg/logger"
	"github.com/keyloom/keyloom/pkg/secrets"
	"github.com/keyloom/keyloom/pkg/storage"
)

// Audit actions. Dotted identifiers, action per state transition.
const (
	ActionOwnersRegister        = "owners:register"
	ActionOwnersLogin           = "owners:login"
	ActionKeysExchange          = "keys:exchange"
	ActionRefreshRotate         = "refresh:rotate"
	ActionRefreshReplayAttempt  = "refresh:replay_attempt"
	ActionKeysMint              = "keys:mint"
	ActionKeysRotate            = "keys:rotate"
	ActionKeysActivate          = "keys:activate"
	ActionKeysDeactivate        = "keys:deactivate"
	ActionGroupsCreate          = "groups:create"
	ActionGroupsDelete          = "groups:delete"
	ActionGroupsMemberAdd       = "groups:member:add"
	ActionGroupsMemberRemove    = "groups:member:remove"
	ActionGrantsUpsert          = "grants:upsert"
	ActionGrantsRevoke          = "grants:revoke"
	ActionPostsCreate           = "posts:create"
	ActionCommentsCreate        = "comments:create"
	ActionKeychainsCreate       = "keychains:create"
	ActionKeychainsDelete       = "keychains:delete"
	ActionKeychainsMemberAdd    = "keychains:member:add"
	ActionKeychainsMemberRemove = "keychains:member:remove"
)

// sensitiveKeyTokens are dropped from metadata when a key name contains one,
// case-insensitively.
var sensitiveKeyTokens = []string{"password", "secret", "token", "private_key"}

// opaqueLengthThreshold drops long unbroken strings that are likely credential
// material regardless of their key name.
const opaqueLengthThreshold = 128

// Event is one audit emission. Subject fields are optional; a zero SubjectID
// means the action has no subject.
type Event struct {
	ActorKind   core.ActorKind
	ActorID     idcodec.ID
	Action      string
	SubjectKind string
	SubjectID   idcodec.ID
	Metadata    map[string]any
	IP          string
	UserAgent   string
}

// Recorder appends audit events. Emission happens after the state transition
// it describes has committed; failures are logged and never propagated, so
// the trail is at most once.
type Recorder struct {
	store storage.AuditStore
	now   func() time.Time
}

// NewRecorder builds a Recorder. A nil now uses the wall clock.
func NewRecorder(store storage.AuditStore, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{store: store, now: now}
}

// Emit sanitizes and appends the event. The append survives request
// cancellation: the transition it describes has already committed.
func (r *Recorder) Emit(ctx context.Context, event Event) {
	record := &core.AuditEvent{
		ID:          idcodec.New(),
		ActorKind:   event.ActorKind,
		ActorID:     event.ActorID,
		Action:      event.Action,
		SubjectKind: event.SubjectKind,
		SubjectID:   event.SubjectID,
		Metadata:    sanitizeMetadata(event.Metadata),
		IP:          event.IP,
		UserAgent:   event.UserAgent,
		CreatedAt:   r.now(),
	}

	if err := r.store.Append(context.WithoutCancel(ctx), record); err != nil {
		logger.Errorw("failed to append audit event", "action", event.Action, "error", err)
	}
}

// sanitizeMetadata removes credential material: keys whose names contain a
// sensitive token, string values carrying the secret or refresh-token prefix,
// and long unbroken opaque strings. Nested maps and slices are walked.
func sanitizeMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}

	clean := make(map[string]any, len(metadata))
	for key, value := range metadata {
		if sensitiveKey(key) {
			continue
		}
		sanitized, keep := sanitizeValue(value)
		if !keep {
			continue
		}
		clean[key] = sanitized
	}
	return clean
}

func sanitizeValue(value any) (any, bool) {
	switch v := value.(type) {
	case string:
		if sensitiveValue(v) {
			return nil, false
		}
		return v, true
	case map[string]any:
		return sanitizeMetadata(v), true
	case []any:
		clean := make([]any, 0, len(v))
		for _, item := range v {
			sanitized, keep := sanitizeValue(item)
			if !keep {
				continue
			}
			clean = append(clean, sanitized)
		}
		return clean, true
	default:
		return value, true
	}
}

func sensitiveKey(key string) bool {
	lowered := strings.ToLower(key)
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}

func sensitiveValue(value string) bool {
	if strings.HasPrefix(value, secrets.KeySecretPrefix) || strings.HasPrefix(value, secrets.RefreshTokenPrefix) {
		return true
	}
	return len(value) > opaqueLengthThreshold && !strings.ContainsFunc(value, unicode.IsSpace)
}
