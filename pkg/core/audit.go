// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"time"

	"github.com/keyloom/keyloom/pkg/idcodec"
)

// ActorKind discriminates audit actors.
type ActorKind string

// Recognized actor kinds.
const (
	ActorKindOwner ActorKind = "owner"
	ActorKindKey   ActorKind = "key"
)

// AuditEvent is one append-only audit record. Metadata is sanitized before
// persistence; rows are never updated or deleted.
type AuditEvent struct {
	ID        idcodec.ID
	ActorKind ActorKind

	// ActorID is zero when the action has no authenticated actor yet, such as
	// a failed login.
	ActorID idcodec.ID

	// Action is a dotted identifier such as "keys:mint".
	Action string

	// SubjectKind and SubjectID name the acted-upon entity; empty and zero
	// when the action has no subject.
	SubjectKind string
	SubjectID   idcodec.ID

	Metadata map[string]any

	IP        string
	UserAgent string

	CreatedAt time.Time
}
