// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"time"

	"github.com/keyloom/keyloom/pkg/accessmask"
	"github.com/keyloom/keyloom/pkg/idcodec"
)

// TargetKind discriminates access-grant targets.
type TargetKind string

// Recognized grant targets.
const (
	TargetKindKey   TargetKind = "key"
	TargetKindGroup TargetKind = "group"
)

// Valid reports whether k is an enumerated target kind.
func (k TargetKind) Valid() bool {
	return k == TargetKindKey || k == TargetKindGroup
}

// PostAccessGrant asserts a permission mask for a key or group on one post.
// (post_id, target_kind, target_id) is unique; writes are upserts.
type PostAccessGrant struct {
	ID         idcodec.ID
	PostID     idcodec.ID
	TargetKind TargetKind
	TargetID   idcodec.ID

	// Mask is always ≥ 1 on stored rows.
	Mask accessmask.Mask

	CreatedAt time.Time
	UpdatedAt time.Time
}
