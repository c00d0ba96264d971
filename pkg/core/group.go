// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"time"

	"github.com/keyloom/keyloom/pkg/idcodec"
)

// Group is a named collection of keys owned by an owner. Group grants apply to
// every member key and combine with direct grants by bitwise OR.
type Group struct {
	ID      idcodec.ID
	OwnerID idcodec.ID

	// Name is 1-255 characters, unique per owner.
	Name string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// GroupMember is one (group, key) membership pair.
type GroupMember struct {
	GroupID   idcodec.ID
	KeyID     idcodec.ID
	CreatedAt time.Time
}
