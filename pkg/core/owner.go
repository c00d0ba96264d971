// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package core defines the entities of the keyloom credentialing kernel and
// the principal attached to authenticated requests. The structs here are
// storage-shaped; wire DTOs live with the HTTP handlers.
package core

import (
	"time"

	"github.com/keyloom/keyloom/pkg/idcodec"
)

// Owner is a human principal operating through the console surface.
type Owner struct {
	ID idcodec.ID

	// Email is unique and compared case-sensitively.
	Email string

	// PasswordHash is the PHC-encoded argon2id digest of the password.
	PasswordHash string

	CreatedAt time.Time
	UpdatedAt time.Time
}
