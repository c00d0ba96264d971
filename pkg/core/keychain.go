// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"time"

	"github.com/keyloom/keyloom/pkg/idcodec"
)

// Keychain is a named collection of keys scoped to one lineage. Member keys
// must share the keychain's lineage root.
type Keychain struct {
	ID idcodec.ID

	// InitialAuthorKeyID is the lineage root of the creating key.
	InitialAuthorKeyID idcodec.ID

	// Name is 1-255 characters.
	Name string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// KeychainMember is one (keychain, key) membership pair.
type KeychainMember struct {
	KeychainID idcodec.ID
	KeyID      idcodec.ID
	CreatedAt  time.Time
}
