// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import "github.com/keyloom/keyloom/pkg/storage"

// NewStores builds the full store set over one database handle.
func NewStores(db *DB) *storage.Stores {
	return &storage.Stores{
		Owners:        NewOwnerStore(db),
		Keys:          NewKeyStore(db),
		Groups:        NewGroupStore(db),
		Grants:        NewGrantStore(db),
		RefreshTokens: NewRefreshTokenStore(db),
		Audit:         NewAuditStore(db),
		Keychains:     NewKeychainStore(db),
		Posts:         NewPostStore(db),
	}
}
