// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package storage

// Stores bundles every store interface behind one handle. Services receive
// the stores they need; commands build the bundle once.
type Stores struct {
	Owners        OwnerStore
	Keys          KeyStore
	Groups        GroupStore
	Grants        GrantStore
	RefreshTokens RefreshTokenStore
	Audit         AuditStore
	Keychains     KeychainStore
	Posts         PostStore
}
