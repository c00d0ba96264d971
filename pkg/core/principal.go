// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package core

import "github.com/keyloom/keyloom/pkg/idcodec"

// PrincipalKind discriminates authenticated principals.
type PrincipalKind string

// Recognized principal kinds.
const (
	PrincipalKindOwner PrincipalKind = "owner"
	PrincipalKindKey   PrincipalKind = "key"
)

// Principal is the identity the gatekeeper attaches to a request after token
// verification. Only the gatekeeper constructs principals; business code
// treats them as read-only.
type Principal struct {
	Kind PrincipalKind

	// ID is the owner ID or key ID depending on Kind.
	ID idcodec.ID

	// KeyType and InitialAuthorKeyID are populated for key principals only.
	KeyType            KeyType
	InitialAuthorKeyID idcodec.ID

	// PublicID is the key's exchange identifier when the token carried one.
	PublicID string

	// Permissions is the capability set asserted by the verified token.
	Permissions []string
	Roles       []string
}

// IsOwner reports whether the principal is an owner.
func (p *Principal) IsOwner() bool {
	return p.Kind == PrincipalKindOwner
}

// IsKey reports whether the principal is a key.
func (p *Principal) IsKey() bool {
	return p.Kind == PrincipalKindKey
}

// HasPermission reports whether the principal's token asserted the
// capability.
func (p *Principal) HasPermission(capability string) bool {
	for _, c := range p.Permissions {
		if c == capability {
			return true
		}
	}
	return false
}
