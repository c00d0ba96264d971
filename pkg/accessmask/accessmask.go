// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package accessmask implements the per-post permission mask algebra. A mask
// is a small bitfield; bits 2 and 4 through 31 are reserved and must be zero.
package accessmask

import "strings"

// Mask is a bitwise combination of post access bits.
type Mask int

// Enumerated bits.
const (
	View         Mask = 0x01
	Comment      Mask = 0x02
	ManageAccess Mask = 0x08
)

// All is every enumerated bit set.
const All = View | Comment | ManageAccess

// Valid reports whether m is representable: non-negative with only enumerated
// bits set. The zero mask is representable; grant rows additionally require a
// non-zero mask, see ValidGrant.
func Valid(m Mask) bool {
	return m >= 0 && m&^All == 0
}

// ValidGrant reports whether m can be stored on an access grant: a valid mask
// with at least one bit set.
func ValidGrant(m Mask) bool {
	return m >= 1 && Valid(m)
}

// Has reports whether every bit of want is set in m.
func (m Mask) Has(want Mask) bool {
	return m&want == want
}

// Union returns the bitwise OR of all masks. Direct and group grants combine
// this way.
func Union(masks ...Mask) Mask {
	var out Mask
	for _, m := range masks {
		out |= m
	}
	return out
}

// String renders the mask as a pipe-separated bit list, for audit metadata and
// logs.
func (m Mask) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	if m.Has(View) {
		parts = append(parts, "view")
	}
	if m.Has(Comment) {
		parts = append(parts, "comment")
	}
	if m.Has(ManageAccess) {
		parts = append(parts, "manage_access")
	}
	if m&^All != 0 {
		parts = append(parts, "invalid")
	}
	return strings.Join(parts, "|")
}
