// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package permissions defines the closed catalog of capability strings
// recognized by keyloom and the validation rules that govern them. The catalog
// is a flat authoritative enumeration, not a lattice: delegation is plain set
// containment (child ⊆ parent).
package permissions

import (
	"regexp"
	"sort"
)

// Capability strings. The catalog is closed: anything outside these constants
// is rejected on ingress even when syntactically well-formed.
const (
	// Owner-scope capabilities.
	OwnersManage    = "owners:manage"
	KeysRead        = "keys:read"
	KeysRotate      = "keys:rotate"
	KeysStateUpdate = "keys:state:update"
	GroupsManage    = "groups:manage"
	PostsAdminRead  = "posts:admin:read"

	// Key-scope capabilities.
	PostsCreate   = "posts:create"
	PostsRead     = "posts:read"
	CommentsWrite = "comments:write"
	GroupsRead    = "groups:read"

	// Capabilities present in both scopes.
	KeysIssue         = "keys:issue"
	KeychainsManage   = "keychains:manage"
	PostsAccessManage = "posts:access:manage"
)

// Scope partitions the catalog by principal kind.
type Scope string

// Recognized scopes.
const (
	ScopeOwner Scope = "owner"
	ScopeKey   Scope = "key"
)

var ownerScope = map[string]struct{}{
	OwnersManage:      {},
	KeysIssue:         {},
	KeysRead:          {},
	KeysRotate:        {},
	KeysStateUpdate:   {},
	GroupsManage:      {},
	KeychainsManage:   {},
	PostsAdminRead:    {},
	PostsAccessManage: {},
}

var keyScope = map[string]struct{}{
	KeysIssue:         {},
	PostsCreate:       {},
	PostsRead:         {},
	CommentsWrite:     {},
	GroupsRead:        {},
	KeychainsManage:   {},
	PostsAccessManage: {},
}

// useKeyForbidden is the set of capabilities a use key may never carry.
var useKeyForbidden = map[string]struct{}{
	PostsCreate: {},
	KeysIssue:   {},
}

var wellFormedPattern = regexp.MustCompile(`^[a-z]+(:[a-z_]+)+$`)

// OwnerScope returns the sorted owner-scope catalog.
func OwnerScope() []string {
	return sortedKeys(ownerScope)
}

// KeyScope returns the sorted key-scope catalog.
func KeyScope() []string {
	return sortedKeys(keyScope)
}

// InScope reports whether capability is part of the given scope's catalog.
func InScope(scope Scope, capability string) bool {
	switch scope {
	case ScopeOwner:
		_, ok := ownerScope[capability]
		return ok
	case ScopeKey:
		_, ok := keyScope[capability]
		return ok
	default:
		return false
	}
}

// IsWellFormed reports whether s has the syntactic shape of a capability
// string. Well-formedness does not imply catalog membership.
func IsWellFormed(s string) bool {
	return wellFormedPattern.MatchString(s)
}

// ValidateKnown checks every entry of perms against the scope's catalog and
// returns an *UnknownCapabilityError naming the offenders when any entry is
// malformed or not enumerated.
func ValidateKnown(scope Scope, perms []string) error {
	var unknown []string
	for _, p := range perms {
		if !IsWellFormed(p) || !InScope(scope, p) {
			unknown = append(unknown, p)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &UnknownCapabilityError{Scope: scope, Unknown: dedupSorted(unknown)}
	}
	return nil
}

// ValidateEnvelope enforces the delegation rule: every capability of child
// must be present in parent. Violations return an *OutsideEnvelopeError
// carrying the sorted missing set.
func ValidateEnvelope(child, parent []string) error {
	parentSet := make(map[string]struct{}, len(parent))
	for _, p := range parent {
		parentSet[p] = struct{}{}
	}

	var missing []string
	for _, c := range child {
		if _, ok := parentSet[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &OutsideEnvelopeError{Missing: dedupSorted(missing)}
	}
	return nil
}

// ValidateUseKey rejects permission sets that a use key may not carry.
func ValidateUseKey(perms []string) error {
	var forbidden []string
	for _, p := range perms {
		if _, ok := useKeyForbidden[p]; ok {
			forbidden = append(forbidden, p)
		}
	}
	if len(forbidden) > 0 {
		sort.Strings(forbidden)
		return &ForbiddenForUseKeyError{Forbidden: dedupSorted(forbidden)}
	}
	return nil
}

// Normalize returns the storage form of a permission set: sorted and
// de-duplicated. The input slice is not modified.
func Normalize(perms []string) []string {
	if len(perms) == 0 {
		return []string{}
	}
	out := make([]string, len(perms))
	copy(out, perms)
	sort.Strings(out)
	return dedupSorted(out)
}

// Contains reports whether the sorted-or-not permission set carries the
// capability.
func Contains(perms []string, capability string) bool {
	for _, p := range perms {
		if p == capability {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func dedupSorted(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
