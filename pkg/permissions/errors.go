// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package permissions

import (
	"fmt"
	"strings"
)

// UnknownCapabilityError reports capability strings outside the scope's
// catalog, including well-formed-but-unrecognized ones.
type UnknownCapabilityError struct {
	Scope   Scope
	Unknown []string
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("unknown %s-scope capabilities: %s", e.Scope, strings.Join(e.Unknown, ", "))
}

// OutsideEnvelopeError reports a delegation attempt that exceeds the parent
// key's permission envelope.
type OutsideEnvelopeError struct {
	Missing []string
}

func (e *OutsideEnvelopeError) Error() string {
	return fmt.Sprintf("requested permissions outside parent envelope: %s", strings.Join(e.Missing, ", "))
}

// ForbiddenForUseKeyError reports capabilities that use keys may never carry.
type ForbiddenForUseKeyError struct {
	Forbidden []string
}

func (e *ForbiddenForUseKeyError) Error() string {
	return fmt.Sprintf("capabilities forbidden for use keys: %s", strings.Join(e.Forbidden, ", "))
}
