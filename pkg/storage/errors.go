// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import "errors"

var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrRotated is returned when a refresh-token rotation loses the race:
	// the old row was already rotated by a concurrent presentation.
	ErrRotated = errors.New("refresh token already rotated")

	// ErrRetired is returned when a write targets a key in its terminal
	// retired state.
	ErrRetired = errors.New("key already retired")

	// ErrUseLimitExceeded is returned when a use key has exhausted its
	// exchange budget.
	ErrUseLimitExceeded = errors.New("use count limit exceeded")

	// ErrDeviceLimitExceeded is returned when a use key has seen its maximum
	// number of distinct devices.
	ErrDeviceLimitExceeded = errors.New("device limit exceeded")
)
