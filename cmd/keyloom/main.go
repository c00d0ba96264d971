// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the keyloom CLI.
package main

import (
	"os"

	"github.com/keyloom/keyloom/cmd/keyloom/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
