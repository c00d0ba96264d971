// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package versions reports the build metadata stamped into the keyloom
// binary.
package versions

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

const unknownStr = "unknown"

// Set at build time via -ldflags. A plain `go build` leaves them at these
// placeholders and GetVersionInfo falls back to the module build info.
var (
	// Version is the keyloom release version.
	Version = "dev"
	// Commit is the git commit hash of the build.
	Commit = unknownStr
	// BuildDate is when the binary was built, RFC 3339.
	BuildDate = unknownStr
)

// VersionInfo is the resolved build metadata.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo resolves the stamped values, filling gaps from the Go build
// info when the binary was built without ldflags.
func GetVersionInfo() VersionInfo {
	version := Version
	commit := Commit
	buildDate := BuildDate

	if version == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					if commit == unknownStr {
						commit = setting.Value
					}
				case "vcs.time":
					if buildDate == unknownStr {
						buildDate = setting.Value
					}
				}
			}
		}
	}

	if buildDate != unknownStr {
		if t, err := time.Parse(time.RFC3339, buildDate); err == nil {
			buildDate = t.Format("2006-01-02 15:04:05 MST")
		}
	}

	// An unstamped build gets a synthetic version from the commit.
	if version == "dev" {
		version = fmt.Sprintf("build-%.8s", commit)
	}

	return VersionInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
