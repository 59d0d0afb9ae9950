// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package versions reports build information injected with -ldflags.
package versions

import (
	"fmt"
	"runtime"
	"time"
)

const unknownStr = "unknown"

// Set at build time.
var (
	Version   = "dev"
	Commit    = unknownStr
	BuildDate = unknownStr
)

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the build information. Development builds are named
// after the first eight characters of their commit.
func GetVersionInfo() VersionInfo {
	ver := Version
	if ver == "dev" {
		short := Commit
		if len(short) > 8 {
			short = short[:8]
		}
		ver = "build-" + short
	}

	date := BuildDate
	if t, err := time.Parse(time.RFC3339, BuildDate); err == nil {
		date = t.UTC().Format("2006-01-02 15:04:05 MST")
	}

	return VersionInfo{
		Version:   ver,
		Commit:    Commit,
		BuildDate: date,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
