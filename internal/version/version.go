/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version holds the build version string.
package version

// Version is overridden at build time via ldflags:
//
//	-X github.com/ad-repo/adamp-sub001/internal/version.Version=X.Y.Z
var Version = "1.0.0"
