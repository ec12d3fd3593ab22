// Package versionutil holds the build version shared by the CLI and the
// tunnel handshake.
package versionutil

import "strings"

// Version is set at build time via -ldflags.
var Version = "dev"

// EnsureVPrefix returns s with a leading "v" if it doesn't already have one.
func EnsureVPrefix(s string) string {
	if s != "" && !strings.HasPrefix(s, "v") {
		return "v" + s
	}
	return s
}

// Current returns the build version, "v"-prefixed for releases.
func Current() string {
	if Version == "dev" {
		return Version
	}
	return EnsureVPrefix(Version)
}
