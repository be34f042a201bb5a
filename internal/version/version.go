// Package version provides build version information for the application.
// This is a separate package so api and cli can both read it without an import cycle.
package version

import (
	"fmt"
	"runtime"
)

// Version is the build version string, set by ldflags during build.
// Format: vX.Y.Z or vX.Y.Z-dev for development builds.
var Version = "v0.4.0-dev"

// BuildTime is the build timestamp, set by ldflags during build.
var BuildTime = "unknown"

// UserAgent is sent on every cloud API request and realtime handshake.
func UserAgent() string {
	return fmt.Sprintf("hearthlink/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
