// hearthlink - resilient command-line client for the smart-home device cloud.
package main

import (
	"os"

	"github.com/hearthlink/hearthlink/internal/cli"
	"github.com/hearthlink/hearthlink/internal/version"
)

// Version information, injected via -ldflags for release builds.
var (
	Version   = "v0.4.0-dev"
	BuildTime = "unknown"
)

func main() {
	version.Version = Version
	version.BuildTime = BuildTime

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
