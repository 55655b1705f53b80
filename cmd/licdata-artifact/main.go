// Command licdata-artifact builds licdata container images and publishes
// them to a registry, driven by events.
package main

import (
	"os"
)

// Injected via ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
