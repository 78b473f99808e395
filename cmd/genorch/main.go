// Command genorch runs the generation orchestrator: an HTTP service plus
// operator commands against the same configuration.
package main

import (
	"os"
)

// Version is set via ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
