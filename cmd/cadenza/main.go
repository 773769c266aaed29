// Command cadenza runs the cadenza improvisation server and its tooling.
//
// Usage:
//
//	cadenza [flags] <command> [args]
//
// Commands:
//
//	serve      - Run the engine with its control and output websockets
//	corpus     - Inspect or convert analysed corpus documents
//	decisions  - Print a player's recorded decisions
//	version    - Show version information
package main

import (
	"fmt"
	"os"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cadenza: %v\n", err)
		os.Exit(1)
	}
}
