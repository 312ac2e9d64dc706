// Command sharedws-broker serves one shared upstream websocket to many local consumers.
package main

import (
	"os"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
