//go:build !windows

package main

import (
	"os"
	"syscall"
)

// shutdownSignals start a graceful drain of in-flight replies. A second
// signal during the drain exits immediately.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT}
