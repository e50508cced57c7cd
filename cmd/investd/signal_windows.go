//go:build windows

package main

import "os"

// shutdownSignals start a graceful drain of in-flight replies. Only Ctrl+C is
// delivered on Windows.
var shutdownSignals = []os.Signal{os.Interrupt}
