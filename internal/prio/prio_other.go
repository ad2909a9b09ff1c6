//go:build !linux

package prio

import "github.com/rtedbg/rtegdb/pkg/logflags"

// Raise is a no-op on platforms without priority support.
func Raise(drivers []string) {
	logflags.SessionLogger().Debugf("priority elevation not supported on this platform")
}

// Lower is a no-op on platforms without priority support.
func Lower(drivers []string) {}
