//go:build linux

// Package prio raises and lowers the scheduling priority of this
// process and of the debug-probe driver processes, so the host side of
// a transfer is not starved while the probe streams data. This is an OS
// policy hint only; the protocol never depends on it.
package prio

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/rtedbg/rtegdb/pkg/logflags"
)

const (
	elevatedNice = -15
	normalNice   = 0
)

// Raise elevates the current process and every process whose
// executable name appears in drivers. Failures (usually missing
// privileges) are logged and otherwise ignored.
func Raise(drivers []string) {
	setAll(drivers, elevatedNice, true)
}

// Lower returns the current process and the driver processes to the
// default priority.
func Lower(drivers []string) {
	setAll(drivers, normalNice, false)
}

func setAll(drivers []string, nice int, reportErrors bool) {
	log := logflags.SessionLogger()

	if err := unix.Setpriority(unix.PRIO_PROCESS, os.Getpid(), nice); err != nil && reportErrors {
		log.Debugf("could not set own priority to %d: %v", nice, err)
	}

	for _, name := range drivers {
		pids := findByName(name)
		if len(pids) == 0 {
			if reportErrors {
				log.Debugf("process %q not found", name)
			}
			continue
		}
		for _, pid := range pids {
			if err := unix.Setpriority(unix.PRIO_PROCESS, pid, nice); err != nil && reportErrors {
				log.Debugf("could not set priority of %q (pid %d): %v", name, pid, err)
			}
		}
	}
}

// findByName returns the pids of all processes whose command name
// matches name, with or without a path or extension.
func findByName(name string) []int {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "comm"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(comm)) == base {
			pids = append(pids, pid)
		}
	}
	return pids
}
