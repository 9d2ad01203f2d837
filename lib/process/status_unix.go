// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin

package process

import (
	"os"
	"syscall"
)

// ExitStatus translates a collected child status into a single int:
// the negative signal number if the process was killed by a signal,
// otherwise its nonnegative exit code. This is the convention the
// privhelper client reports from Stop.
func ExitStatus(state *os.ProcessState) int {
	if state == nil {
		return 0
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return -int(status.Signal())
	}
	return state.ExitCode()
}
