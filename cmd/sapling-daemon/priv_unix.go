// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin

package main

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/skevy/sapling/lib/privhelper"
)

// dropPrivileges returns the daemon to the real user's identity after
// the helper has been spawned. Group first: dropping uid first would
// leave us without the privilege to change groups. No-op when not
// running with elevated privileges.
func dropPrivileges(identity privhelper.UserIdentity, logger *slog.Logger) error {
	if os.Geteuid() != 0 {
		return nil
	}
	if identity.UID == 0 {
		// Genuinely running as root; nothing to drop to.
		return nil
	}
	if err := unix.Setgid(int(identity.GID)); err != nil {
		return fmt.Errorf("dropping gid to %d: %w", identity.GID, err)
	}
	if err := unix.Setuid(int(identity.UID)); err != nil {
		return fmt.Errorf("dropping uid to %d: %w", identity.UID, err)
	}
	logger.Info("dropped privileges", "uid", identity.UID, "gid", identity.GID)
	return nil
}
