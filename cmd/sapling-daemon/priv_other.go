// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !(linux || darwin)

package main

import (
	"log/slog"

	"github.com/skevy/sapling/lib/privhelper"
)

// dropPrivileges is a no-op where there is no setuid model; Start
// already degraded to the stub helper.
func dropPrivileges(privhelper.UserIdentity, *slog.Logger) error {
	return nil
}
