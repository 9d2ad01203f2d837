// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !(linux || darwin)

package privhelper

import "log/slog"

// HelperBinaryName is the fixed name of the privileged helper binary.
const HelperBinaryName = "sapling-privhelper"

// Start degrades to a stub on platforms without a privileged-subprocess
// model. Callers get the full Helper surface; privileged operations
// fail with ErrUnsupported.
func Start(identity UserIdentity, logger *slog.Logger) (Helper, error) {
	if logger != nil {
		logger.Warn("privileged helper is not supported on this platform; using stub")
	}
	return NewStub(), nil
}
