// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for the Sapling
// daemon and helper binaries: fatal error reporting to stderr before
// the structured logger exists, and exit-status translation for
// collected child processes.
package process
