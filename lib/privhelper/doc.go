// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

// Package privhelper lets the unprivileged Sapling daemon perform a
// small set of privileged operations (FUSE mounts, bind mounts,
// kernel-session takeover) by delegating them to a separately spawned
// helper process.
//
// The daemon talks to the helper over a persistent fd-capable Unix
// socketpair using a transaction-correlated request/response protocol:
// every message carries a client-assigned 32-bit transaction id, the
// helper may complete requests out of send order, and responses are
// matched to callers by id alone. The client side (the Helper
// interface) owns the connection state machine: NotStarted, Running,
// Closed, Waited. Any transport failure collapses the whole channel to
// Closed and fails every in-flight request; there is no retry or
// reconnection at this layer.
//
// Start spawns the helper binary after validating that it is a
// non-symlink sibling of the running executable with identical
// ownership (and that a setuid invocation is root-owned). Two alternate
// constructors exist for tests and platforms that cannot spawn:
// StartInProcess runs the protocol server loop in a goroutine of the
// same process, and NewFromSocket adopts an already-open socket with no
// process behind it. On platforms with no privileged-subprocess model
// at all, Start returns a stub with the same surface whose operations
// fail with ErrUnsupported.
package privhelper
