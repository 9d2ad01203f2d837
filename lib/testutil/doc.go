// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Sapling packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls. Privhelper
// client tests lean on these heavily: every asynchronous completion is
// read through RequireReceive so a protocol bug hangs for a bounded
// time instead of wedging the suite.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
