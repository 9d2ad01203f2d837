// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse provides the kernel cache invalidation machinery shared
// by Sapling's filesystem drivers.
//
// Invalidations (attribute/content ranges, directory entries,
// deletions) are dispatched asynchronously by a single worker so
// filesystem mutation paths never block on the kernel's notify
// replies. FlushInvalidations is the barrier that makes the asynchrony
// safe: it completes only once every invalidation enqueued before the
// call has been applied, which is the proof a driver needs before
// acknowledging a content-mutating operation whose effects must be
// visible to subsequent attribute reads, content reads, and lookups.
package fuse
