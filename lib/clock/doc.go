// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock parameter instead of calling time.Now,
// time.After, or time.Sleep directly. In production, Real() provides the
// standard library behavior. In tests, Fake() provides a deterministic
// clock that advances only when Advance is called.
//
// The privhelper server uses a Clock to compute idle read deadlines from
// the configured daemon timeout; tests drive those deadlines without
// waiting on the wall clock.
package clock
