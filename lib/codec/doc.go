// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Sapling's standard CBOR encoding. All opcode
// payloads on the privhelper wire protocol are encoded through this
// package so that client and server agree on a single configuration:
// Core Deterministic Encoding on the way out, permissive decoding with
// unknown fields ignored on the way in (forward compatibility across
// daemon/helper version skew during takeover restarts).
package codec
