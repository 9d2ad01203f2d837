// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !(linux || darwin)

package main

import (
	"errors"

	"github.com/skevy/sapling/lib/process"
)

func main() {
	process.Fatal(errors.New("sapling-privhelper is not supported on this platform"))
}
