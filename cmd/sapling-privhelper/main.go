// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin

// sapling-privhelper is the privileged helper spawned by the Sapling
// daemon. It inherits one end of a socketpair as an open descriptor,
// serves the privhelper protocol over it, and exits when the daemon
// closes the other end. All privileged work (FUSE mounts, bind mounts,
// takeover bookkeeping) happens here so the daemon itself can drop
// privileges immediately after spawning us.
package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/skevy/sapling/lib/privhelper"
	"github.com/skevy/sapling/lib/process"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		uid uint
		gid uint
		fd  int
	)
	flag.UintVar(&uid, "uid", 0, "real uid of the daemon user (mount ownership)")
	flag.UintVar(&gid, "gid", 0, "real gid of the daemon user (mount ownership)")
	flag.IntVar(&fd, "fd", 3, "inherited control socket descriptor")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	conn, err := privhelper.ConnFromFD(fd)
	if err != nil {
		return err
	}

	handler := newMountHandler(uint32(uid), uint32(gid), logger)
	server := privhelper.NewServer(privhelper.ServerOptions{
		Conn:    conn,
		Handler: handler,
		Logger:  logger,
	})

	logger.Info("privileged helper started",
		"pid", os.Getpid(),
		"uid", uid,
		"gid", gid,
	)

	serveErr := server.Serve()

	// Unmount everything we still own. Mounts handed off through
	// takeover-shutdown are no longer tracked and stay alive for the
	// successor daemon.
	handler.cleanup()

	if serveErr != nil {
		return serveErr
	}
	logger.Info("privileged helper exiting")
	return nil
}
