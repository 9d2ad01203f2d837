// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// macOS FUSE mounts go through the macFUSE kernel extension's own
// mount helper rather than mount(2); that integration has not been
// built yet. The protocol surface is served so the daemon behaves
// identically, with mount operations reporting the gap.
var errMacMounts = errors.New("fuse mounts are not implemented on macOS")

type mountHandler struct {
	logger *slog.Logger
	uid    uint32
	gid    uint32
}

func newMountHandler(uid, gid uint32, logger *slog.Logger) *mountHandler {
	return &mountHandler{logger: logger, uid: uid, gid: gid}
}

func (h *mountHandler) Mount(mountPath string, readOnly bool) (*os.File, error) {
	return nil, errMacMounts
}

func (h *mountHandler) Unmount(mountPath string) error { return errMacMounts }

func (h *mountHandler) BindMount(repoPath, mountPath string) error { return errMacMounts }

func (h *mountHandler) BindUnmount(mountPath string) error { return errMacMounts }

func (h *mountHandler) TakeoverShutdown(mountPath string) error { return errMacMounts }

func (h *mountHandler) TakeoverStartup(mountPath string, bindMounts []string) error {
	return errMacMounts
}

func (h *mountHandler) SetLogFile(file *os.File) error {
	defer file.Close()
	if err := unix.Dup2(int(file.Fd()), 2); err != nil {
		return fmt.Errorf("redirecting helper log output: %w", err)
	}
	h.logger.Info("helper log output redirected")
	return nil
}

func (h *mountHandler) SetDaemonTimeout(timeout time.Duration) error {
	h.logger.Info("daemon timeout updated", "timeout", timeout)
	return nil
}

func (h *mountHandler) cleanup() {}
