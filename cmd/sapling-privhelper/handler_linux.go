// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// fuseDevice is the kernel FUSE control device. The helper opens it,
// mounts it at the requested path, and ships the descriptor back to
// the daemon, which serves the filesystem on it unprivileged.
const fuseDevice = "/dev/fuse"

// mountHandler executes the privileged operations. It tracks which
// FUSE mounts (and their bind mounts) this helper owns so they can be
// unmounted when the daemon goes away — except mounts released through
// takeover-shutdown, which deliberately outlive us.
type mountHandler struct {
	logger *slog.Logger
	uid    uint32
	gid    uint32

	mu sync.Mutex
	// mounts maps a FUSE mount path to the bind mounts layered inside
	// it, in creation order.
	mounts map[string][]string
}

func newMountHandler(uid, gid uint32, logger *slog.Logger) *mountHandler {
	return &mountHandler{
		logger: logger,
		uid:    uid,
		gid:    gid,
		mounts: make(map[string][]string),
	}
}

func (h *mountHandler) Mount(mountPath string, readOnly bool) (*os.File, error) {
	device, err := os.OpenFile(fuseDevice, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", fuseDevice, err)
	}

	options := fmt.Sprintf(
		"fd=%d,rootmode=40000,user_id=%d,group_id=%d,allow_other,default_permissions",
		device.Fd(), h.uid, h.gid,
	)
	flags := uintptr(unix.MS_NOSUID | unix.MS_NODEV)
	if readOnly {
		flags |= unix.MS_RDONLY
	}
	if err := unix.Mount("sapling", mountPath, "fuse", flags, options); err != nil {
		device.Close()
		return nil, fmt.Errorf("mounting fuse at %s: %w", mountPath, err)
	}

	h.mu.Lock()
	h.mounts[mountPath] = nil
	h.mu.Unlock()

	h.logger.Info("mounted fuse filesystem", "path", mountPath, "read_only", readOnly)
	return device, nil
}

func (h *mountHandler) Unmount(mountPath string) error {
	h.mu.Lock()
	binds := h.mounts[mountPath]
	h.mu.Unlock()

	// Bind mounts nest inside the checkout; peel them off first, most
	// recent first.
	for i := len(binds) - 1; i >= 0; i-- {
		if err := unmountPath(binds[i]); err != nil {
			return fmt.Errorf("unmounting bind mount %s: %w", binds[i], err)
		}
	}
	if err := unmountPath(mountPath); err != nil {
		return err
	}

	h.mu.Lock()
	delete(h.mounts, mountPath)
	h.mu.Unlock()

	h.logger.Info("unmounted fuse filesystem", "path", mountPath)
	return nil
}

func (h *mountHandler) BindMount(repoPath, mountPath string) error {
	if err := os.MkdirAll(mountPath, 0o755); err != nil {
		return fmt.Errorf("creating bind mount point %s: %w", mountPath, err)
	}
	if err := unix.Mount(repoPath, mountPath, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind mounting %s at %s: %w", repoPath, mountPath, err)
	}

	h.mu.Lock()
	if owner := h.owningMount(mountPath); owner != "" {
		h.mounts[owner] = append(h.mounts[owner], mountPath)
	}
	h.mu.Unlock()

	h.logger.Info("created bind mount", "repo", repoPath, "path", mountPath)
	return nil
}

func (h *mountHandler) BindUnmount(mountPath string) error {
	if err := unmountPath(mountPath); err != nil {
		return err
	}

	h.mu.Lock()
	if owner := h.owningMount(mountPath); owner != "" {
		binds := h.mounts[owner]
		for i, bind := range binds {
			if bind == mountPath {
				h.mounts[owner] = append(binds[:i], binds[i+1:]...)
				break
			}
		}
	}
	h.mu.Unlock()

	h.logger.Info("removed bind mount", "path", mountPath)
	return nil
}

func (h *mountHandler) TakeoverShutdown(mountPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.mounts[mountPath]; !ok {
		return fmt.Errorf("takeover-shutdown for unknown mount %s", mountPath)
	}
	// Forget the mount without touching it; the kernel session stays
	// alive for the successor daemon's helper.
	delete(h.mounts, mountPath)
	h.logger.Info("released mount for takeover", "path", mountPath)
	return nil
}

func (h *mountHandler) TakeoverStartup(mountPath string, bindMounts []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.mounts[mountPath]; ok {
		return fmt.Errorf("takeover-startup for already-tracked mount %s", mountPath)
	}
	h.mounts[mountPath] = append([]string(nil), bindMounts...)
	h.logger.Info("adopted mount from takeover",
		"path", mountPath,
		"bind_mounts", len(bindMounts),
	)
	return nil
}

func (h *mountHandler) SetLogFile(file *os.File) error {
	defer file.Close()
	// Route everything that writes to stderr — including the slog
	// handler constructed at startup — to the daemon-provided file.
	if err := unix.Dup2(int(file.Fd()), 2); err != nil {
		return fmt.Errorf("redirecting helper log output: %w", err)
	}
	h.logger.Info("helper log output redirected")
	return nil
}

func (h *mountHandler) SetDaemonTimeout(timeout time.Duration) error {
	// The server loop applies the idle deadline; the handler only
	// records the change.
	h.logger.Info("daemon timeout updated", "timeout", timeout)
	return nil
}

// cleanup unmounts everything still tracked, deepest path first so
// nested bind mounts release before their checkout.
func (h *mountHandler) cleanup() {
	h.mu.Lock()
	paths := make([]string, 0, len(h.mounts))
	for mountPath := range h.mounts {
		paths = append(paths, mountPath)
	}
	h.mu.Unlock()

	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	for _, mountPath := range paths {
		if err := h.Unmount(mountPath); err != nil {
			h.logger.Warn("cleanup unmount failed", "path", mountPath, "err", err)
		}
	}
}

// owningMount returns the tracked FUSE mount containing path, or "".
// Callers hold h.mu.
func (h *mountHandler) owningMount(path string) string {
	for mountPath := range h.mounts {
		if strings.HasPrefix(path, mountPath+"/") {
			return mountPath
		}
	}
	return ""
}

// unmountPath unmounts without following symlinks, escalating to a
// lazy detach if the mount is busy.
func unmountPath(path string) error {
	err := unix.Unmount(path, unix.UMOUNT_NOFOLLOW)
	if errors.Is(err, unix.EBUSY) {
		err = unix.Unmount(path, unix.UMOUNT_NOFOLLOW|unix.MNT_DETACH)
	}
	if err != nil {
		return fmt.Errorf("unmounting %s: %w", path, err)
	}
	return nil
}
