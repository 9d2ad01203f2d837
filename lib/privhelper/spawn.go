// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin

package privhelper

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// HelperBinaryName is the fixed name of the privileged helper binary.
// It must live next to the daemon executable; there is no search path,
// by design.
const HelperBinaryName = "sapling-privhelper"

// Start validates the running executable and its sibling helper
// binary, then spawns the helper as a child process connected by a
// socketpair. On any validation failure no process is spawned and no
// socket is created.
//
// Caller preconditions, not enforced here: Start must run before the
// daemon drops privileges (the helper inherits the current effective
// identity) and before additional goroutines are introduced.
func Start(identity UserIdentity, logger *slog.Logger) (Helper, error) {
	exePath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving executable path: %w", err)
	}
	if err := checkCanonicalExecutable(exePath); err != nil {
		return nil, err
	}

	helperPath := filepath.Join(filepath.Dir(exePath), HelperBinaryName)
	if err := checkHelperBinary(exePath, helperPath, os.Getuid() != os.Geteuid()); err != nil {
		return nil, err
	}

	clientConn, serverFile, err := NewConnPair()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(helperPath,
		fmt.Sprintf("--uid=%d", identity.UID),
		fmt.Sprintf("--gid=%d", identity.GID),
		"--fd=3",
	)
	cmd.ExtraFiles = []*os.File{serverFile} // becomes fd 3 in the child
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		serverFile.Close()
		clientConn.Close()
		return nil, fmt.Errorf("spawning %s: %w", HelperBinaryName, err)
	}
	// The parent keeps only the client side of the pair.
	serverFile.Close()

	if logger != nil {
		logger.Info("spawned privileged helper",
			"pid", cmd.Process.Pid,
			"path", helperPath,
			"uid", identity.UID,
			"gid", identity.GID,
		)
	}
	return newClient(clientConn, cmd, logger), nil
}

// StartInProcess runs the protocol server loop over an internal
// socketpair in a goroutine of this process instead of spawning the
// helper binary. Test harnesses use this to exercise the full protocol
// end to end; it is not available on platforms without Unix
// socketpairs. Stop closes the client side, which stops the server
// loop via EOF, and synthesizes exit status 0.
func StartInProcess(handler Handler, logger *slog.Logger) (Helper, error) {
	clientConn, serverFile, err := NewConnPair()
	if err != nil {
		return nil, err
	}
	serverConn, err := NewConn(serverFile)
	if err != nil {
		clientConn.Close()
		return nil, err
	}

	server := NewServer(ServerOptions{Conn: serverConn, Handler: handler, Logger: logger})
	go func() {
		if err := server.Serve(); err != nil && logger != nil {
			logger.Error("in-process privhelper server failed", "err", err)
		}
	}()
	return newClient(clientConn, nil, logger), nil
}

// NewFromSocket adopts an already-open connection with no spawned
// process at all. Test doubles use this to stand in for the helper;
// Stop synthesizes a successful zero exit status instead of waiting on
// a process.
func NewFromSocket(conn *Conn, logger *slog.Logger) Helper {
	return newClient(conn, nil, logger)
}

// checkCanonicalExecutable rejects executables reached through a
// symlink. A non-canonical path means the binary the kernel ran is not
// the binary the installation claims, which is the setup for a
// symlink-substitution privilege escalation.
func checkCanonicalExecutable(exePath string) error {
	canonical, err := filepath.EvalSymlinks(exePath)
	if err != nil {
		return fmt.Errorf("canonicalizing executable path %s: %w", exePath, err)
	}
	if canonical != exePath {
		return fmt.Errorf("refusing to start privhelper: executable path %s resolves to %s; this may indicate a symlink attack", exePath, canonical)
	}
	return nil
}

// checkHelperBinary stats both binaries (without following symlinks)
// and applies the ownership rules.
func checkHelperBinary(exePath, helperPath string, setuid bool) error {
	var selfStat, helperStat unix.Stat_t
	if err := unix.Lstat(exePath, &selfStat); err != nil {
		return fmt.Errorf("lstat %s: %w", exePath, err)
	}
	if err := unix.Lstat(helperPath, &helperStat); err != nil {
		return fmt.Errorf("locating helper binary %s: %w", helperPath, err)
	}
	return checkHelperIdentity(exePath, helperPath, &selfStat, &helperStat, setuid)
}

// checkHelperIdentity is the pure ownership check, split from the
// filesystem access so tests can exercise every rejection branch.
func checkHelperIdentity(exePath, helperPath string, self, helper *unix.Stat_t, setuid bool) error {
	if setuid && self.Uid != 0 {
		// A setuid invocation of a non-root-owned binary means the
		// installation is not the one that granted the privileges.
		return fmt.Errorf("refusing to start privhelper: %s runs with elevated privileges but is owned by uid %d rather than root", exePath, self.Uid)
	}
	if self.Uid != helper.Uid || self.Gid != helper.Gid {
		return fmt.Errorf(
			"refusing to start privhelper: %s is owned by uid=%d gid=%d but %s is owned by uid=%d gid=%d",
			exePath, self.Uid, self.Gid, helperPath, helper.Uid, helper.Gid,
		)
	}
	if helper.Mode&unix.S_IFMT == unix.S_IFLNK {
		return fmt.Errorf("refusing to start privhelper: helper binary %s is a symlink", helperPath)
	}
	return nil
}
