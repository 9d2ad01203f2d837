// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

package privhelper

import (
	"context"
	"errors"
	"os"
	"time"
)

// Helper is the client side of the privileged-helper channel. The
// production implementation multiplexes requests over the socketpair to
// the spawned helper; tests substitute their own implementations
// directly.
//
// The eight operation methods may be called concurrently from any
// goroutine while the helper is attached; completions are independent
// and may finish in any order. Cancelling an operation's context
// abandons the wait only — there is no per-request cancellation on the
// wire, and the only whole-channel cancellation is Detach or Stop.
type Helper interface {
	// Mount asks the helper to mount a FUSE filesystem at mountPath
	// and returns the mounted device handle. The response must carry
	// exactly one file descriptor; any other count fails the request.
	Mount(ctx context.Context, mountPath string, readOnly bool) (*os.File, error)

	// Unmount unmounts the FUSE filesystem at mountPath.
	Unmount(ctx context.Context, mountPath string) error

	// BindMount bind-mounts repoPath at mountPath.
	BindMount(ctx context.Context, repoPath, mountPath string) error

	// BindUnmount removes the bind mount at mountPath.
	BindUnmount(ctx context.Context, mountPath string) error

	// TakeoverShutdown tells the helper to forget mountPath without
	// unmounting it, so a successor daemon can adopt the live kernel
	// session.
	TakeoverShutdown(ctx context.Context, mountPath string) error

	// TakeoverStartup registers mountPath and its bind mounts as
	// already mounted, adopting a kernel session handed over by a
	// predecessor daemon.
	TakeoverStartup(ctx context.Context, mountPath string, bindMounts []string) error

	// SetLogFile redirects the helper's log output to file. The file
	// descriptor travels with the request; the caller retains
	// ownership of file and may close it once SetLogFile returns.
	SetLogFile(ctx context.Context, file *os.File) error

	// SetDaemonTimeout configures the helper's daemon timeout.
	SetDaemonTimeout(ctx context.Context, timeout time.Duration) error

	// Attach binds the connection to a new owning loop and starts
	// receiving responses. Valid only in the NotStarted state; a
	// detached helper may be re-attached. Cancelling ctx detaches from
	// within the loop itself, equivalent to Detach.
	Attach(ctx context.Context) error

	// Detach stops the owning loop without closing the connection.
	// Requests issued while detached fail immediately; pending
	// requests survive and resolve after a subsequent Attach. Detach
	// is a no-op outside the Running state.
	Detach() error

	// Stop shuts the channel down: detaches if attached, closes the
	// socket, fails all pending requests, and waits for the helper
	// process to exit. Returns the negative signal number if the
	// helper was killed by a signal, its exit code otherwise, or a
	// synthetic 0 when no process was ever spawned. A second Stop
	// returns ErrNoProcess without blocking.
	Stop() (int, error)
}

// UserIdentity is the identity the daemon drops privileges to. The
// spawned helper receives it as explicit arguments so it can chown
// mount points back to the real user.
type UserIdentity struct {
	UID uint32
	GID uint32
}

var (
	// ErrHelperClosed is returned for requests issued while the
	// connection is not in the Running state, and wraps the failure
	// delivered to pending requests when the transport dies.
	ErrHelperClosed = errors.New("privhelper connection closed")

	// ErrNoProcess is returned by Stop when the helper process has
	// already been waited for. Analogous to ESRCH.
	ErrNoProcess = errors.New("no privhelper process to wait for")

	// ErrUnsupported is returned by stub helpers on platforms without
	// a privileged-subprocess model.
	ErrUnsupported = errors.New("privhelper is not supported on this platform")
)

// ViolationError reports a protocol-invariant violation: an event that
// implies the client and helper have desynchronized, such as a response
// for an unknown transaction id or a mount response with the wrong
// number of attached file descriptors. Recovery is not safe, so these
// escalate through the client's violation hook in addition to failing
// the affected request.
type ViolationError struct {
	Reason string
}

func (e *ViolationError) Error() string {
	return "privhelper protocol violation: " + e.Reason
}
