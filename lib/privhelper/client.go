// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin

package privhelper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skevy/sapling/lib/process"
)

// connStatus is the connection state machine. Transitions:
// NotStarted→Running (attach), Running→NotStarted (detach),
// Running→Closed (transport failure), {Running,Closed}→Waited (stop).
// Waited is terminal.
type connStatus uint32

const (
	statusNotStarted connStatus = iota
	statusRunning
	statusClosed
	statusWaited
)

func (s connStatus) String() string {
	switch s {
	case statusNotStarted:
		return "not-started"
	case statusRunning:
		return "running"
	case statusClosed:
		return "closed"
	case statusWaited:
		return "waited"
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// completion is the single-fulfillment handle for one pending request.
type completion struct {
	msg *Message
	err error
}

// sendRequest carries one request onto the owning loop.
type sendRequest struct {
	msg  *Message
	done chan completion // capacity 1; fulfilled exactly once
}

// loop is one attach incarnation: the goroutines and channels that own
// the connection's mutable state while Running. A fresh loop is built
// on every Attach so a detach/re-attach cycle never reuses stale
// channels.
type loop struct {
	ctx        context.Context
	conn       *Conn
	commands   chan *sendRequest
	incoming   chan *Message
	readErr    chan error    // buffered; the reader never blocks on it
	stop       chan struct{} // closed to ask both goroutines to exit
	done       chan struct{} // closed when run returns
	readerDone chan struct{} // closed when the reader returns
}

// client is the production Helper implementation: the multiplexer in
// front of the privhelper channel.
//
// Concurrency model: the pending table and the socket are owned by the
// attached loop goroutine; callers on other goroutines proxy requests
// onto it through lp.commands rather than touching shared state. The
// only cross-goroutine fields are st and lp, guarded by mu, read on
// every send to decide whether the send should be attempted at all.
type client struct {
	logger *slog.Logger

	// cmd is the spawned helper process, nil for the socket-wrap and
	// in-process variants (Stop then synthesizes exit status 0).
	cmd *exec.Cmd

	// nextXID is the transaction id counter, starting at 1.
	// Wraparound at 2^32 is an accepted limitation: a collision would
	// require 2^32 simultaneously outstanding requests.
	nextXID atomic.Uint32

	mu sync.Mutex
	st connStatus

	// lp is the current or most recent loop incarnation. It remains
	// published after st leaves Running until the incarnation has been
	// joined, so every teardown path can wait on lp.done/lp.readerDone
	// before touching conn or pending.
	lp *loop

	// conn and pending are owned by the loop goroutine while Running;
	// between detach and re-attach nothing touches them, and Stop
	// takes them over once the loop has been joined. Pending entries
	// deliberately survive a detach.
	conn    *Conn
	pending map[uint32]chan completion

	// onViolation receives protocol-invariant violations (unknown
	// transaction id, wrong descriptor count). These imply the client
	// and helper have desynchronized, so they escalate separately
	// from ordinary request failures. Defaults to logging at Error
	// level; tests override it to observe the escalation.
	onViolation func(*ViolationError)
}

func newClient(conn *Conn, cmd *exec.Cmd, logger *slog.Logger) *client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &client{
		logger:  logger,
		cmd:     cmd,
		conn:    conn,
		pending: make(map[uint32]chan completion),
	}
	c.onViolation = func(violation *ViolationError) {
		c.logger.Error("privhelper internal error", "err", violation)
	}
	return c
}

// Attach starts the owning loop. Valid only in the NotStarted state;
// re-attaching after a detach is supported and expected.
func (c *client) Attach(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	for {
		if c.st != statusNotStarted {
			c.mu.Unlock()
			return fmt.Errorf("privhelper attach in state %s", c.st)
		}
		if c.lp == nil {
			break
		}
		// The previous incarnation has been asked to stop but not yet
		// joined (a detach triggered by the loop's own context, or a
		// Detach still in stopLoop). Join it before starting a second
		// reader on the same socket.
		stale := c.lp
		c.mu.Unlock()
		<-stale.done
		<-stale.readerDone
		c.mu.Lock()
		if c.lp == stale {
			c.lp = nil
		}
	}
	lp := &loop{
		ctx:        ctx,
		conn:       c.conn,
		commands:   make(chan *sendRequest),
		incoming:   make(chan *Message),
		readErr:    make(chan error, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	c.st = statusRunning
	c.lp = lp
	c.mu.Unlock()

	go c.readLoop(lp)
	go c.run(lp)
	return nil
}

// Detach stops the owning loop without closing the connection. No-op
// outside the Running state, matching the teardown paths' own
// transitions.
func (c *client) Detach() error {
	c.mu.Lock()
	if c.st != statusRunning {
		c.mu.Unlock()
		return nil
	}
	lp := c.lp
	c.st = statusNotStarted
	// lp stays published until the join below completes, so a
	// concurrent Stop or Attach can synchronize with the dying loop
	// instead of treating the connection as already quiescent.
	c.mu.Unlock()

	c.stopLoop(lp)

	c.mu.Lock()
	if c.lp == lp {
		c.lp = nil
	}
	c.mu.Unlock()
	return nil
}

// Stop is the idempotent shutdown path. See Helper.Stop.
func (c *client) Stop() (int, error) {
	c.mu.Lock()
	if c.st == statusWaited {
		c.mu.Unlock()
		return 0, ErrNoProcess
	}
	wasRunning := c.st == statusRunning
	lp := c.lp
	c.st = statusWaited
	c.lp = nil
	c.mu.Unlock()

	if lp != nil {
		if wasRunning {
			c.stopLoop(lp)
		} else {
			// Not Running, but a loop once was: a transport failure or
			// detach already asked it to stop. It may still be draining
			// the pending table on its own goroutine, so join it before
			// tearing down. Both channels are already closed or about
			// to close; this never blocks indefinitely.
			<-lp.done
			<-lp.readerDone
		}
	}

	// Close the socket and fail anything still pending. Closing the
	// socket is also what signals the helper process to exit.
	c.teardownSocket(fmt.Errorf("%w: privhelper client stopped", ErrHelperClosed))

	if c.cmd == nil {
		// No spawned process (socket-wrap or in-process server):
		// synthesize a clean exit.
		return 0, nil
	}
	if err := c.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return 0, fmt.Errorf("waiting for privhelper process: %w", err)
		}
	}
	return process.ExitStatus(c.cmd.ProcessState), nil
}

// stopLoop signals both loop goroutines to exit and joins them. The
// reader may be blocked in Recv; an immediate read deadline unblocks
// it without tearing the socket down, since the connection must
// survive a plain detach. Must not be called from the loop goroutine
// itself — that path is detachFromLoop.
func (c *client) stopLoop(lp *loop) {
	close(lp.stop)
	_ = lp.conn.SetReadDeadline(time.Now())
	<-lp.done
	<-lp.readerDone
	_ = lp.conn.SetReadDeadline(time.Time{})
}

// detachFromLoop is the detach path reserved for the loop goroutine's
// own teardown (owning-context cancellation). It performs the same
// state transition as Detach but never waits on lp.done, which would
// deadlock against the caller.
func (c *client) detachFromLoop(lp *loop) {
	c.mu.Lock()
	if c.st != statusRunning {
		c.mu.Unlock()
		return
	}
	c.st = statusNotStarted
	// lp stays published; Attach and Stop join lp.done, which closes
	// when run returns right after this call.
	c.mu.Unlock()

	close(lp.stop)
	_ = lp.conn.SetReadDeadline(time.Now())
	<-lp.readerDone
	_ = lp.conn.SetReadDeadline(time.Time{})
}

// readLoop pumps inbound messages from the socket to the run loop. It
// owns no state; delivery and error handling both happen on run's
// goroutine.
func (c *client) readLoop(lp *loop) {
	defer close(lp.readerDone)
	for {
		msg, err := lp.conn.Recv()
		if err != nil {
			// Buffered send: if run has already exited, the error is
			// simply discarded with the loop incarnation.
			select {
			case lp.readErr <- err:
			default:
			}
			return
		}
		select {
		case lp.incoming <- msg:
		case <-lp.stop:
			msg.CloseFiles()
			return
		}
	}
}

// run is the owning loop: the single goroutine allowed to touch the
// pending table and the socket's send side while Running.
func (c *client) run(lp *loop) {
	defer close(lp.done)
	for {
		select {
		case <-lp.stop:
			return
		case <-lp.ctx.Done():
			c.detachFromLoop(lp)
			return
		case req := <-lp.commands:
			if err := c.handleSend(req); err != nil {
				c.handleTransportError(lp, err)
				return
			}
		case msg := <-lp.incoming:
			c.handleResponse(msg)
		case err := <-lp.readErr:
			c.handleTransportError(lp, fmt.Errorf("reading from privhelper: %w", err))
			return
		}
	}
}

// handleSend inserts the pending entry and writes the message. The
// insertion is atomic with the send: both happen on the loop
// goroutine, and a send failure fails the whole channel (including the
// entry just inserted) through the transport-error path.
func (c *client) handleSend(req *sendRequest) error {
	if _, exists := c.pending[req.msg.XID]; exists {
		req.done <- completion{err: &ViolationError{
			Reason: fmt.Sprintf("transaction id %d is already outstanding", req.msg.XID),
		}}
		return nil
	}
	c.pending[req.msg.XID] = req.done
	if err := c.conn.Send(req.msg); err != nil {
		return fmt.Errorf("sending to privhelper: %w", err)
	}
	return nil
}

// handleResponse resolves the pending entry matching the incoming
// transaction id. A miss means the peers have desynchronized: escalate
// rather than treat it as an ordinary error.
func (c *client) handleResponse(msg *Message) {
	done, ok := c.pending[msg.XID]
	if !ok {
		msg.CloseFiles()
		c.violation("received response for unknown transaction id %d", msg.XID)
		return
	}
	delete(c.pending, msg.XID)
	done <- completion{msg: msg}
}

// handleTransportError is the single collapse point for every
// transport condition: remote EOF, local closure, send failure,
// receive failure. The Running→Closed transition is idempotent; if a
// send and a receive fail from the same root cause, or an explicit
// teardown already won the race, the second trigger returns without
// touching anything.
func (c *client) handleTransportError(lp *loop, cause error) {
	c.mu.Lock()
	if c.st != statusRunning {
		c.mu.Unlock()
		return
	}
	c.st = statusClosed
	// lp stays published: run is about to return and cannot join
	// itself, so a later Stop waits on lp.done to order its own
	// teardown after this one.
	c.mu.Unlock()

	c.logger.Warn("privhelper connection failed", "err", cause)
	close(lp.stop)
	c.teardownSocket(fmt.Errorf("%w: %v", ErrHelperClosed, cause))
}

// teardownSocket closes the socket and fails every pending request
// with cause. Callers must have joined any loop that ever ran: either
// this is the loop goroutine itself (transport failure) or a path that
// waited on lp.done first (Stop). The swap happens under mu, so a
// second teardown ordered after the first finds nothing left to do and
// every completion channel is fulfilled at most once.
func (c *client) teardownSocket(cause error) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[uint32]chan completion)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, done := range pending {
		done <- completion{err: cause}
	}
}

// sendAndRecv issues one request and waits for its completion.
func (c *client) sendAndRecv(ctx context.Context, msg *Message) (*Message, error) {
	c.mu.Lock()
	if c.st != statusRunning {
		c.mu.Unlock()
		return nil, fmt.Errorf("cannot send new requests in state %s: %w", c.st, ErrHelperClosed)
	}
	lp := c.lp
	c.mu.Unlock()

	req := &sendRequest{msg: msg, done: make(chan completion, 1)}
	select {
	case lp.commands <- req:
	case <-lp.done:
		return nil, fmt.Errorf("cannot send new requests: %w", ErrHelperClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case result := <-req.done:
		if result.err != nil {
			return nil, result.err
		}
		return result.msg, nil
	case <-ctx.Done():
		// Abandon the wait only: there is no per-request cancellation
		// on the wire. The pending entry resolves and is discarded
		// when its response or a transport failure arrives.
		return nil, ctx.Err()
	}
}

func (c *client) violation(format string, args ...any) *ViolationError {
	violation := &ViolationError{Reason: fmt.Sprintf(format, args...)}
	c.onViolation(violation)
	return violation
}

func (c *client) Mount(ctx context.Context, mountPath string, readOnly bool) (*os.File, error) {
	msg, err := newRequest(c.nextXID.Add(1), OpMount, mountRequest{MountPath: mountPath, ReadOnly: readOnly})
	if err != nil {
		return nil, err
	}
	resp, err := c.sendAndRecv(ctx, msg)
	if err != nil {
		return nil, err
	}
	if err := parseAck(OpMount, resp); err != nil {
		resp.CloseFiles()
		return nil, err
	}
	if len(resp.Files) != 1 {
		count := len(resp.Files)
		resp.CloseFiles()
		return nil, c.violation("expected mount response to carry exactly one file descriptor, got %d", count)
	}
	return resp.Files[0], nil
}

func (c *client) Unmount(ctx context.Context, mountPath string) error {
	return c.callAck(ctx, OpUnmount, pathRequest{MountPath: mountPath})
}

func (c *client) BindMount(ctx context.Context, repoPath, mountPath string) error {
	return c.callAck(ctx, OpBindMount, bindMountRequest{RepoPath: repoPath, MountPath: mountPath})
}

func (c *client) BindUnmount(ctx context.Context, mountPath string) error {
	return c.callAck(ctx, OpBindUnmount, pathRequest{MountPath: mountPath})
}

func (c *client) TakeoverShutdown(ctx context.Context, mountPath string) error {
	return c.callAck(ctx, OpTakeoverShutdown, pathRequest{MountPath: mountPath})
}

func (c *client) TakeoverStartup(ctx context.Context, mountPath string, bindMounts []string) error {
	return c.callAck(ctx, OpTakeoverStartup, takeoverStartupRequest{MountPath: mountPath, BindMounts: bindMounts})
}

func (c *client) SetLogFile(ctx context.Context, file *os.File) error {
	return c.callAck(ctx, OpSetLogFile, setLogFileRequest{}, file)
}

func (c *client) SetDaemonTimeout(ctx context.Context, timeout time.Duration) error {
	return c.callAck(ctx, OpSetDaemonTimeout, setDaemonTimeoutRequest{TimeoutNanos: timeout.Nanoseconds()})
}

// callAck issues one request expecting an empty acknowledgement.
func (c *client) callAck(ctx context.Context, op Opcode, payload any, files ...*os.File) error {
	msg, err := newRequest(c.nextXID.Add(1), op, payload, files...)
	if err != nil {
		return err
	}
	resp, err := c.sendAndRecv(ctx, msg)
	if err != nil {
		return err
	}
	defer resp.CloseFiles()
	return parseAck(op, resp)
}
