// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin

package privhelper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skevy/sapling/lib/codec"
	"github.com/skevy/sapling/lib/testutil"
)

const testTimeout = 5 * time.Second

// testChannel is a client wired to a raw server-side Conn, so tests
// can play the helper's half of the protocol by hand.
type testChannel struct {
	client *client
	server *Conn
}

func newTestChannel(t *testing.T) *testChannel {
	t.Helper()

	clientConn, serverFile, err := NewConnPair()
	if err != nil {
		t.Fatalf("NewConnPair: %v", err)
	}
	serverConn, err := NewConn(serverFile)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}

	c := NewFromSocket(clientConn, nil).(*client)
	t.Cleanup(func() {
		_, _ = c.Stop()
		serverConn.Close()
	})
	return &testChannel{client: c, server: serverConn}
}

func (tc *testChannel) attach(t *testing.T) {
	t.Helper()
	if err := tc.client.Attach(context.Background()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
}

// recv reads one request off the server side.
func (tc *testChannel) recv(t *testing.T) *Message {
	t.Helper()
	_ = tc.server.SetReadDeadline(time.Now().Add(testTimeout))
	msg, err := tc.server.Recv()
	if err != nil {
		t.Fatalf("server Recv: %v", err)
	}
	return msg
}

// ack responds to xid with an acknowledgement and optional files.
func (tc *testChannel) ack(t *testing.T, xid uint32, op Opcode, ok bool, errText string, files ...*os.File) {
	t.Helper()
	data, err := codec.Marshal(ackResponse{OK: ok, Error: errText})
	if err != nil {
		t.Fatalf("encoding ack: %v", err)
	}
	if err := tc.server.Send(&Message{XID: xid, Opcode: op, Data: data, Files: files}); err != nil {
		t.Fatalf("server Send: %v", err)
	}
}

func TestMountReturnsAttachedDescriptor(t *testing.T) {
	tc := newTestChannel(t)
	tc.attach(t)

	type mountResult struct {
		file *os.File
		err  error
	}
	results := make(chan mountResult, 1)
	go func() {
		file, err := tc.client.Mount(context.Background(), "/mnt/checkout", true)
		results <- mountResult{file, err}
	}()

	request := tc.recv(t)
	if request.Opcode != OpMount {
		t.Fatalf("opcode = %s, want mount", request.Opcode)
	}
	var payload mountRequest
	if err := codec.Unmarshal(request.Data, &payload); err != nil {
		t.Fatalf("decoding mount request: %v", err)
	}
	if payload.MountPath != "/mnt/checkout" || !payload.ReadOnly {
		t.Errorf("payload = %+v, want /mnt/checkout read-only", payload)
	}

	device, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("opening %s: %v", os.DevNull, err)
	}
	tc.ack(t, request.XID, OpMount, true, "", device)
	device.Close()

	result := testutil.RequireReceive(t, results, testTimeout, "waiting for mount completion")
	if result.err != nil {
		t.Fatalf("Mount: %v", result.err)
	}
	if result.file == nil {
		t.Fatal("Mount returned nil device")
	}
	result.file.Close()
}

func TestTransactionIdsStartAtOneAndIncrement(t *testing.T) {
	tc := newTestChannel(t)
	tc.attach(t)

	errs := make(chan error, 2)
	go func() { errs <- tc.client.Unmount(context.Background(), "/mnt/a") }()
	first := tc.recv(t)
	go func() { errs <- tc.client.Unmount(context.Background(), "/mnt/b") }()
	second := tc.recv(t)

	if first.XID != 1 {
		t.Errorf("first transaction id = %d, want 1", first.XID)
	}
	if second.XID != first.XID+1 {
		t.Errorf("second transaction id = %d, want %d", second.XID, first.XID+1)
	}

	tc.ack(t, first.XID, OpUnmount, true, "")
	tc.ack(t, second.XID, OpUnmount, true, "")
	for i := 0; i < 2; i++ {
		if err := testutil.RequireReceive(t, errs, testTimeout, "unmount completion"); err != nil {
			t.Fatalf("Unmount: %v", err)
		}
	}
}

func TestOutOfOrderCompletionMatchesById(t *testing.T) {
	tc := newTestChannel(t)
	tc.attach(t)

	// Three concurrent requests with distinguishable payloads; the
	// fake helper completes them in reverse order with the payload
	// echoed in the error text, so each caller proves it got its own
	// response by id alone.
	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		path := fmt.Sprintf("/mnt/checkout-%d", i)
		go func() { errs <- tc.client.Unmount(context.Background(), path) }()
	}

	requests := make([]*Message, 0, n)
	for i := 0; i < n; i++ {
		requests = append(requests, tc.recv(t))
	}
	for i := n - 1; i >= 0; i-- {
		var payload pathRequest
		if err := codec.Unmarshal(requests[i].Data, &payload); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		tc.ack(t, requests[i].XID, OpUnmount, false, "echo:"+payload.MountPath)
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		err := testutil.RequireReceive(t, errs, testTimeout, "unmount completion")
		if err == nil {
			t.Fatal("expected echoed failure, got success")
		}
		text := err.Error()
		marker := strings.Index(text, "echo:")
		if marker < 0 {
			t.Fatalf("error %q does not carry the echoed path", text)
		}
		seen[text[marker+len("echo:"):]] = true
	}
	for i := 0; i < n; i++ {
		path := fmt.Sprintf("/mnt/checkout-%d", i)
		if !seen[path] {
			t.Errorf("no completion carried %s; correlation is broken", path)
		}
	}
}

func TestUnknownTransactionIdEscalates(t *testing.T) {
	tc := newTestChannel(t)

	violations := make(chan *ViolationError, 1)
	tc.client.onViolation = func(violation *ViolationError) {
		violations <- violation
	}
	tc.attach(t)

	// A response nobody asked for.
	tc.ack(t, 7777, OpUnmount, true, "")

	violation := testutil.RequireReceive(t, violations, testTimeout, "violation report")
	if !strings.Contains(violation.Reason, "7777") {
		t.Errorf("violation %q does not name the transaction id", violation.Reason)
	}
}

func TestMountWrongDescriptorCountFailsRequest(t *testing.T) {
	for _, count := range []int{0, 2} {
		t.Run(fmt.Sprintf("%d descriptors", count), func(t *testing.T) {
			tc := newTestChannel(t)
			violations := make(chan *ViolationError, 1)
			tc.client.onViolation = func(violation *ViolationError) {
				violations <- violation
			}
			tc.attach(t)

			errs := make(chan error, 1)
			go func() {
				_, err := tc.client.Mount(context.Background(), "/mnt/checkout", false)
				errs <- err
			}()

			request := tc.recv(t)
			files := make([]*os.File, count)
			for i := range files {
				file, err := os.Open(os.DevNull)
				if err != nil {
					t.Fatalf("opening %s: %v", os.DevNull, err)
				}
				defer file.Close()
				files[i] = file
			}
			tc.ack(t, request.XID, OpMount, true, "", files...)

			err := testutil.RequireReceive(t, errs, testTimeout, "mount completion")
			if err == nil {
				t.Fatal("Mount succeeded with wrong descriptor count")
			}
			var violation *ViolationError
			if !errors.As(err, &violation) {
				t.Fatalf("error %v is not a ViolationError", err)
			}
			if !strings.Contains(err.Error(), "exactly one file descriptor") {
				t.Errorf("error %q does not describe the descriptor contract", err)
			}
			testutil.RequireReceive(t, violations, testTimeout, "violation escalation")
		})
	}
}

func TestTransportFailureFailsPendingAndSubsequentRequests(t *testing.T) {
	tc := newTestChannel(t)
	tc.attach(t)

	errs := make(chan error, 1)
	go func() { errs <- tc.client.Unmount(context.Background(), "/mnt/checkout") }()
	tc.recv(t) // swallow the request, then kill the channel
	tc.server.Close()

	err := testutil.RequireReceive(t, errs, testTimeout, "pending failure")
	if !errors.Is(err, ErrHelperClosed) {
		t.Fatalf("pending request failed with %v, want ErrHelperClosed", err)
	}

	// Once Closed, new requests fail immediately without I/O: there
	// is no server left to answer, yet the call must not block.
	start := time.Now()
	err = tc.client.Unmount(context.Background(), "/mnt/checkout")
	if !errors.Is(err, ErrHelperClosed) {
		t.Fatalf("post-failure request failed with %v, want ErrHelperClosed", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("post-failure request took %v; it should not touch the socket", elapsed)
	}
}

func TestSendAndReceiveFailureCollapseOnce(t *testing.T) {
	// Both halves of the connection fail from one root cause; the
	// Running→Closed transition must happen exactly once and every
	// pending request must fail exactly once.
	tc := newTestChannel(t)
	tc.attach(t)

	const n = 4
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		path := fmt.Sprintf("/mnt/checkout-%d", i)
		go func() {
			defer wg.Done()
			errs <- tc.client.Unmount(context.Background(), path)
		}()
	}
	for i := 0; i < n; i++ {
		tc.recv(t)
	}
	tc.server.Close()
	wg.Wait()

	for i := 0; i < n; i++ {
		err := testutil.RequireReceive(t, errs, testTimeout, "pending failure")
		if !errors.Is(err, ErrHelperClosed) {
			t.Errorf("pending request failed with %v, want ErrHelperClosed", err)
		}
	}
}

func TestStopDuringTransportCollapse(t *testing.T) {
	// Stop racing a far-side failure with requests in flight.
	// Whichever path wins the Running transition, the loser must
	// synchronize with it: every pending request fails exactly once
	// and Stop returns. A double completion would wedge the losing
	// teardown on a capacity-1 completion channel and hang the test.
	for i := 0; i < 25; i++ {
		tc := newTestChannel(t)
		tc.attach(t)

		const n = 8
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			path := fmt.Sprintf("/mnt/checkout-%d", i)
			go func() { errs <- tc.client.Unmount(context.Background(), path) }()
		}
		for i := 0; i < n; i++ {
			tc.recv(t)
		}

		stopped := make(chan error, 1)
		go func() {
			_, err := tc.client.Stop()
			stopped <- err
		}()
		tc.server.Close()

		if err := testutil.RequireReceive(t, stopped, testTimeout, "Stop return"); err != nil {
			t.Fatalf("Stop: %v", err)
		}
		for i := 0; i < n; i++ {
			err := testutil.RequireReceive(t, errs, testTimeout, "pending failure")
			if !errors.Is(err, ErrHelperClosed) {
				t.Fatalf("pending request failed with %v, want ErrHelperClosed", err)
			}
		}
	}
}

func TestStopDuringDetach(t *testing.T) {
	// Detach and Stop from separate goroutines with a request in
	// flight. If Detach wins, Stop must join the dying loop before
	// tearing down; if Stop wins, Detach is a no-op. Either way the
	// pending request fails exactly once.
	for i := 0; i < 25; i++ {
		tc := newTestChannel(t)
		tc.attach(t)

		errs := make(chan error, 1)
		go func() { errs <- tc.client.Unmount(context.Background(), "/mnt/checkout") }()
		tc.recv(t)

		detached := make(chan error, 1)
		stopped := make(chan error, 1)
		go func() { detached <- tc.client.Detach() }()
		go func() {
			_, err := tc.client.Stop()
			stopped <- err
		}()

		if err := testutil.RequireReceive(t, detached, testTimeout, "Detach return"); err != nil {
			t.Fatalf("Detach: %v", err)
		}
		if err := testutil.RequireReceive(t, stopped, testTimeout, "Stop return"); err != nil {
			t.Fatalf("Stop: %v", err)
		}
		err := testutil.RequireReceive(t, errs, testTimeout, "pending failure")
		if !errors.Is(err, ErrHelperClosed) {
			t.Fatalf("pending request failed with %v, want ErrHelperClosed", err)
		}
	}
}

func TestDetachThenReattach(t *testing.T) {
	tc := newTestChannel(t)
	tc.attach(t)

	if err := tc.client.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}

	// Detached: requests fail immediately, and nothing reaches the
	// helper.
	if err := tc.client.Unmount(context.Background(), "/mnt/early"); !errors.Is(err, ErrHelperClosed) {
		t.Fatalf("detached request failed with %v, want ErrHelperClosed", err)
	}

	// Re-attach: the same connection carries traffic again.
	tc.attach(t)
	errs := make(chan error, 1)
	go func() { errs <- tc.client.Unmount(context.Background(), "/mnt/late") }()

	request := tc.recv(t)
	var payload pathRequest
	if err := codec.Unmarshal(request.Data, &payload); err != nil {
		t.Fatalf("decoding request: %v", err)
	}
	// The failed detached request never made it onto the wire.
	if payload.MountPath != "/mnt/late" {
		t.Fatalf("first post-reattach request is for %s, want /mnt/late", payload.MountPath)
	}
	tc.ack(t, request.XID, OpUnmount, true, "")
	if err := testutil.RequireReceive(t, errs, testTimeout, "post-reattach completion"); err != nil {
		t.Fatalf("Unmount after reattach: %v", err)
	}
}

func TestPendingRequestSurvivesDetach(t *testing.T) {
	tc := newTestChannel(t)
	tc.attach(t)

	errs := make(chan error, 1)
	go func() { errs <- tc.client.Unmount(context.Background(), "/mnt/checkout") }()
	request := tc.recv(t)

	if err := tc.client.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	select {
	case err := <-errs:
		t.Fatalf("pending request completed across detach: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	tc.attach(t)
	tc.ack(t, request.XID, OpUnmount, true, "")
	if err := testutil.RequireReceive(t, errs, testTimeout, "completion after reattach"); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
}

func TestAttachRequiresNotStarted(t *testing.T) {
	tc := newTestChannel(t)
	tc.attach(t)

	if err := tc.client.Attach(context.Background()); err == nil {
		t.Fatal("second Attach succeeded while running")
	}
}

func TestAttachContextCancellationDetaches(t *testing.T) {
	tc := newTestChannel(t)

	ctx, cancel := context.WithCancel(context.Background())
	if err := tc.client.Attach(ctx); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	cancel()

	// The loop observes the cancellation and detaches itself; once it
	// has, requests fail with the closed-connection error and a fresh
	// attach succeeds.
	deadline := time.Now().Add(testTimeout)
	for {
		err := tc.client.Unmount(context.Background(), "/mnt/checkout")
		if errors.Is(err, ErrHelperClosed) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("request still reaching the loop after context cancellation: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	tc.attach(t)
}

func TestStopWithoutProcessSynthesizesCleanExit(t *testing.T) {
	tc := newTestChannel(t)
	tc.attach(t)

	status, err := tc.client.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if status != 0 {
		t.Errorf("Stop status = %d, want synthetic 0", status)
	}
}

func TestStopTwiceReturnsNoProcess(t *testing.T) {
	tc := newTestChannel(t)
	tc.attach(t)

	if _, err := tc.client.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := tc.client.Stop()
		done <- err
	}()
	err := testutil.RequireReceive(t, done, testTimeout, "second Stop must not block")
	if !errors.Is(err, ErrNoProcess) {
		t.Fatalf("second Stop returned %v, want ErrNoProcess", err)
	}
}

func TestStopFailsPendingRequests(t *testing.T) {
	tc := newTestChannel(t)
	tc.attach(t)

	errs := make(chan error, 1)
	go func() { errs <- tc.client.Unmount(context.Background(), "/mnt/checkout") }()
	tc.recv(t)

	if _, err := tc.client.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	err := testutil.RequireReceive(t, errs, testTimeout, "pending failure on stop")
	if !errors.Is(err, ErrHelperClosed) {
		t.Fatalf("pending request failed with %v, want ErrHelperClosed", err)
	}

	if err := tc.client.Unmount(context.Background(), "/mnt/checkout"); !errors.Is(err, ErrHelperClosed) {
		t.Fatalf("post-stop request failed with %v, want ErrHelperClosed", err)
	}
}

func TestStopWhileNeverAttached(t *testing.T) {
	tc := newTestChannel(t)

	status, err := tc.client.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if status != 0 {
		t.Errorf("Stop status = %d, want 0", status)
	}
}

func TestContextCancellationAbandonsWaitOnly(t *testing.T) {
	tc := newTestChannel(t)
	tc.attach(t)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- tc.client.Unmount(ctx, "/mnt/checkout") }()
	request := tc.recv(t)

	cancel()
	err := testutil.RequireReceive(t, errs, testTimeout, "cancelled wait")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled request returned %v, want context.Canceled", err)
	}

	// The request was not cancelled on the wire; the late response
	// resolves the pending entry without raising a violation, and the
	// channel keeps working.
	tc.ack(t, request.XID, OpUnmount, true, "")

	go func() { errs <- tc.client.Unmount(context.Background(), "/mnt/other") }()
	next := tc.recv(t)
	tc.ack(t, next.XID, OpUnmount, true, "")
	if err := testutil.RequireReceive(t, errs, testTimeout, "follow-up completion"); err != nil {
		t.Fatalf("follow-up Unmount: %v", err)
	}
}

func TestDetachWhileNotRunningIsNoOp(t *testing.T) {
	tc := newTestChannel(t)

	if err := tc.client.Detach(); err != nil {
		t.Fatalf("Detach before attach: %v", err)
	}
	tc.attach(t)
	if err := tc.client.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if err := tc.client.Detach(); err != nil {
		t.Fatalf("second Detach: %v", err)
	}
}

func TestSetLogFileAttachesDescriptor(t *testing.T) {
	tc := newTestChannel(t)
	tc.attach(t)

	logFile, err := os.CreateTemp(t.TempDir(), "helper-log-*")
	if err != nil {
		t.Fatalf("creating temp log file: %v", err)
	}
	defer logFile.Close()

	errs := make(chan error, 1)
	go func() { errs <- tc.client.SetLogFile(context.Background(), logFile) }()

	request := tc.recv(t)
	if request.Opcode != OpSetLogFile {
		t.Fatalf("opcode = %s, want set-log-file", request.Opcode)
	}
	if len(request.Files) != 1 {
		t.Fatalf("set-log-file request carried %d descriptors, want 1", len(request.Files))
	}
	// Prove it is the same file: write through the received
	// descriptor, read through the original.
	if _, err := request.Files[0].WriteString("hello from the helper\n"); err != nil {
		t.Fatalf("writing through passed descriptor: %v", err)
	}
	request.CloseFiles()

	tc.ack(t, request.XID, OpSetLogFile, true, "")
	if err := testutil.RequireReceive(t, errs, testTimeout, "set-log-file completion"); err != nil {
		t.Fatalf("SetLogFile: %v", err)
	}

	contents, err := os.ReadFile(logFile.Name())
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(contents), "hello from the helper") {
		t.Errorf("log file %q missing write through passed descriptor", contents)
	}
}

func TestServerEOFClosesChannel(t *testing.T) {
	tc := newTestChannel(t)
	tc.attach(t)

	// Simulate helper death: EOF from the far side, no request in
	// flight. The next request must fail without I/O.
	tc.server.Close()

	deadline := time.Now().Add(testTimeout)
	for {
		err := tc.client.Unmount(context.Background(), "/mnt/checkout")
		if errors.Is(err, ErrHelperClosed) {
			return
		}
		if err == nil {
			t.Fatal("request succeeded against a dead helper")
		}
		if time.Now().After(deadline) {
			t.Fatalf("channel never collapsed after EOF: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
