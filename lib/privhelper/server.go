// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin

package privhelper

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/skevy/sapling/lib/clock"
	"github.com/skevy/sapling/lib/codec"
)

// Handler executes the privileged operations on behalf of the server
// loop. The real implementation lives in the helper binary and runs
// with root privileges; tests substitute fakes. The loop itself never
// touches a mount syscall.
type Handler interface {
	// Mount mounts a FUSE filesystem and returns the mounted device
	// handle, which the server attaches to the response.
	Mount(mountPath string, readOnly bool) (*os.File, error)

	Unmount(mountPath string) error
	BindMount(repoPath, mountPath string) error
	BindUnmount(mountPath string) error
	TakeoverShutdown(mountPath string) error
	TakeoverStartup(mountPath string, bindMounts []string) error

	// SetLogFile receives ownership of the descriptor attached to the
	// request.
	SetLogFile(file *os.File) error

	SetDaemonTimeout(timeout time.Duration) error
}

// ServerOptions configures a Server.
type ServerOptions struct {
	// Conn is the server side of the privhelper channel.
	Conn *Conn

	// Handler executes the privileged operations.
	Handler Handler

	// Logger receives diagnostic messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger

	// Clock provides time for idle deadlines. If nil, defaults to
	// clock.Real().
	Clock clock.Clock
}

// Server is the helper-side protocol loop: decode one request,
// dispatch it to the Handler, respond with the same transaction id.
// Requests are handled sequentially; the protocol permits out-of-order
// completion but does not require it.
type Server struct {
	conn    *Conn
	handler Handler
	logger  *slog.Logger
	clock   clock.Clock

	// idleTimeout is the daemon timeout in nanoseconds, set by
	// set-daemon-timeout requests. Zero disables the idle deadline.
	idleTimeout atomic.Int64
}

// NewServer builds a Server. Serve must be called to process requests.
func NewServer(options ServerOptions) *Server {
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	return &Server{
		conn:    options.Conn,
		handler: options.Handler,
		logger:  options.Logger,
		clock:   options.Clock,
	}
}

// Serve processes requests until the client closes the channel (clean
// shutdown, returns nil), the idle deadline expires, or the transport
// fails.
func (s *Server) Serve() error {
	for {
		timeout := time.Duration(s.idleTimeout.Load())
		if timeout > 0 {
			_ = s.conn.SetReadDeadline(s.clock.Now().Add(timeout))
		} else {
			_ = s.conn.SetReadDeadline(time.Time{})
		}

		request, err := s.conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// The daemon closed its end: the signal to exit.
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("privhelper idle for longer than daemon timeout %v", timeout)
			}
			return fmt.Errorf("reading privhelper request: %w", err)
		}

		response := s.dispatch(request)
		request.CloseFiles()

		err = s.conn.Send(response)
		response.CloseFiles()
		if err != nil {
			return fmt.Errorf("writing privhelper response: %w", err)
		}
	}
}

// dispatch decodes and executes one request, producing the response
// message. Handler failures become ok=false acknowledgements, never
// transport failures.
func (s *Server) dispatch(request *Message) *Message {
	var err error
	var files []*os.File

	switch request.Opcode {
	case OpMount:
		var payload mountRequest
		if err = codec.Unmarshal(request.Data, &payload); err == nil {
			var device *os.File
			if device, err = s.handler.Mount(payload.MountPath, payload.ReadOnly); err == nil {
				files = append(files, device)
			}
		}
	case OpUnmount:
		var payload pathRequest
		if err = codec.Unmarshal(request.Data, &payload); err == nil {
			err = s.handler.Unmount(payload.MountPath)
		}
	case OpBindMount:
		var payload bindMountRequest
		if err = codec.Unmarshal(request.Data, &payload); err == nil {
			err = s.handler.BindMount(payload.RepoPath, payload.MountPath)
		}
	case OpBindUnmount:
		var payload pathRequest
		if err = codec.Unmarshal(request.Data, &payload); err == nil {
			err = s.handler.BindUnmount(payload.MountPath)
		}
	case OpTakeoverShutdown:
		var payload pathRequest
		if err = codec.Unmarshal(request.Data, &payload); err == nil {
			err = s.handler.TakeoverShutdown(payload.MountPath)
		}
	case OpTakeoverStartup:
		var payload takeoverStartupRequest
		if err = codec.Unmarshal(request.Data, &payload); err == nil {
			err = s.handler.TakeoverStartup(payload.MountPath, payload.BindMounts)
		}
	case OpSetLogFile:
		if len(request.Files) != 1 {
			err = fmt.Errorf("set-log-file request must carry exactly one file descriptor, got %d", len(request.Files))
		} else {
			err = s.handler.SetLogFile(request.Files[0])
			// Ownership moved to the handler either way.
			request.Files = nil
		}
	case OpSetDaemonTimeout:
		var payload setDaemonTimeoutRequest
		if err = codec.Unmarshal(request.Data, &payload); err == nil {
			timeout := time.Duration(payload.TimeoutNanos)
			s.idleTimeout.Store(payload.TimeoutNanos)
			err = s.handler.SetDaemonTimeout(timeout)
		}
	default:
		err = fmt.Errorf("unknown opcode %d", uint32(request.Opcode))
	}

	ack := ackResponse{OK: err == nil}
	if err != nil {
		s.logger.Warn("privhelper request failed",
			"opcode", request.Opcode.String(),
			"xid", request.XID,
			"err", err,
		)
		ack.Error = err.Error()
		closeFiles(files)
		files = nil
	}

	data, marshalErr := codec.Marshal(ack)
	if marshalErr != nil {
		// ackResponse cannot actually fail to encode; keep the
		// protocol alive with a generic failure if it somehow does.
		data, _ = codec.Marshal(ackResponse{OK: false, Error: "internal: response encoding failed"})
		closeFiles(files)
		files = nil
	}
	return &Message{XID: request.XID, Opcode: request.Opcode, Data: data, Files: files}
}
