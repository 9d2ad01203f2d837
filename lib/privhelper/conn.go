// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin

package privhelper

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// headerSize is payload length + transaction id + opcode, each a
	// big-endian uint32.
	headerSize = 12

	// maxPayloadSize bounds a single CBOR payload. Privhelper
	// requests are tiny (paths and flags); anything near this limit
	// means the peers have desynchronized.
	maxPayloadSize = 1 << 20

	// maxAttachedFiles bounds the descriptors attached to one
	// message. The protocol never legitimately attaches more than one.
	maxAttachedFiles = 8
)

// Conn is the persistent duplex, fd-capable channel between the daemon
// and the helper. Send and Recv frame whole messages; descriptors ride
// along via SCM_RIGHTS on the first write of a message.
//
// Conn is not safe for concurrent Send or concurrent Recv; the client
// confines both to the owning loop goroutine. Close may be called from
// any goroutine to unblock a pending Recv.
type Conn struct {
	sock *net.UnixConn
}

// NewConnPair creates a connected socketpair and returns the client
// side wrapped in a Conn plus the raw server side for handing to a
// spawned child (via ExtraFiles) or an in-process server loop.
func NewConnPair() (*Conn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("creating privhelper socketpair: %w", err)
	}

	clientFile := os.NewFile(uintptr(fds[0]), "privhelper-client")
	serverFile := os.NewFile(uintptr(fds[1]), "privhelper-server")

	client, err := NewConn(clientFile)
	if err != nil {
		serverFile.Close()
		return nil, nil, err
	}
	return client, serverFile, nil
}

// NewConn wraps an open Unix stream socket. The file is consumed:
// net.FileConn duplicates the descriptor internally, so the original
// is closed here regardless of outcome.
func NewConn(file *os.File) (*Conn, error) {
	defer file.Close()

	conn, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("adopting privhelper socket: %w", err)
	}
	sock, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("privhelper socket is %T, want *net.UnixConn", conn)
	}
	return &Conn{sock: sock}, nil
}

// ConnFromFD adopts an inherited descriptor number, as passed to the
// helper binary in its --fd argument.
func ConnFromFD(fd int) (*Conn, error) {
	return NewConn(os.NewFile(uintptr(fd), "privhelper-inherited"))
}

// Send writes one framed message. Attached descriptors are duplicated
// into the socket by the kernel; the caller retains ownership of
// msg.Files.
func (c *Conn) Send(msg *Message) error {
	if len(msg.Data) > maxPayloadSize {
		return fmt.Errorf("privhelper message payload is %d bytes, limit %d", len(msg.Data), maxPayloadSize)
	}
	if len(msg.Files) > maxAttachedFiles {
		return fmt.Errorf("privhelper message attaches %d descriptors, limit %d", len(msg.Files), maxAttachedFiles)
	}

	buffer := make([]byte, headerSize+len(msg.Data))
	binary.BigEndian.PutUint32(buffer[0:4], uint32(len(msg.Data)))
	binary.BigEndian.PutUint32(buffer[4:8], msg.XID)
	binary.BigEndian.PutUint32(buffer[8:12], uint32(msg.Opcode))
	copy(buffer[headerSize:], msg.Data)

	var rights []byte
	if len(msg.Files) > 0 {
		fds := make([]int, len(msg.Files))
		for i, file := range msg.Files {
			fds[i] = int(file.Fd())
		}
		rights = unix.UnixRights(fds...)
	}

	written, _, err := c.sock.WriteMsgUnix(buffer, rights, nil)
	if err != nil {
		return fmt.Errorf("writing privhelper message: %w", err)
	}
	// The rights went out with the first byte; push any remainder as
	// plain stream data.
	for written < len(buffer) {
		n, err := c.sock.Write(buffer[written:])
		if err != nil {
			return fmt.Errorf("writing privhelper message: %w", err)
		}
		written += n
	}
	return nil
}

// Recv reads one framed message, collecting any SCM_RIGHTS descriptors
// that arrive with it. Returns io.EOF when the peer has closed the
// channel cleanly.
func (c *Conn) Recv() (*Message, error) {
	var files []*os.File

	header := make([]byte, headerSize)
	files, err := c.readFull(header, files)
	if err != nil {
		closeFiles(files)
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	if length > maxPayloadSize {
		closeFiles(files)
		return nil, fmt.Errorf("privhelper message declares %d byte payload, limit %d", length, maxPayloadSize)
	}

	payload := make([]byte, length)
	if length > 0 {
		files, err = c.readFull(payload, files)
		if err != nil {
			closeFiles(files)
			return nil, err
		}
	}

	return &Message{
		XID:    binary.BigEndian.Uint32(header[4:8]),
		Opcode: Opcode(binary.BigEndian.Uint32(header[8:12])),
		Data:   payload,
		Files:  files,
	}, nil
}

// readFull reads len(buffer) bytes, accumulating any control-message
// descriptors delivered along the way.
func (c *Conn) readFull(buffer []byte, files []*os.File) ([]*os.File, error) {
	oob := make([]byte, unix.CmsgSpace(4*maxAttachedFiles))
	read := 0
	for read < len(buffer) {
		n, oobn, flags, _, err := c.sock.ReadMsgUnix(buffer[read:], oob)
		if oobn > 0 {
			// Collect whatever descriptors were delivered even on a
			// truncated read, so the caller's cleanup closes them.
			received, parseErr := parseRights(oob[:oobn])
			files = append(files, received...)
			if parseErr != nil && flags&unix.MSG_CTRUNC == 0 {
				return files, parseErr
			}
		}
		if flags&unix.MSG_CTRUNC != 0 {
			// The kernel dropped control data that did not fit the
			// rights buffer. Treat it as a framing violation rather
			// than surfacing a short descriptor count downstream.
			return files, fmt.Errorf("privhelper control data truncated: message attaches more than %d descriptors", maxAttachedFiles)
		}
		if err != nil {
			return files, err
		}
		if n == 0 {
			return files, io.EOF
		}
		read += n
	}
	return files, nil
}

// parseRights extracts passed descriptors from socket control data.
func parseRights(oob []byte) ([]*os.File, error) {
	var files []*os.File
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parsing privhelper control message: %w", err)
	}
	for _, message := range messages {
		fds, err := unix.ParseUnixRights(&message)
		if err != nil {
			// Not SCM_RIGHTS; nothing else is expected on this
			// channel, but an unknown control message is harmless.
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "privhelper-attachment"))
		}
	}
	return files, nil
}

func closeFiles(files []*os.File) {
	for _, file := range files {
		file.Close()
	}
}

// SetReadDeadline bounds blocking Recv calls. The zero time clears the
// deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.sock.SetReadDeadline(t)
}

// Close tears the socket down, unblocking any pending Recv.
func (c *Conn) Close() error {
	return c.sock.Close()
}
