// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

package privhelper

import (
	"fmt"
	"os"

	"github.com/skevy/sapling/lib/codec"
)

// Opcode identifies a privileged operation on the wire.
type Opcode uint32

const (
	OpMount Opcode = iota + 1
	OpUnmount
	OpBindMount
	OpBindUnmount
	OpTakeoverShutdown
	OpTakeoverStartup
	OpSetLogFile
	OpSetDaemonTimeout
)

func (o Opcode) String() string {
	switch o {
	case OpMount:
		return "mount"
	case OpUnmount:
		return "unmount"
	case OpBindMount:
		return "bind-mount"
	case OpBindUnmount:
		return "bind-unmount"
	case OpTakeoverShutdown:
		return "takeover-shutdown"
	case OpTakeoverStartup:
		return "takeover-startup"
	case OpSetLogFile:
		return "set-log-file"
	case OpSetDaemonTimeout:
		return "set-daemon-timeout"
	}
	return fmt.Sprintf("opcode(%d)", uint32(o))
}

// Message is one framed unit on the privhelper channel: transaction
// id, opcode, CBOR payload, and zero or more attached file
// descriptors. A message is created by the sender and consumed once by
// the receiver; it is never mutated after send.
type Message struct {
	// XID is the transaction id correlating a response to its
	// request. Responses echo the request's id.
	XID uint32

	// Opcode is the operation; responses echo the request's opcode.
	Opcode Opcode

	// Data is the CBOR-encoded opcode payload.
	Data []byte

	// Files are the descriptors attached via SCM_RIGHTS: exactly one
	// on a mount response (the mounted device) and exactly one on a
	// set-log-file request (the destination log file).
	Files []*os.File
}

// CloseFiles closes any attached descriptors still owned by the
// message. Safe to call on a message whose files were taken.
func (m *Message) CloseFiles() {
	for _, file := range m.Files {
		if file != nil {
			file.Close()
		}
	}
	m.Files = nil
}

// Request payloads. Wire types use cbor tags; unknown fields are
// ignored on decode so daemon and helper versions can skew across a
// takeover restart.

type mountRequest struct {
	MountPath string `cbor:"mount_path"`
	ReadOnly  bool   `cbor:"read_only,omitempty"`
}

type pathRequest struct {
	MountPath string `cbor:"mount_path"`
}

type bindMountRequest struct {
	RepoPath  string `cbor:"repo_path"`
	MountPath string `cbor:"mount_path"`
}

type takeoverStartupRequest struct {
	MountPath  string   `cbor:"mount_path"`
	BindMounts []string `cbor:"bind_mounts,omitempty"`
}

type setDaemonTimeoutRequest struct {
	TimeoutNanos int64 `cbor:"timeout_nanos"`
}

// setLogFileRequest has no fields: the attached descriptor is the
// whole payload.
type setLogFileRequest struct{}

// ackResponse is the uniform response payload: an empty acknowledgement
// or a server-reported failure.
type ackResponse struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`
}

// newRequest builds a request message for one operation.
func newRequest(xid uint32, op Opcode, payload any, files ...*os.File) (*Message, error) {
	data, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", op, err)
	}
	return &Message{XID: xid, Opcode: op, Data: data, Files: files}, nil
}

// parseAck decodes the uniform acknowledgement and surfaces a
// helper-reported failure as an error.
func parseAck(op Opcode, msg *Message) error {
	var ack ackResponse
	if err := codec.Unmarshal(msg.Data, &ack); err != nil {
		return fmt.Errorf("decoding %s response: %w", op, err)
	}
	if !ack.OK {
		return fmt.Errorf("privhelper %s failed: %s", op, ack.Error)
	}
	return nil
}
