// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

package privhelper

import (
	"context"
	"os"
	"sync"
	"time"
)

// NewStub returns a Helper whose privileged operations fail with
// ErrUnsupported. Platforms without a privileged-subprocess model get
// this from Start instead of an error, so callers always hold a valid
// object with the full operation set; attach, detach, and stop behave
// like the no-process variants.
func NewStub() Helper {
	return &stubHelper{}
}

type stubHelper struct {
	mu     sync.Mutex
	waited bool
}

func (s *stubHelper) Mount(context.Context, string, bool) (*os.File, error) {
	return nil, ErrUnsupported
}

func (s *stubHelper) Unmount(context.Context, string) error { return ErrUnsupported }

func (s *stubHelper) BindMount(context.Context, string, string) error { return ErrUnsupported }

func (s *stubHelper) BindUnmount(context.Context, string) error { return ErrUnsupported }

func (s *stubHelper) TakeoverShutdown(context.Context, string) error { return ErrUnsupported }

func (s *stubHelper) TakeoverStartup(context.Context, string, []string) error {
	return ErrUnsupported
}

func (s *stubHelper) SetLogFile(context.Context, *os.File) error { return ErrUnsupported }

func (s *stubHelper) SetDaemonTimeout(context.Context, time.Duration) error {
	return ErrUnsupported
}

func (s *stubHelper) Attach(context.Context) error { return nil }

func (s *stubHelper) Detach() error { return nil }

func (s *stubHelper) Stop() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waited {
		return 0, ErrNoProcess
	}
	s.waited = true
	return 0, nil
}
