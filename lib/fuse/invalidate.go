// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"
)

// Notifier issues kernel cache invalidations for a mounted filesystem.
// *fuse.Server from hanwen/go-fuse satisfies it; tests substitute
// recorders.
type Notifier interface {
	InodeNotify(node uint64, off int64, length int64) gofuse.Status
	EntryNotify(parent uint64, name string) gofuse.Status
	DeleteNotify(parent uint64, child uint64, name string) gofuse.Status
}

// Fence is the driver-facing barrier interface. Completion of
// FlushInvalidations guarantees every invalidation enqueued to the
// driver before the call is observable to subsequent reads and
// lookups. It is a barrier, not a flush trigger: the invalidations
// themselves are dispatched elsewhere.
type Fence interface {
	FlushInvalidations(ctx context.Context) error
}

// ErrQueueClosed is returned by FlushInvalidations after Close.
var ErrQueueClosed = errors.New("invalidation queue closed")

// queueDepth bounds enqueued invalidations. Mutation paths block once
// the worker falls this far behind rather than growing without bound.
const queueDepth = 256

type invalidationKind uint8

const (
	invalidateInode invalidationKind = iota
	invalidateEntry
	invalidateDeleted
	flushMarker
)

type invalidation struct {
	kind    invalidationKind
	node    uint64
	parent  uint64
	child   uint64
	name    string
	off     int64
	length  int64
	flushed chan struct{} // flushMarker only
}

// InvalidationQueue applies invalidations to a Notifier from a single
// worker goroutine, in enqueue order. It implements Fence.
type InvalidationQueue struct {
	notifier Notifier
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool

	queue chan invalidation
	done  chan struct{}
}

// NewInvalidationQueue starts the worker. Callers must Close the queue
// when the mount goes away.
func NewInvalidationQueue(notifier Notifier, logger *slog.Logger) *InvalidationQueue {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	q := &InvalidationQueue{
		notifier: notifier,
		logger:   logger,
		queue:    make(chan invalidation, queueDepth),
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

// InvalidateInode invalidates cached attributes and the given content
// range of node. A negative length invalidates to EOF.
func (q *InvalidationQueue) InvalidateInode(node uint64, off, length int64) {
	q.enqueue(invalidation{kind: invalidateInode, node: node, off: off, length: length})
}

// InvalidateEntry invalidates the cached lookup of name under parent.
func (q *InvalidationQueue) InvalidateEntry(parent uint64, name string) {
	q.enqueue(invalidation{kind: invalidateEntry, parent: parent, name: name})
}

// InvalidateDeleted invalidates name under parent and drops the cached
// child inode, for removals.
func (q *InvalidationQueue) InvalidateDeleted(parent, child uint64, name string) {
	q.enqueue(invalidation{kind: invalidateDeleted, parent: parent, child: child, name: name})
}

// FlushInvalidations completes only once every invalidation enqueued
// before this call has been applied. Cancelling ctx abandons the wait;
// the invalidations still land.
func (q *InvalidationQueue) FlushInvalidations(ctx context.Context) error {
	marker := invalidation{kind: flushMarker, flushed: make(chan struct{})}
	if !q.enqueue(marker) {
		return ErrQueueClosed
	}
	select {
	case <-marker.flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}
}

// Close stops the worker after draining everything already enqueued.
// Idempotent.
func (q *InvalidationQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.queue)
	<-q.done
}

// enqueue hands one invalidation to the worker. Returns false if the
// queue is closed; callers racing a teardown lose their invalidation,
// which is fine because the mount it targets is going away too.
func (q *InvalidationQueue) enqueue(inv invalidation) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	q.queue <- inv
	return true
}

func (q *InvalidationQueue) run() {
	defer close(q.done)
	for inv := range q.queue {
		q.apply(inv)
	}
}

func (q *InvalidationQueue) apply(inv invalidation) {
	switch inv.kind {
	case flushMarker:
		close(inv.flushed)
		return
	case invalidateInode:
		q.report("inode", inv, q.notifier.InodeNotify(inv.node, inv.off, inv.length))
	case invalidateEntry:
		q.report("entry", inv, q.notifier.EntryNotify(inv.parent, inv.name))
	case invalidateDeleted:
		q.report("deleted", inv, q.notifier.DeleteNotify(inv.parent, inv.child, inv.name))
	}
}

// report logs notify outcomes. ENOENT and ENOTDIR mean the kernel had
// nothing cached for the target, which is the common case and not a
// problem.
func (q *InvalidationQueue) report(kind string, inv invalidation, status gofuse.Status) {
	switch status {
	case gofuse.OK, gofuse.ENOENT, gofuse.ENOTDIR:
		return
	}
	q.logger.Warn("kernel invalidation failed",
		"kind", kind,
		"node", inv.node,
		"parent", inv.parent,
		"name", inv.name,
		"status", status.String(),
	)
}
