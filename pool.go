package stow

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// defaultWorkers bounds the worker pool for remote-touching batch operations.
const defaultWorkers = 5

// batch fans independent item tasks out across a bounded pool while
// collecting per-item failures, so recursive operations continue past a
// single bad artefact and report an aggregate at the end. A task is always a
// complete unit of work: a move submits its write and its delete as one
// function, never as two tasks where one waits on the other, because a
// bounded pool deadlocks when a running task blocks on a queued one.
type batch struct {
	group *errgroup.Group
	ctx   context.Context

	mu   sync.Mutex
	errs BatchError
}

// newBatch creates a pool-backed batch for the manager. Local backends run
// their items sequentially in submission order; remote ones spread across
// the configured worker limit.
func (m *Manager) newBatch(ctx context.Context, op string) *batch {
	group, ctx := errgroup.WithContext(ctx)
	if m.backend.Capabilities().Has(CapLocal) {
		group.SetLimit(1)
	} else {
		group.SetLimit(m.workers)
	}
	return &batch{group: group, ctx: ctx, errs: BatchError{Op: op}}
}

// submit schedules one unit of work. Failures are recorded, not propagated,
// so a failing item never cancels its siblings. Once the batch context is
// cancelled no further work is issued; in-flight tasks run to completion.
func (b *batch) submit(task func(ctx context.Context) error) {
	if b.ctx.Err() != nil {
		b.record(b.ctx.Err())
		return
	}
	b.group.Go(func() error {
		b.record(task(b.ctx))
		return nil
	})
}

func (b *batch) record(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	b.errs.append(err)
	b.mu.Unlock()
}

// wait blocks until every submitted task has finished and returns the
// aggregated failures, nil when all items succeeded.
func (b *batch) wait() error {
	_ = b.group.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errs.orNil()
}

// moveCounter coordinates deferred source-directory cleanup for a recursive
// move. Every descendant task holds one reference; the task that releases
// the final reference runs the cleanup. Cleanup must be idempotent: the
// atomic serializes who reaches zero, but the delete it performs may race
// with nothing being left to delete.
type moveCounter struct {
	outstanding atomic.Int64
	cleanup     func()
}

func newMoveCounter(cleanup func()) *moveCounter {
	c := &moveCounter{cleanup: cleanup}
	// The submitting goroutine holds a reference while it fans out, so the
	// counter cannot hit zero before every descendant has been scheduled.
	c.outstanding.Add(1)
	return c
}

func (c *moveCounter) add() { c.outstanding.Add(1) }

func (c *moveCounter) done() {
	if c.outstanding.Add(-1) == 0 {
		c.cleanup()
	}
}
