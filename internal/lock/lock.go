// Package lock implements corevault's Locksmith: a process-global
// row-lock table keyed by (cache, key), plus one serial transaction
// queue per cache, per spec §4.2.
package lock

import (
	"context"
	"runtime"
	"sync"

	"github.com/google/uuid"
)

type rowKey struct {
	cache string
	key   any
}

// Table is the process-global lock table shared across every cache in
// the process, per spec §3 ("Lock records live in a single
// process-global lock table shared across caches"). It is small and
// short-held, unlike the per-key Entry Store, so a single RWMutex is
// sufficient.
type Table struct {
	mu     sync.RWMutex
	owners map[rowKey]string
}

// global is the process-lifetime singleton lock table, per DESIGN
// NOTES §9 ("global mutable state... maps to process-lifetime
// singletons behind a concurrent map abstraction").
var global = &Table{owners: make(map[rowKey]string)}

// Global returns the process-wide lock table.
func Global() *Table { return global }

// Lock acquires all given keys for owner atomically: either every key
// is free (or already owned by owner) and all are marked owned, or
// none are touched and false is returned.
func (t *Table) Lock(cache string, keys []any, owner string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		rk := rowKey{cache, k}
		if existing, ok := t.owners[rk]; ok && existing != owner {
			return false
		}
	}
	for _, k := range keys {
		t.owners[rowKey{cache, k}] = owner
	}
	return true
}

// Unlock releases every row owned by owner among keys.
func (t *Table) Unlock(cache string, keys []any, owner string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	released := false
	for _, k := range keys {
		rk := rowKey{cache, k}
		if t.owners[rk] == owner {
			delete(t.owners, rk)
			released = true
		}
	}
	return released
}

// Locked reports whether any of keys is currently owned by someone
// other than owner.
func (t *Table) Locked(cache string, keys []any, owner string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, k := range keys {
		if existing, ok := t.owners[rowKey{cache, k}]; ok && existing != owner {
			return true
		}
	}
	return false
}

type txFlagKey struct{}

// InTransaction reports whether ctx was produced by (or passed through)
// a running transaction closure, the Go analogue of the source's
// process-dictionary task-local flag (DESIGN NOTES §9).
func InTransaction(ctx context.Context) bool {
	v, _ := ctx.Value(txFlagKey{}).(bool)
	return v
}

func withTxFlag(ctx context.Context) context.Context {
	return context.WithValue(ctx, txFlagKey{}, true)
}

// job is one unit of work submitted to a Queue.
type job struct {
	run  func(ctx context.Context)
	done chan struct{}
}

// Queue is a cache's single serial transaction queue: one goroutine
// draining a channel of closures, grounded on warren's
// pkg/scheduler.Scheduler ticker/channel-select loop, generalized here
// from a ticker to a work queue.
type Queue struct {
	cache  string
	table  *Table
	jobs   chan job
	stop   chan struct{}
	closed sync.Once
}

// NewQueue starts a cache's transaction queue goroutine.
func NewQueue(cache string, table *Table) *Queue {
	q := &Queue{cache: cache, table: table, jobs: make(chan job, 64), stop: make(chan struct{})}
	go q.run()
	return q
}

func (q *Queue) run() {
	for {
		select {
		case j := <-q.jobs:
			j.run(context.Background())
			close(j.done)
		case <-q.stop:
			return
		}
	}
}

// Stop terminates the queue goroutine. In-flight and queued jobs are
// abandoned; callers must not submit further work after Stop.
func (q *Queue) Stop() {
	q.closed.Do(func() { close(q.stop) })
}

// Transaction implements spec §4.2's transaction operation: re-entrant
// if ctx already belongs to a running transaction, otherwise dispatched
// to the cache's serial queue which acquires locks, runs fn with errors
// captured, releases locks, and replies.
func (q *Queue) Transaction(ctx context.Context, keys []any, fn func(ctx context.Context) (any, error)) (any, error) {
	if InTransaction(ctx) {
		return fn(ctx)
	}
	owner := uuid.NewString()
	type outcome struct {
		val any
		err error
	}
	out := make(chan outcome, 1)
	j := job{
		done: make(chan struct{}),
		run: func(base context.Context) {
			txCtx := withTxFlag(base)
			// The queue is serial, so no other transaction on this
			// cache can be mid-flight and Lock normally succeeds on
			// the first attempt. Otherwise it is retried, yielding
			// between attempts, until every row is free; a row that
			// is never released keeps this loop spinning.
			for !q.table.Lock(q.cache, keys, owner) {
				runtime.Gosched()
			}
			v, err := fn(txCtx)
			q.table.Unlock(q.cache, keys, owner)
			out <- outcome{v, err}
		},
	}
	select {
	case q.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	<-j.done
	o := <-out
	return o.val, o.err
}

// Write implements spec §4.2's write operation: runs fn directly when
// transactions are disabled (writes are atomic per key already), or
// when ctx is itself a transaction, or when none of keys is held by
// another transaction; otherwise dispatches to the serial queue, which
// blocks behind whichever transaction currently holds the key.
func (q *Queue) Write(ctx context.Context, transactionsEnabled bool, keys []any, fn func(ctx context.Context) (any, error)) (any, error) {
	if !transactionsEnabled {
		return fn(ctx)
	}
	owner := uuid.NewString()
	if InTransaction(ctx) || !q.table.Locked(q.cache, keys, owner) {
		return fn(ctx)
	}
	type outcome struct {
		val any
		err error
	}
	out := make(chan outcome, 1)
	j := job{
		done: make(chan struct{}),
		run: func(base context.Context) {
			v, err := fn(base)
			out <- outcome{v, err}
		},
	}
	select {
	case q.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	<-j.done
	o := <-out
	return o.val, o.err
}
