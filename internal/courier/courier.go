// Package courier implements corevault's coalescing fallback executor:
// at most one concurrent execution of a fallback function per key,
// with every concurrent caller receiving the eventual result, per spec
// §4.4.
package courier

import (
	"container/list"
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Tag identifies how a caller should interpret a Reply, mirroring the
// :commit/:ignore/:ok/:error tags of spec §4.4.
type Tag int

const (
	// Commit is observed only by the single waiter whose fetch call
	// triggered the worker spawn.
	Commit Tag = iota
	// Ignore is observed by a waiter whose fallback chose not to write.
	Ignore
	// OK is what every waiter after the first observes in place of
	// Commit, so exactly one caller sees "I loaded this value."
	OK
	// Error is observed by every waiter when the fallback panicked or
	// raised.
	Error
)

func (t Tag) String() string {
	switch t {
	case Commit:
		return "commit"
	case Ignore:
		return "ignore"
	case OK:
		return "ok"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is what a fallback function returns: either a commit (write
// the value) or an ignore (do not write), each carrying a value. A
// bare-value fallback return maps to Commit(value) at the call site,
// the Go analogue of spec §4.4's "returning a value that is not a
// tuple is treated as :commit(value)".
type Outcome struct {
	commit bool
	value  any
	expire *int64 // milliseconds; nil means use the cache default TTL
}

// IsCommit reports whether this Outcome commits its value to the
// store.
func (o Outcome) IsCommit() bool { return o.commit }

// Value returns the carried value.
func (o Outcome) Value() any { return o.value }

// ExpireOverride returns the per-call TTL override in milliseconds,
// or nil if the cache default should apply.
func (o Outcome) ExpireOverride() *int64 { return o.expire }

// CommitValue builds a committing Outcome with the default TTL.
func CommitValue(value any) Outcome { return Outcome{commit: true, value: value} }

// CommitValueWithExpire builds a committing Outcome carrying a
// per-call expire override in milliseconds, per spec §4.4 point 6.
func CommitValueWithExpire(value any, expireMillis int64) Outcome {
	return Outcome{commit: true, value: value, expire: &expireMillis}
}

// IgnoreValue builds a non-committing Outcome.
func IgnoreValue(value any) Outcome { return Outcome{commit: false, value: value} }

// Reply is delivered to a fetch caller once the coalesced worker
// completes.
type Reply struct {
	Tag   Tag
	Value any
	Err   error
}

// StackError wraps a panic raised inside a fallback function together
// with the captured stack trace, per spec §4.4 point 4 and §7.
type StackError struct {
	Message string
	Stack   string
}

func (e *StackError) Error() string { return e.Message }

// Writer performs the normal write path for a commit, without
// emitting hook notifications for that write (spec §4.4 point 6). It
// returns an error if the write itself cannot be applied.
type Writer func(key any, value any, expireMillis *int64) error

type waiterEntry struct {
	first bool
	reply chan Reply
}

// Courier coalesces concurrent fetch calls per key.
type Courier struct {
	mu      sync.Mutex
	waiters map[any]*list.List
	write   Writer
	logger  zerolog.Logger
}

// New constructs a Courier. write is invoked exactly once per commit,
// from the worker goroutine, before any waiter receives its reply.
func New(write Writer, logger zerolog.Logger) *Courier {
	return &Courier{waiters: make(map[any]*list.List), write: write, logger: logger}
}

// Dispatch implements spec §4.4's protocol: if no worker is currently
// running for key, one is spawned and the caller becomes its first
// waiter; otherwise the caller is appended to the existing waiter
// list and no new worker is spawned. fn is only ever invoked by the
// spawned worker, never directly by Dispatch.
func (c *Courier) Dispatch(ctx context.Context, key any, fn func() (Outcome, error)) (Reply, error) {
	replyCh := make(chan Reply, 1)

	c.mu.Lock()
	l, exists := c.waiters[key]
	if !exists {
		l = list.New()
		c.waiters[key] = l
	}
	isFirst := !exists
	l.PushBack(&waiterEntry{first: isFirst, reply: replyCh})
	c.mu.Unlock()

	if isFirst {
		workerID := uuid.NewString()
		go c.runWorker(workerID, key, fn)
	}

	select {
	case r := <-replyCh:
		return r, nil
	case <-ctx.Done():
		// Spec §4.4: "if a caller goes away before the result is
		// delivered, the reply is dropped silently; the worker still
		// completes and writes on commit." replyCh is buffered, so
		// the eventual send from runWorker never blocks even though
		// nothing reads it.
		return Reply{}, ctx.Err()
	}
}

func (c *Courier) runWorker(workerID string, key any, fn func() (Outcome, error)) {
	log := c.logger.With().Str("worker_id", workerID).Logger()
	reply := c.execute(log, key, fn)

	c.mu.Lock()
	l := c.waiters[key]
	delete(c.waiters, key) // spec §4.4 point 9: remove before reply
	c.mu.Unlock()

	if l == nil {
		return
	}
	for e := l.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiterEntry)
		r := reply
		if !w.first && r.Tag == Commit {
			r.Tag = OK
		}
		w.reply <- r
	}
}

func (c *Courier) execute(log zerolog.Logger, key any, fn func() (Outcome, error)) (reply Reply) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("fallback panicked")
			reply = Reply{Tag: Error, Err: &StackError{
				Message: fmt.Sprintf("%v", p),
				Stack:   string(debug.Stack()),
			}}
		}
	}()

	outcome, err := fn()
	if err != nil {
		return Reply{Tag: Error, Err: err}
	}
	if !outcome.commit {
		return Reply{Tag: Ignore, Value: outcome.value}
	}
	if c.write != nil {
		if werr := c.write(key, outcome.value, outcome.expire); werr != nil {
			return Reply{Tag: Error, Err: werr}
		}
	}
	return Reply{Tag: Commit, Value: outcome.value}
}
