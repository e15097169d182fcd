// Package corevault implements an in-memory key/value cache with
// per-entry expiration, a coalescing fallback executor ("Courier"),
// row-level transactional locking ("Locksmith"), and a pluggable
// notification pipeline ("Informant").
package corevault

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sandtable/corevault/internal/corelog"
	"github.com/sandtable/corevault/internal/courier"
	"github.com/sandtable/corevault/internal/hook"
	"github.com/sandtable/corevault/internal/janitor"
	"github.com/sandtable/corevault/internal/lock"
	"github.com/sandtable/corevault/internal/registry"
	"github.com/sandtable/corevault/internal/store"
)

// maxConcurrentRequiredWarmers bounds how many required warmers can
// run concurrently at Start, so a cache configured with many of them
// cannot fork unboundedly at boot (spec §5 / SPEC_FULL.md §5).
const maxConcurrentRequiredWarmers = 8

// record is the cache-record of spec §3: process-wide, immutable
// configuration plus the engines bound to this cache's lifetime. It is
// the value stored in, and returned by, the Overseer registry.
type record struct {
	name             string
	defaultTTLMillis int64
	lazy             bool
	compressed       bool
	clock            store.Clock

	store       *store.Store
	lockQueue   *lock.Queue
	courierSvc  *courier.Courier
	janitorSvc  *janitor.Janitor
	informant   atomic.Pointer[hook.Informant]
	commands    map[string]Command
	warmers     []Warmer
	stopWarmers chan struct{}

	transactionsEnabled atomic.Bool
	logger              zerolog.Logger
}

func (r *record) now() int64 {
	if r.clock != nil {
		return r.clock()
	}
	return store.WallClock()
}

// overseer is the process-wide cache-record registry singleton
// (spec §4.6).
var overseer = registry.NewOverseer[*record]()

// Cache is the public handle returned by Start. It resolves to its
// record through the Overseer on every call, per spec §4.7 ("All
// public operations take a cache handle... and resolve to a record
// via the Overseer").
type Cache struct {
	name string
}

// Name returns the cache's identifier.
func (c *Cache) Name() string { return c.name }

func (c *Cache) resolve() (*record, error) {
	rec, ok := overseer.Retrieve(c.name)
	if !ok {
		return nil, ErrNoCache
	}
	return rec, nil
}

// Start constructs, registers, and brings up a cache per spec §6. name
// is required and must be unique within the process.
func Start(opts ...Option) (*Cache, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.name == "" {
		return nil, ErrInvalidName
	}
	if overseer.Known(cfg.name) {
		return nil, fmt.Errorf("%w: %q already started", ErrInvalidName, cfg.name)
	}

	rec := &record{
		name:             cfg.name,
		defaultTTLMillis: cfg.defaultTTL.Milliseconds(),
		lazy:             cfg.lazy,
		compressed:       cfg.compressed,
		clock:            cfg.clock,
		commands:         cfg.commands,
		warmers:          cfg.warmers,
		stopWarmers:      make(chan struct{}),
		logger:           corelog.Cache("cache", cfg.name),
	}
	rec.transactionsEnabled.Store(cfg.transactionsEnabled)
	rec.store = store.New(cfg.lazy, cfg.clock)
	rec.lockQueue = lock.NewQueue(cfg.name, lock.Global())
	rec.informant.Store(hook.New(cfg.preHooks, cfg.postHooks, corelog.Component("informant")))
	rec.courierSvc = courier.New(rec.courierWrite, corelog.Component("courier"))
	rec.janitorSvc = janitor.New(rec.store, cfg.janitorInterval, cfg.clock, rec.notifyPurge, corelog.Component("janitor"))

	overseer.Register(cfg.name, rec)
	overseer.OnUpdate(func(name string, updated *record) {
		updated.informant.Load().ProvisionAll(context.Background(), "cache", updated)
	})

	rec.janitorSvc.Start()

	c := &Cache{name: cfg.name}
	if err := runWarmers(rec, c); err != nil {
		Stop(c)
		return nil, err
	}
	return c, nil
}

// courierWrite is the Writer callback the Courier invokes on commit:
// the normal write path, but without emitting hook notifications for
// that write, per spec §4.4 point 6. It goes through the Locksmith the
// same way every other mutating Action Layer operation does, so a
// Transaction holding key's row excludes a concurrent Fetch-miss
// commit on that same key rather than racing it.
func (r *record) courierWrite(key any, value any, expireMillis *int64) error {
	_, err := r.lockQueue.Write(context.Background(), r.transactionsEnabled.Load(), []any{key}, func(ctx context.Context) (any, error) {
		now := r.now()
		resolved := r.resolveExpireMillis(expireMillis)
		r.store.Write(store.Entry{Key: key, Value: value, Modified: now, Expiration: resolved})
		if expireMillis != nil && *expireMillis < 0 {
			r.store.Delete(key)
		}
		return nil, nil
	})
	return err
}

func (r *record) resolveExpireMillis(overrideMs *int64) int64 {
	if overrideMs != nil {
		if *overrideMs < 0 {
			return 0
		}
		return *overrideMs
	}
	if r.defaultTTLMillis > 0 {
		return r.defaultTTLMillis
	}
	return 0
}

func (r *record) notifyPurge(count int) {
	r.informant.Load().DispatchPost(context.Background(), "purge", nil, count)
}

// runWarmers runs every required warmer to completion (bounded by
// maxConcurrentRequiredWarmers via golang.org/x/sync/semaphore) before
// returning, and launches optional warmers as detached goroutines,
// per spec §6.
func runWarmers(rec *record, c *Cache) error {
	sem := semaphore.NewWeighted(maxConcurrentRequiredWarmers)
	g, ctx := errgroup.WithContext(context.Background())

	for _, w := range rec.warmers {
		w := w
		if w.Required() {
			g.Go(func() error {
				if err := sem.Acquire(ctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
				if err := w.Run(ctx, c); err != nil {
					return fmt.Errorf("required warmer %q: %w", w.Name(), err)
				}
				return nil
			})
		} else {
			go func() {
				if err := w.Run(context.Background(), c); err != nil {
					rec.logger.Warn().Str("warmer", w.Name()).Err(err).Msg("warmer run failed")
				}
			}()
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, w := range rec.warmers {
		if w.Interval() > 0 {
			runWarmer(rec, c, w)
		}
	}
	return nil
}

// Stop tears down a cache: stops its Janitor and transaction queue,
// and unregisters it from the Overseer.
func Stop(c *Cache) {
	rec, ok := overseer.Retrieve(c.name)
	if !ok {
		return
	}
	rec.janitorSvc.Stop()
	rec.lockQueue.Stop()
	close(rec.stopWarmers)
	overseer.Unregister(c.name)
}

// resetScope selects what Reset clears, per spec §6's "only" option.
type resetScope int

const (
	// ResetCache clears the keyspace only.
	ResetCache resetScope = iota
	// ResetHooks clears hook state only (re-provisions hooks with the
	// current record).
	ResetHooks
	// ResetAll clears both.
	ResetAll
)

// Reset clears cache state per spec §6's "only"/"hooks" options.
func (c *Cache) Reset(scope resetScope) error {
	rec, err := c.resolve()
	if err != nil {
		return err
	}
	if scope == ResetCache || scope == ResetAll {
		rec.store.Clear()
	}
	if scope == ResetHooks || scope == ResetAll {
		rec.informant.Load().ProvisionAll(context.Background(), "cache", rec)
	}
	return nil
}
