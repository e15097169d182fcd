// Package janitor implements corevault's scheduled expirer: a
// per-cache ticker that purges expired entries and records run
// metadata for inspection, per spec §4.3.
package janitor

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sandtable/corevault/internal/store"
)

// ErrDisabled is returned by LastRun when the janitor has no
// configured interval, per spec §4.3 ("If interval is absent the
// Janitor is disabled").
var ErrDisabled = errors.New("janitor: disabled")

// Snapshot is the metadata recorded for each purge pass.
type Snapshot struct {
	Count     int
	Duration  time.Duration
	StartedAt time.Time
}

// Janitor periodically purges expired entries from a single cache's
// Entry Store, grounded directly on the teacher's janitor.go
// ticker/goroutine/stopchan triple (generalized from a package-global
// cache to one instance per cache).
type Janitor struct {
	store    *store.Store
	interval time.Duration
	clock    store.Clock
	notify   func(count int)
	logger   zerolog.Logger

	last    atomic.Pointer[Snapshot]
	stop    chan struct{}
	started bool
	once    sync.Once
}

// New constructs a Janitor for st. interval of zero disables
// scheduling entirely (Start becomes a no-op); notify is invoked with
// the purge count whenever a scheduled or manual purge removes at
// least one entry, per spec §4.3's "broadcasts a purge notification".
func New(st *store.Store, interval time.Duration, clock store.Clock, notify func(count int), logger zerolog.Logger) *Janitor {
	if clock == nil {
		clock = store.WallClock
	}
	return &Janitor{store: st, interval: interval, clock: clock, notify: notify, logger: logger, stop: make(chan struct{})}
}

// Start launches the background ticker goroutine if interval > 0.
func (j *Janitor) Start() {
	if j.interval <= 0 {
		return
	}
	j.started = true
	ticker := time.NewTicker(j.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				j.Purge()
			case <-j.stop:
				return
			}
		}
	}()
}

// Stop terminates the background ticker goroutine, if running.
func (j *Janitor) Stop() {
	j.once.Do(func() { close(j.stop) })
}

// Purge performs one purge pass immediately: select all expired
// entries against a single captured now, delete them atomically,
// record a Snapshot, and notify on a non-zero count. It is used both
// by the scheduled ticker and by the Action Layer's manual purge()
// operation (spec §4.7).
func (j *Janitor) Purge() Snapshot {
	started := time.Now()
	now := j.clock()
	expired := j.store.SelectExpired(now)
	count := j.store.DeleteMany(expired)
	snap := Snapshot{Count: count, Duration: time.Since(started), StartedAt: started}
	j.last.Store(&snap)
	j.logger.Debug().Int("count", count).Dur("duration", snap.Duration).Msg("purge complete")
	if count > 0 && j.notify != nil {
		j.notify(count)
	}
	return snap
}

// LastRun returns the most recent purge Snapshot, or ErrDisabled if
// this Janitor has no configured interval (spec §4.3, §7).
func (j *Janitor) LastRun() (Snapshot, error) {
	if j.interval <= 0 {
		return Snapshot{}, ErrDisabled
	}
	if snap := j.last.Load(); snap != nil {
		return *snap, nil
	}
	return Snapshot{}, nil
}
