// Package store implements corevault's Entry Store: a concurrent
// keyspace supporting non-blocking reads and per-key atomic writes,
// generalized from the teacher's single-RWMutex map into a sharded
// map so that reads and writes to unrelated keys never contend on the
// same lock.
package store

import (
	"fmt"
	"hash/maphash"
	"sync"
	"time"
)

const shardCount = 16

// Entry is the unit stored in the keyspace: an opaque key/value pair
// plus the expiration bookkeeping described in spec §3. Expiration is
// a duration in milliseconds from Modified; zero means no expiry.
type Entry struct {
	Key        any
	Value      any
	Modified   int64
	Expiration int64
}

// Expired reports whether the entry has outlived its expiration, per
// the invariant in spec §3: expired iff Expiration is set and
// Modified+Expiration < now.
func (e Entry) Expired(now int64) bool {
	return e.Expiration > 0 && e.Modified+e.Expiration < now
}

// Clock abstracts wall-clock milliseconds so tests can control time
// without sleeping.
type Clock func() int64

// WallClock is the default Clock, using monotonic-backed wall time.
func WallClock() int64 { return time.Now().UnixMilli() }

type shard struct {
	mu   sync.RWMutex
	data map[any]*Entry
}

// Store is a sharded, concurrent map of key to Entry. Read operations
// never take a lock beyond the single shard they touch, and never
// block a concurrent write to a different key.
type Store struct {
	shards [shardCount]*shard
	seed   maphash.Seed
	lazy   bool
	clock  Clock
}

// New constructs an empty Store. lazy enables delete-on-read for
// observed-expired entries (spec §4.1's lazy read augmentation); clock
// defaults to WallClock when nil.
func New(lazy bool, clock Clock) *Store {
	if clock == nil {
		clock = WallClock
	}
	s := &Store{lazy: lazy, clock: clock, seed: maphash.MakeSeed()}
	for i := range s.shards {
		s.shards[i] = &shard{data: make(map[any]*Entry)}
	}
	return s
}

func (s *Store) shardFor(key any) *shard {
	var h maphash.Hash
	h.SetSeed(s.seed)
	switch k := key.(type) {
	case string:
		h.WriteString(k)
	default:
		h.WriteString(toHashableString(k))
	}
	return s.shards[h.Sum64()%shardCount]
}

// toHashableString is a best-effort fallback for non-string keys; the
// contract only requires keys be hashable/equatable as Go map keys, so
// this only needs to distribute shards deterministically, not uniquely
// identify a key (map equality still does that).
func toHashableString(key any) string {
	return fmt.Sprintf("%#v", key)
}

// Read returns the entry for key, or (nil, false) if absent or (when
// lazy is enabled) observed-expired. Read never acquires more than one
// shard's lock and never blocks a write to a different key.
func (s *Store) Read(key any) (Entry, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.data[key]
	sh.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if s.lazy && e.Expired(s.clock()) {
		s.deleteIfUnchanged(sh, key, e.Modified)
		return Entry{}, false
	}
	return *e, true
}

// deleteIfUnchanged removes key from sh only if the stored entry still
// has the Modified stamp observed by the caller, so a lazy-expiry
// delete racing a fresh write never clobbers the new value (spec
// §4.1: "compare-by-modified before delete, or equivalent").
func (s *Store) deleteIfUnchanged(sh *shard, key any, observedModified int64) {
	sh.mu.Lock()
	if cur, ok := sh.data[key]; ok && cur.Modified == observedModified {
		delete(sh.data, key)
	}
	sh.mu.Unlock()
}

// Write inserts or overwrites key's entry, returning the previous
// entry if one existed. Writes are atomic per key.
func (s *Store) Write(e Entry) (prev Entry, hadPrev bool) {
	sh := s.shardFor(e.Key)
	cp := e
	sh.mu.Lock()
	if old, ok := sh.data[e.Key]; ok {
		prev, hadPrev = *old, true
	}
	sh.data[e.Key] = &cp
	sh.mu.Unlock()
	return prev, hadPrev
}

// Mutate applies fn to a copy of key's current entry if present. If fn
// returns true the mutated copy is written back atomically; if fn
// returns false, or the key is absent, no write occurs. Mutate reports
// whether the entry existed.
func (s *Store) Mutate(key any, fn func(e *Entry) bool) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	old, ok := sh.data[key]
	if !ok {
		return false
	}
	cp := *old
	if !fn(&cp) {
		return true
	}
	sh.data[key] = &cp
	return true
}

// Delete removes key, reporting whether it was present.
func (s *Store) Delete(key any) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	_, ok := sh.data[key]
	delete(sh.data, key)
	sh.mu.Unlock()
	return ok
}

// Take atomically reads and deletes key.
func (s *Store) Take(key any) (Entry, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	old, ok := sh.data[key]
	if ok {
		delete(sh.data, key)
	}
	sh.mu.Unlock()
	if !ok {
		return Entry{}, false
	}
	if s.lazy && old.Expired(s.clock()) {
		return Entry{}, false
	}
	return *old, true
}

// Clear empties the store and returns the size immediately before
// clearing, per spec §4.1.
func (s *Store) Clear() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.data)
		sh.data = make(map[any]*Entry)
		sh.mu.Unlock()
	}
	return total
}

// Size returns the number of stored entries. When includeExpired is
// false, entries observed as expired under the given now are excluded
// — the filtered form spec §9 treats as canonical for count_unexpired.
func (s *Store) Size(includeExpired bool, now int64) int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		if includeExpired {
			total += len(sh.data)
		} else {
			for _, e := range sh.data {
				if !e.Expired(now) {
					total++
				}
			}
		}
		sh.mu.RUnlock()
	}
	return total
}

// Stream yields a snapshot copy of every entry matching predicate,
// applying projection to each before yielding. Snapshot semantics are
// not required by the contract, only that concurrent mutation never
// crashes iteration — achieved here by copying each shard's entries
// out while holding only that shard's read lock.
func Stream[T any](s *Store, predicate func(Entry) bool, projection func(Entry) T) func(yield func(T) bool) {
	return func(yield func(T) bool) {
		for _, sh := range s.shards {
			sh.mu.RLock()
			batch := make([]Entry, 0, len(sh.data))
			for _, e := range sh.data {
				batch = append(batch, *e)
			}
			sh.mu.RUnlock()
			for _, e := range batch {
				if predicate != nil && !predicate(e) {
					continue
				}
				if !yield(projection(e)) {
					return
				}
			}
		}
	}
}

// SelectExpired returns every key observed as expired against a single
// captured now, per spec §4.1.
func (s *Store) SelectExpired(now int64) []any {
	var keys []any
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, e := range sh.data {
			if e.Expired(now) {
				keys = append(keys, k)
			}
		}
		sh.mu.RUnlock()
	}
	return keys
}

// DeleteMany removes all given keys atomically per shard and returns
// the count actually removed. Used by the Janitor's purge pass.
func (s *Store) DeleteMany(keys []any) int {
	byShard := make(map[*shard][]any)
	for _, k := range keys {
		sh := s.shardFor(k)
		byShard[sh] = append(byShard[sh], k)
	}
	count := 0
	for sh, ks := range byShard {
		sh.mu.Lock()
		for _, k := range ks {
			if _, ok := sh.data[k]; ok {
				delete(sh.data, k)
				count++
			}
		}
		sh.mu.Unlock()
	}
	return count
}
