package corevault

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/sandtable/corevault/internal/store"
)

// notify wraps a single public operation with pre/post hook dispatch,
// per spec §4.5: "Pre-hooks for action A are delivered before A begins
// execution; post-hooks for A are delivered after A completes."
func notify[T any](ctx context.Context, rec *record, name string, args any, fn func() (T, error)) (T, error) {
	inf := rec.informant.Load()
	inf.DispatchPre(ctx, name, args)
	result, err := fn()
	inf.DispatchPost(ctx, name, args, result)
	return result, err
}

func overrideMillis(opts Opts) *int64 {
	if !opts.hasExpire {
		return nil
	}
	ms := opts.Expire.Milliseconds()
	return &ms
}

// writeEntry performs the normal write path: resolve TTL, stamp
// Modified, and write. A negative override triggers the "immediate
// eviction" rule from spec §4.7's expire option.
func (rec *record) writeEntry(key, value any, opts Opts) {
	override := overrideMillis(opts)
	exp := rec.resolveExpireMillis(override)
	rec.store.Write(store.Entry{Key: key, Value: value, Modified: rec.now(), Expiration: exp})
	if override != nil && *override < 0 {
		rec.store.Delete(key)
	}
}

// Put overwrites key's value and TTL (cache default unless opts
// carries an override), per spec §4.7.
func (c *Cache) Put(ctx context.Context, key, value any, opts Opts) (bool, error) {
	rec, err := c.resolve()
	if err != nil {
		return false, err
	}
	return notify(ctx, rec, "put", key, func() (bool, error) {
		_, err := rec.lockQueue.Write(ctx, rec.transactionsEnabled.Load(), []any{key}, func(ctx context.Context) (any, error) {
			rec.writeEntry(key, value, opts)
			return true, nil
		})
		return true, err
	})
}

// Pair is a (key, value) tuple for PutMany.
type Pair struct {
	Key   any
	Value any
}

// Entry is the public shape of a stored record, as returned by Stream.
type Entry = store.Entry

// PutMany atomically writes every pair, per spec §4.7. An empty input
// is a no-op returning true.
func (c *Cache) PutMany(ctx context.Context, pairs []Pair, opts Opts) (bool, error) {
	rec, err := c.resolve()
	if err != nil {
		return false, err
	}
	if len(pairs) == 0 {
		return true, nil
	}
	keys := make([]any, len(pairs))
	for i, p := range pairs {
		keys[i] = p.Key
	}
	return notify(ctx, rec, "put_many", pairs, func() (bool, error) {
		_, err := rec.lockQueue.Write(ctx, rec.transactionsEnabled.Load(), keys, func(ctx context.Context) (any, error) {
			for _, p := range pairs {
				rec.writeEntry(p.Key, p.Value, opts)
			}
			return true, nil
		})
		return true, err
	})
}

// Get returns key's value, honoring lazy expiry. found is false for
// an absent key, and for an expired one when lazy expiry is enabled
// (the default); with lazy expiry off, an expired entry that has not
// been purged is still returned.
func (c *Cache) Get(ctx context.Context, key any) (value any, found bool, err error) {
	rec, err := c.resolve()
	if err != nil {
		return nil, false, err
	}
	type result struct {
		value any
		found bool
	}
	r, _ := notify(ctx, rec, "get", key, func() (result, error) {
		e, ok := rec.store.Read(key)
		if !ok {
			return result{}, nil
		}
		return result{value: e.Value, found: true}, nil
	})
	return r.value, r.found, nil
}

// Take atomically reads and deletes key.
func (c *Cache) Take(ctx context.Context, key any) (value any, found bool, err error) {
	rec, err := c.resolve()
	if err != nil {
		return nil, false, err
	}
	type result struct {
		value any
		found bool
	}
	r, _ := notify(ctx, rec, "take", key, func() (result, error) {
		var res result
		_, err := rec.lockQueue.Write(ctx, rec.transactionsEnabled.Load(), []any{key}, func(ctx context.Context) (any, error) {
			e, ok := rec.store.Take(key)
			if ok {
				res = result{value: e.Value, found: true}
			}
			return nil, nil
		})
		return res, err
	})
	return r.value, r.found, err
}

// Fetch implements the read-through coalescing fallback of spec §4.4:
// on a hit, returns the stored value tagged OK; on a miss, coalesces
// concurrent callers behind a single invocation of fn.
func (c *Cache) Fetch(ctx context.Context, key any, fn func() (Outcome, error)) (Tag, any, error) {
	rec, err := c.resolve()
	if err != nil {
		return TagError, nil, err
	}
	inf := rec.informant.Load()
	inf.DispatchPre(ctx, "fetch", key)

	if e, ok := rec.store.Read(key); ok {
		inf.DispatchPost(ctx, "fetch", key, FetchOutcome{Tag: TagOK, Value: e.Value})
		return TagOK, e.Value, nil
	}

	reply, err := rec.courierSvc.Dispatch(ctx, key, fn)
	if err != nil {
		return TagError, nil, err
	}
	inf.DispatchPost(ctx, "fetch", key, FetchOutcome{Tag: reply.Tag, Value: reply.Value})
	return reply.Tag, reply.Value, reply.Err
}

// getAndUpdateResult is GetAndUpdate's internal (tag, value) pair,
// threaded through notify's generic result slot.
type getAndUpdateResult struct {
	tag   Tag
	value any
}

// GetAndUpdate reads key's current value, applies fn, and writes the
// result, per spec §4.7. fn may return Ignore to skip the write.
func (c *Cache) GetAndUpdate(ctx context.Context, key any, fn func(value any, found bool) Outcome) (Tag, any, error) {
	rec, err := c.resolve()
	if err != nil {
		return TagError, nil, err
	}
	r, err := notify(ctx, rec, "get_and_update", key, func() (getAndUpdateResult, error) {
		v, err := rec.lockQueue.Write(ctx, rec.transactionsEnabled.Load(), []any{key}, func(ctx context.Context) (any, error) {
			e, found := rec.store.Read(key)
			var current any
			if found {
				current = e.Value
			}
			outcome := fn(current, found)
			if !outcome.IsCommit() {
				return getAndUpdateResult{tag: TagIgnore, value: outcome.Value()}, nil
			}
			if found {
				rec.store.Mutate(key, func(en *store.Entry) bool {
					en.Value = outcome.Value()
					return true
				})
			} else {
				rec.store.Write(store.Entry{Key: key, Value: outcome.Value(), Modified: rec.now(), Expiration: rec.resolveExpireMillis(outcome.ExpireOverride())})
			}
			return getAndUpdateResult{tag: TagCommit, value: outcome.Value()}, nil
		})
		if err != nil {
			return getAndUpdateResult{tag: TagError}, err
		}
		return v.(getAndUpdateResult), nil
	})
	return r.tag, r.value, err
}

// Update blindly overwrites key's value, preserving TTL and Modified.
// Returns false if key is absent.
func (c *Cache) Update(ctx context.Context, key any, newValue any) (bool, error) {
	rec, err := c.resolve()
	if err != nil {
		return false, err
	}
	return notify(ctx, rec, "update", key, func() (bool, error) {
		v, err := rec.lockQueue.Write(ctx, rec.transactionsEnabled.Load(), []any{key}, func(ctx context.Context) (any, error) {
			ok := rec.store.Mutate(key, func(e *store.Entry) bool {
				e.Value = newValue
				return true
			})
			return ok, nil
		})
		if err != nil {
			return false, err
		}
		return v.(bool), nil
	})
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	default:
		return 0, false
	}
}

// incrDecr implements both Incr and Decr: atomic read-modify-write
// respecting the Default option, failing with ErrNonNumericValue if
// the present value is not an integer.
func (c *Cache) incrDecr(ctx context.Context, key any, delta int64, opts Opts) (int64, error) {
	rec, err := c.resolve()
	if err != nil {
		return 0, err
	}
	name := "incr"
	if delta < 0 {
		name = "decr"
	}
	return notify(ctx, rec, name, key, func() (int64, error) {
		v, err := rec.lockQueue.Write(ctx, rec.transactionsEnabled.Load(), []any{key}, func(ctx context.Context) (any, error) {
			e, found := rec.store.Read(key)
			if !found {
				next := opts.Default + delta
				rec.store.Write(store.Entry{Key: key, Value: next, Modified: rec.now(), Expiration: rec.resolveExpireMillis(overrideMillis(opts))})
				return next, nil
			}
			cur, ok := asInt64(e.Value)
			if !ok {
				return int64(0), ErrNonNumericValue
			}
			next := cur + delta
			rec.store.Mutate(key, func(en *store.Entry) bool {
				en.Value = next
				return true
			})
			return next, nil
		})
		if err != nil {
			return 0, err
		}
		return v.(int64), nil
	})
}

// Incr atomically increments key by n, defaulting the initial value
// to opts.Default (0 unless set) when key is absent.
func (c *Cache) Incr(ctx context.Context, key any, n int64, opts Opts) (int64, error) {
	return c.incrDecr(ctx, key, n, opts)
}

// Decr atomically decrements key by n.
func (c *Cache) Decr(ctx context.Context, key any, n int64, opts Opts) (int64, error) {
	return c.incrDecr(ctx, key, -n, opts)
}

// Expire sets key's TTL to ttl, measured from now. A ttl of zero or
// less deletes the key immediately, returning whether it existed; a
// missing key returns false. Expire never clears a TTL: Persist is the
// operation that removes expiration entirely.
func (c *Cache) Expire(ctx context.Context, key any, ttl time.Duration) (bool, error) {
	rec, err := c.resolve()
	if err != nil {
		return false, err
	}
	return notify(ctx, rec, "expire", key, func() (bool, error) {
		if ttl <= 0 {
			v, err := rec.lockQueue.Write(ctx, rec.transactionsEnabled.Load(), []any{key}, func(ctx context.Context) (any, error) {
				return rec.store.Delete(key), nil
			})
			if err != nil {
				return false, err
			}
			return v.(bool), nil
		}
		v, err := rec.lockQueue.Write(ctx, rec.transactionsEnabled.Load(), []any{key}, func(ctx context.Context) (any, error) {
			ms := ttl.Milliseconds()
			now := rec.now()
			ok := rec.store.Mutate(key, func(e *store.Entry) bool {
				e.Expiration = ms
				e.Modified = now
				return true
			})
			return ok, nil
		})
		if err != nil {
			return false, err
		}
		return v.(bool), nil
	})
}

// ExpireAt sets key's TTL so it expires at instant, per spec §4.7
// ("sugar over expire(key, instant - now())").
func (c *Cache) ExpireAt(ctx context.Context, key any, instant time.Time) (bool, error) {
	rec, err := c.resolve()
	if err != nil {
		return false, err
	}
	remaining := time.Duration(instant.UnixMilli()-rec.now()) * time.Millisecond
	return c.Expire(ctx, key, remaining)
}

// Persist clears key's TTL, per spec §4.7.
func (c *Cache) Persist(ctx context.Context, key any) (bool, error) {
	rec, err := c.resolve()
	if err != nil {
		return false, err
	}
	return notify(ctx, rec, "persist", key, func() (bool, error) {
		v, err := rec.lockQueue.Write(ctx, rec.transactionsEnabled.Load(), []any{key}, func(ctx context.Context) (any, error) {
			ok := rec.store.Mutate(key, func(e *store.Entry) bool {
				e.Expiration = 0
				return true
			})
			return ok, nil
		})
		if err != nil {
			return false, err
		}
		return v.(bool), nil
	})
}

// Refresh resets key's Modified to now while preserving Expiration, so
// the remaining TTL equals the original TTL (spec §8 invariant 5).
func (c *Cache) Refresh(ctx context.Context, key any) (bool, error) {
	rec, err := c.resolve()
	if err != nil {
		return false, err
	}
	return notify(ctx, rec, "refresh", key, func() (bool, error) {
		v, err := rec.lockQueue.Write(ctx, rec.transactionsEnabled.Load(), []any{key}, func(ctx context.Context) (any, error) {
			now := rec.now()
			ok := rec.store.Mutate(key, func(e *store.Entry) bool {
				e.Modified = now
				return true
			})
			return ok, nil
		})
		if err != nil {
			return false, err
		}
		return v.(bool), nil
	})
}

// Touch resets key's Modified to now and shrinks Expiration by the
// elapsed time since the previous Modified, so the absolute expiry
// instant is unchanged (spec §8 invariant 4).
func (c *Cache) Touch(ctx context.Context, key any) (bool, error) {
	rec, err := c.resolve()
	if err != nil {
		return false, err
	}
	return notify(ctx, rec, "touch", key, func() (bool, error) {
		v, err := rec.lockQueue.Write(ctx, rec.transactionsEnabled.Load(), []any{key}, func(ctx context.Context) (any, error) {
			now := rec.now()
			ok := rec.store.Mutate(key, func(e *store.Entry) bool {
				if e.Expiration > 0 {
					elapsed := now - e.Modified
					if elapsed >= e.Expiration {
						return false
					}
					e.Expiration -= elapsed
				}
				e.Modified = now
				return true
			})
			return ok, nil
		})
		if err != nil {
			return false, err
		}
		return v.(bool), nil
	})
}

// TTL returns key's remaining time-to-live. found is false if key is
// absent, or expired while lazy expiry is enabled; ok is false if key
// carries no expiration.
func (c *Cache) TTL(key any) (ttl time.Duration, found bool, ok bool, err error) {
	rec, err := c.resolve()
	if err != nil {
		return 0, false, false, err
	}
	e, present := rec.store.Read(key)
	if !present {
		return 0, false, false, nil
	}
	if e.Expiration <= 0 {
		return 0, true, false, nil
	}
	remaining := e.Modified + e.Expiration - rec.now()
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining) * time.Millisecond, true, true, nil
}

// Del removes key, always returning true (spec §4.7: "del(key) →
// true").
func (c *Cache) Del(ctx context.Context, key any) (bool, error) {
	rec, err := c.resolve()
	if err != nil {
		return false, err
	}
	return notify(ctx, rec, "del", key, func() (bool, error) {
		_, err := rec.lockQueue.Write(ctx, rec.transactionsEnabled.Load(), []any{key}, func(ctx context.Context) (any, error) {
			rec.store.Delete(key)
			return nil, nil
		})
		return true, err
	})
}

// Clear empties the cache and returns the size immediately before
// clearing.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	rec, err := c.resolve()
	if err != nil {
		return 0, err
	}
	return notify(ctx, rec, "clear", nil, func() (int, error) {
		return rec.store.Clear(), nil
	})
}

// Size returns the raw entry count, including expired-but-not-purged
// entries (spec §8 invariant 8).
func (c *Cache) Size() (int, error) {
	rec, err := c.resolve()
	if err != nil {
		return 0, err
	}
	return rec.store.Size(true, rec.now()), nil
}

// SizeExcludingExpired filters out expired-but-not-purged entries, the
// "count_unexpired" form per spec §9.
func (c *Cache) SizeExcludingExpired() (int, error) {
	rec, err := c.resolve()
	if err != nil {
		return 0, err
	}
	return rec.store.Size(false, rec.now()), nil
}

// Empty reports whether the cache holds zero live entries.
func (c *Cache) Empty() (bool, error) {
	n, err := c.SizeExcludingExpired()
	return n == 0, err
}

// Exists reports whether Get finds key: present, and unexpired when
// lazy expiry is enabled.
func (c *Cache) Exists(ctx context.Context, key any) (bool, error) {
	_, found, err := c.Get(ctx, key)
	return found, err
}

// Keys returns every live (unexpired) key.
func (c *Cache) Keys() ([]any, error) {
	rec, err := c.resolve()
	if err != nil {
		return nil, err
	}
	now := rec.now()
	var keys []any
	for k := range store.Stream(rec.store, func(e store.Entry) bool { return !e.Expired(now) }, func(e store.Entry) any { return e.Key }) {
		keys = append(keys, k)
	}
	return keys, nil
}

// Stream lazily yields every live entry matching predicate, skipping
// expired entries.
func (c *Cache) Stream(predicate func(Entry) bool) (func(yield func(Entry) bool), error) {
	rec, err := c.resolve()
	if err != nil {
		return nil, err
	}
	now := rec.now()
	return store.Stream(rec.store, func(e store.Entry) bool {
		if e.Expired(now) {
			return false
		}
		return predicate == nil || predicate(e)
	}, func(e store.Entry) Entry { return e }), nil
}

// Purge runs an immediate Janitor-equivalent scan, per spec §4.7.
func (c *Cache) Purge() (int, error) {
	rec, err := c.resolve()
	if err != nil {
		return 0, err
	}
	return rec.janitorSvc.Purge().Count, nil
}

// LastPurge returns the Janitor's most recent run metadata.
func (c *Cache) LastPurge() (count int, duration time.Duration, startedAt time.Time, err error) {
	rec, err := c.resolve()
	if err != nil {
		return 0, 0, time.Time{}, err
	}
	snap, jerr := rec.janitorSvc.LastRun()
	if jerr != nil {
		return 0, 0, time.Time{}, fmt.Errorf("%w", ErrJanitorDisabled)
	}
	return snap.Count, snap.Duration, snap.StartedAt, nil
}

// Execute runs fn with the resolved cache handle, a cheap
// "no-repeated-lookup" batching construct with no isolation guarantee
// beyond what each individual call inside fn already provides, per
// spec §4.7.
func (c *Cache) Execute(fn func(c *Cache) (any, error)) (any, error) {
	if _, err := c.resolve(); err != nil {
		return nil, err
	}
	return fn(c)
}

// Transaction runs fn with keys locked for its duration, re-entrant
// if ctx already belongs to a running transaction on this cache, per
// spec §4.2. The first call on a cache with transactions disabled
// atomically enables them.
func (c *Cache) Transaction(ctx context.Context, keys []any, fn func(ctx context.Context) (any, error)) (any, error) {
	rec, err := c.resolve()
	if err != nil {
		return nil, err
	}
	if !rec.transactionsEnabled.Load() {
		if _, err := overseer.Update(c.name, func(cur *record) *record {
			cur.transactionsEnabled.Store(true)
			return cur
		}); err != nil {
			return nil, ErrNoCache
		}
	}
	return rec.lockQueue.Transaction(ctx, keys, fn)
}

// Invoke looks up a registered command by name and applies it to
// key's value, per spec §4.7.
func (c *Cache) Invoke(ctx context.Context, name string, key any, opts Opts) (any, error) {
	rec, err := c.resolve()
	if err != nil {
		return nil, err
	}
	cmd, ok := rec.commands[name]
	if !ok || (cmd.Kind == CommandRead && cmd.ReadFn == nil) || (cmd.Kind == CommandWrite && cmd.WriteFn == nil) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCommand, name)
	}
	return notify(ctx, rec, "invoke:"+name, key, func() (any, error) {
		switch cmd.Kind {
		case CommandRead:
			e, found := rec.store.Read(key)
			if !found {
				return nil, nil
			}
			return cmd.ReadFn(e.Value), nil
		case CommandWrite:
			return rec.lockQueue.Write(ctx, rec.transactionsEnabled.Load(), []any{key}, func(ctx context.Context) (any, error) {
				e, found := rec.store.Read(key)
				var current any
				if found {
					current = e.Value
				}
				result, newValue := cmd.WriteFn(current)
				if found {
					rec.store.Mutate(key, func(en *store.Entry) bool {
						if reflect.DeepEqual(en.Value, newValue) {
							return false
						}
						en.Value = newValue
						return true
					})
				} else {
					rec.store.Write(store.Entry{Key: key, Value: newValue, Modified: rec.now(), Expiration: rec.resolveExpireMillis(nil)})
				}
				return result, nil
			})
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidCommand, name)
		}
	})
}
