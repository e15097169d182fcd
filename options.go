package corevault

import (
	"time"

	"github.com/sandtable/corevault/internal/hook"
	"github.com/sandtable/corevault/internal/store"
)

// Option configures a cache at Start time, generalizing the teacher's
// functional-options pattern (options.go's single WithCleanupInterval)
// to the full option set enumerated in spec §6.
type Option func(*config)

type config struct {
	name                string
	defaultTTL          time.Duration
	janitorInterval     time.Duration
	lazy                bool
	preHooks            []hook.Hook
	postHooks           []hook.Hook
	warmers             []Warmer
	commands            map[string]Command
	transactionsEnabled bool
	compressed          bool
	clock               store.Clock
}

func newConfig() *config {
	return &config{
		lazy:     true, // spec §6 default: "lazy on"
		commands: make(map[string]Command),
	}
}

// WithName sets the cache's process-unique identifier. Required.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithDefaultTTL sets the default expiration applied to put/fetch
// writes that don't carry a per-call expire override.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithJanitorInterval enables the scheduled expirer at the given
// period. Omitting this option (or passing zero) disables the
// Janitor, per spec §6's "no janitor" default.
func WithJanitorInterval(d time.Duration) Option {
	return func(c *config) { c.janitorInterval = d }
}

// WithLazy toggles lazy (delete-on-read) expiry. Defaults to true.
func WithLazy(enabled bool) Option {
	return func(c *config) { c.lazy = enabled }
}

// WithHook registers a hook, routed to the pre or post list by its
// own declared Kind(). Hooks are notified in the order they were
// added via WithHook, per spec §4.5 point 3.
func WithHook(h hook.Hook) Option {
	return func(c *config) {
		if h.Kind() == hook.Pre {
			c.preHooks = append(c.preHooks, h)
		} else {
			c.postHooks = append(c.postHooks, h)
		}
	}
}

// WithWarmer registers a warmer descriptor, run once at Start and
// then on its own Interval() if non-zero, per spec §6.
func WithWarmer(w Warmer) Option {
	return func(c *config) { c.warmers = append(c.warmers, w) }
}

// WithCommand registers a named custom command, invoked via Invoke.
func WithCommand(name string, cmd Command) Option {
	return func(c *config) { c.commands[name] = cmd }
}

// WithTransactions enables row-level locking from Start. It may also
// be enabled implicitly by the first call to Transaction, per spec
// §4.2's "first-use transaction enablement" — this option exists for
// callers who want it on from the outset.
func WithTransactions(enabled bool) Option {
	return func(c *config) { c.transactionsEnabled = enabled }
}

// WithCompressed is a hint to the store backend; the in-memory Entry
// Store does not itself compress, but the flag is threaded through so
// a future backend (or a wrapping hook) can act on it.
func WithCompressed(enabled bool) Option {
	return func(c *config) { c.compressed = enabled }
}

// WithClock overrides the wall-clock source, for deterministic tests.
func WithClock(clock store.Clock) Option {
	return func(c *config) { c.clock = clock }
}

// Opts carries the per-call options recognized by Action Layer
// operations (spec §4.7's option table).
type Opts struct {
	// Expire overrides the default TTL on write. It takes effect only
	// when set through WithExpire; without it the cache default
	// applies. Set through WithExpire, zero means no expiry and a
	// negative value means immediate eviction.
	Expire time.Duration
	hasExpire bool
	// Default is the initial value used by Incr/Decr on a missing key.
	Default int64
}

// WithExpire sets a per-call TTL override.
func (o Opts) WithExpire(d time.Duration) Opts {
	o.Expire = d
	o.hasExpire = true
	return o
}

// WithDefault sets the initial value for Incr/Decr on a missing key.
func (o Opts) WithDefault(n int64) Opts {
	o.Default = n
	return o
}
