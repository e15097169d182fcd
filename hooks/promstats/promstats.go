// Package promstats is an example external collaborator hook:
// a post-hook that accumulates cache statistics into Prometheus
// metrics, grounded on warren's pkg/metrics construction style but
// scoped to a single registerer instance rather than package globals,
// since more than one cache (each with its own name label) may be
// running in the same process.
package promstats

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sandtable/corevault"
	"github.com/sandtable/corevault/internal/hook"
)

// Stats is a post-hook that counts hits, misses, writes, and
// evictions per cache name, registering its own CounterVecs on
// construction.
type Stats struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	writes    *prometheus.CounterVec
	evictions *prometheus.CounterVec
	cacheName string
}

// New builds a Stats hook for the named cache and registers its
// metrics with reg. cacheName becomes the "cache" label on every
// series, so Stats hooks for multiple caches can share one registerer.
func New(reg prometheus.Registerer, cacheName string) (*Stats, error) {
	s := &Stats{
		cacheName: cacheName,
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corevault_hits_total",
			Help: "Total number of fetch calls that found a live entry.",
		}, []string{"cache"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corevault_misses_total",
			Help: "Total number of fetch calls that found no live entry.",
		}, []string{"cache"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corevault_writes_total",
			Help: "Total number of put/put_many/update/get_and_update writes.",
		}, []string{"cache"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corevault_evictions_total",
			Help: "Total number of entries removed by the Janitor.",
		}, []string{"cache"}),
	}
	for _, c := range []prometheus.Collector{s.hits, s.misses, s.writes, s.evictions} {
		if err := reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				_ = are
				continue
			}
			return nil, err
		}
	}
	return s, nil
}

// Hook returns the hook.Hook to pass to corevault.WithHook.
func (s *Stats) Hook() hook.Hook {
	return &hook.Func{
		HookName:       "promstats",
		HookKind:       hook.Post,
		All:            true,
		WatchedActions: nil,
		Fn:             s.observe,
	}
}

// observe only inspects actions whose Result is an exported type
// (FetchOutcome, an int count); Get and Take carry an unexported
// internal result struct that a hook living outside the corevault
// package cannot type-assert against, so hit/miss accounting is scoped
// to the read-through Fetch path.
func (s *Stats) observe(ctx context.Context, a hook.Action) error {
	switch a.Name {
	case "fetch":
		outcome, ok := a.Result.(corevault.FetchOutcome)
		if !ok {
			return nil
		}
		if outcome.Tag == corevault.TagOK {
			s.hits.WithLabelValues(s.cacheName).Inc()
		} else {
			s.misses.WithLabelValues(s.cacheName).Inc()
		}
	case "put", "put_many", "update", "get_and_update":
		s.writes.WithLabelValues(s.cacheName).Inc()
	case "purge":
		if count, ok := a.Result.(int); ok {
			s.evictions.WithLabelValues(s.cacheName).Add(float64(count))
		}
	}
	return nil
}
