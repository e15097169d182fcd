package corevault

import (
	"context"
	"time"
)

// Warmer populates a cache on start and, optionally, on a recurring
// schedule, per spec §3 and §6. Required warmers must complete at
// least once before Start returns; others run asynchronously.
type Warmer interface {
	Name() string
	// Interval is the recurring period between runs after the initial
	// warm-up; zero means "run once at start only."
	Interval() time.Duration
	Required() bool
	Run(ctx context.Context, c *Cache) error
}

// FuncWarmer adapts a plain function into a Warmer, the common case
// grounded on the teacher's functional-options construction style.
type FuncWarmer struct {
	WarmerName     string
	WarmerInterval time.Duration
	IsRequired     bool
	Fn             func(ctx context.Context, c *Cache) error
}

func (f *FuncWarmer) Name() string            { return f.WarmerName }
func (f *FuncWarmer) Interval() time.Duration { return f.WarmerInterval }
func (f *FuncWarmer) Required() bool          { return f.IsRequired }
func (f *FuncWarmer) Run(ctx context.Context, c *Cache) error {
	if f.Fn == nil {
		return nil
	}
	return f.Fn(ctx, c)
}

// runWarmer launches the recurring half of a warmer's lifecycle after
// its initial run. It is only ever called for warmers with a non-zero
// Interval, and stops when rec's lifetime ends.
func runWarmer(rec *record, c *Cache, w Warmer) {
	interval := w.Interval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.Run(context.Background(), c); err != nil {
					rec.logger.Warn().Str("warmer", w.Name()).Err(err).Msg("warmer run failed")
				}
			case <-rec.stopWarmers:
				return
			}
		}
	}()
}
