// Package hook implements corevault's Informant: the hook registry
// and sequential notification dispatcher described in spec §4.5.
package hook

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Kind distinguishes pre- from post-action hooks.
type Kind int

const (
	// Pre hooks observe an action before it executes; they never see
	// a result.
	Pre Kind = iota
	// Post hooks observe an action's result after it completes.
	Post
)

// Action is the notification payload delivered to a hook: a named
// public operation plus its arguments and (for Post hooks) result.
type Action struct {
	Name   string
	Args   any
	Result any
}

// Hook is the capability-method interface every hook implements,
// the Go analogue of spec DESIGN NOTES §9's "trait/interface objects
// with declared capability methods."
type Hook interface {
	Name() string
	Kind() Kind
	Async() bool
	Timeout() time.Duration
	// Handles reports whether this hook cares about the named action,
	// honoring the :all wildcard from spec §3's hook descriptor.
	Handles(action string) bool
	// Provisions lists the runtime values (e.g. "cache") this hook
	// wants supplied whenever they change.
	Provisions() []string
	// Invoke runs the hook for the given action.
	Invoke(ctx context.Context, a Action) error
	// Provide delivers a provisioned runtime value. Hooks must
	// tolerate being called multiple times over their lifetime.
	Provide(ctx context.Context, kind string, value any)
}

// Func builds a Hook from plain functions, the common case for
// application-supplied hooks (the named-module process in the source
// maps to a single Go closure here, since Go has no equivalent of
// spawning a supervised process per hook — spec §4.5 explicitly
// rejects that anyway).
type Func struct {
	HookName        string
	HookKind        Kind
	IsAsync         bool
	HookTimeout     time.Duration
	All             bool
	WatchedActions  []string
	WantsProvisions []string
	Fn              func(ctx context.Context, a Action) error
	OnProvision     func(ctx context.Context, kind string, value any)
}

func (f *Func) Name() string            { return f.HookName }
func (f *Func) Kind() Kind              { return f.HookKind }
func (f *Func) Async() bool             { return f.IsAsync }
func (f *Func) Timeout() time.Duration  { return f.HookTimeout }
func (f *Func) Provisions() []string    { return f.WantsProvisions }
func (f *Func) Provide(ctx context.Context, kind string, value any) {
	if f.OnProvision != nil {
		f.OnProvision(ctx, kind, value)
	}
}
func (f *Func) Invoke(ctx context.Context, a Action) error {
	if f.Fn == nil {
		return nil
	}
	return f.Fn(ctx, a)
}
func (f *Func) Handles(action string) bool {
	if f.All {
		return true
	}
	for _, a := range f.WatchedActions {
		if a == action {
			return true
		}
	}
	return false
}

// Informant holds the ordered pre/post hook lists for one cache and
// dispatches notifications sequentially in declaration order, per spec
// §4.5 point 3 ("Spawning a process per hook is explicitly rejected").
type Informant struct {
	pre    []Hook
	post   []Hook
	logger zerolog.Logger
}

// New constructs an Informant from the pre- and post-hook lists, in
// the declaration order they should be notified.
func New(pre, post []Hook, logger zerolog.Logger) *Informant {
	return &Informant{pre: pre, post: post, logger: logger}
}

// DispatchPre notifies every pre-hook interested in name, in
// declaration order, before the action executes.
func (inf *Informant) DispatchPre(ctx context.Context, name string, args any) {
	inf.dispatch(ctx, inf.pre, Action{Name: name, Args: args})
}

// DispatchPost notifies every post-hook interested in name, in
// declaration order, after the action has completed.
func (inf *Informant) DispatchPost(ctx context.Context, name string, args, result any) {
	inf.dispatch(ctx, inf.post, Action{Name: name, Args: args, Result: result})
}

func (inf *Informant) dispatch(ctx context.Context, hooks []Hook, a Action) {
	for _, h := range hooks {
		if !h.Handles(a.Name) {
			continue
		}
		if h.Async() {
			go inf.invoke(context.Background(), h, a)
			continue
		}
		inf.invoke(ctx, h, a)
	}
}

func (inf *Informant) invoke(ctx context.Context, h Hook, a Action) {
	callCtx := ctx
	cancel := func() {}
	if t := h.Timeout(); t > 0 {
		callCtx, cancel = context.WithTimeout(ctx, t)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.Invoke(callCtx, a)
	}()

	select {
	case err := <-done:
		if err != nil {
			inf.logger.Warn().Str("hook", h.Name()).Str("action", a.Name).Err(err).Msg("hook returned an error")
		}
	case <-callCtx.Done():
		// spec §5: "on expiry the dispatcher raises no error (the
		// hook result is simply dropped and the next hook proceeds)."
		inf.logger.Debug().Str("hook", h.Name()).Str("action", a.Name).Msg("hook timed out, proceeding")
	}
}

// ProvisionAll delivers a provisioned value to every hook (pre and
// post) that declared interest in it.
func (inf *Informant) ProvisionAll(ctx context.Context, kind string, value any) {
	for _, h := range inf.pre {
		if wants(h, kind) {
			h.Provide(ctx, kind, value)
		}
	}
	for _, h := range inf.post {
		if wants(h, kind) {
			h.Provide(ctx, kind, value)
		}
	}
}

func wants(h Hook, kind string) bool {
	for _, k := range h.Provisions() {
		if k == kind {
			return true
		}
	}
	return false
}
