// Package hooks dispatches lifecycle events to configured subscribers.
// Dispatch happens after the activity entry for the triggering operation
// is durably appended, so every hook firing has an audit line preceding
// it.
package hooks

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/civicstack/civic/internal/config"
	"github.com/civicstack/civic/internal/db"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/logfields"
	"github.com/civicstack/civic/internal/retry"
)

// Event is one lifecycle emission, e.g. record:created.
type Event struct {
	Name       string         `json:"name"`
	Timestamp  time.Time      `json:"timestamp"`
	Actor      string         `json:"actor"`
	RecordID   string         `json:"record_id,omitempty"`
	RecordType string         `json:"record_type,omitempty"`
	Slug       string         `json:"slug,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Handler processes one event. Errors from sync handlers are reported
// to the caller; async handler errors are logged and recorded only.
type Handler func(ctx context.Context, e Event) error

const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

const defaultTimeout = 10 * time.Second

type subscription struct {
	name    string
	pattern string
	mode    string
	timeout time.Duration
	retries int
	handler Handler
}

// Recorder persists dispatch outcomes for `civic hook logs`.
type Recorder interface {
	MirrorActivity(ctx context.Context, e *db.ActivityEntry) error
}

// Bus routes events to subscribers. Handler implementations are
// registered in code by name; hooks.yml binds them to events and tunes
// mode, timeout, and retries.
type Bus struct {
	cfg      *config.HooksConfig
	log      *slog.Logger
	recorder Recorder

	mu       sync.Mutex
	handlers map[string]Handler
	subs     []subscription
	wg       sync.WaitGroup
}

// NewBus builds a bus over the hooks config. recorder may be nil.
func NewBus(cfg *config.HooksConfig, recorder Recorder, log *slog.Logger) *Bus {
	b := &Bus{
		cfg:      cfg,
		log:      log,
		recorder: recorder,
		handlers: map[string]Handler{},
	}
	b.RegisterHandler("log", b.logHandler)
	return b
}

// RegisterHandler makes a named handler available to hooks.yml bindings
// and wires any config subscribers that reference it.
func (b *Bus) RegisterHandler(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = h

	for event, binding := range b.cfg.Hooks {
		for _, spec := range binding.Subscribers {
			if spec.Handler != name {
				continue
			}
			b.subs = append(b.subs, subscription{
				name:    spec.Handler,
				pattern: event,
				mode:    orDefault(spec.Mode, ModeSync),
				timeout: orDuration(spec.Timeout, defaultTimeout),
				retries: spec.Retries,
				handler: h,
			})
		}
	}
}

// Subscribe attaches a handler directly, outside hooks.yml. pattern is
// an event name, or a prefix ending in '*' such as "record:*".
func (b *Bus) Subscribe(name, pattern, mode string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{
		name:    name,
		pattern: pattern,
		mode:    orDefault(mode, ModeSync),
		timeout: defaultTimeout,
		handler: h,
	})
}

type suppressKey struct{}

// WithSuppressed marks event names as dry-run for every emission under
// the returned context, so --dry-run-hooks binds to one operation
// rather than the whole process. Suppression is per event name only: a
// handler that was never scheduled cannot emit downstream events.
func WithSuppressed(ctx context.Context, events ...string) context.Context {
	if len(events) == 0 {
		return ctx
	}
	set := make(map[string]struct{}, len(events))
	for _, e := range events {
		set[e] = struct{}{}
	}
	return context.WithValue(ctx, suppressKey{}, set)
}

func suppressedIn(ctx context.Context, event string) bool {
	set, _ := ctx.Value(suppressKey{}).(map[string]struct{})
	_, ok := set[event]
	return ok
}

// Match reports whether pattern covers event. '*' is a suffix wildcard.
func Match(pattern, event string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(event, prefix)
	}
	return pattern == event
}

// Emit dispatches e to every matching subscriber. Sync subscribers run
// in order; the first sync failure after retries is returned. Async
// subscribers run in goroutines tracked until Close.
func (b *Bus) Emit(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	enabled := b.cfg.Enabled(e.Name)
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if Match(s.pattern, e.Name) {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	if suppressedIn(ctx, e.Name) {
		b.record(ctx, e, "", "dry-run")
		b.log.Debug("hook dispatch skipped",
			logfields.Hook(e.Name), slog.String("reason", "dry-run"))
		return nil
	}
	if !enabled {
		b.record(ctx, e, "", "suppressed")
		b.log.Debug("hook dispatch suppressed", logfields.Hook(e.Name))
		return nil
	}

	// The audit line lands before any handler runs, so a crashed handler
	// still leaves the emission traceable.
	b.record(ctx, e, "", "emitted")

	var firstErr error
	for _, s := range subs {
		if s.mode == ModeAsync {
			b.wg.Add(1)
			go func(s subscription) {
				defer b.wg.Done()
				if err := b.run(context.WithoutCancel(ctx), s, e); err != nil {
					b.log.Error("async hook failed",
						logfields.Hook(e.Name),
						slog.String("handler", s.name),
						logfields.Error(err))
				}
			}(s)
			continue
		}
		if err := b.run(ctx, s, e); err != nil && firstErr == nil {
			firstErr = ferrors.Hook("sync hook failed").
				WithCause(err).
				WithContext("event", e.Name).
				WithContext("handler", s.name).Build()
		}
	}
	return firstErr
}

// Drain waits for in-flight async handlers.
func (b *Bus) Drain() {
	b.wg.Wait()
}

func (b *Bus) run(ctx context.Context, s subscription, e Event) error {
	policy := retry.Policy{
		Mode:       retry.BackoffExponential,
		Initial:    250 * time.Millisecond,
		Max:        5 * time.Second,
		MaxRetries: s.retries,
	}
	err := policy.Do(ctx, func() error {
		hctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.handler(hctx, e)
	}, func(err error) bool { return s.retries > 0 })

	result := "ok"
	if err != nil {
		result = "error: " + err.Error()
	}
	b.record(ctx, e, s.name, result)
	return err
}

func (b *Bus) record(ctx context.Context, e Event, handler, result string) {
	if b.recorder == nil {
		return
	}
	meta := map[string]any{"event": e.Name}
	if handler != "" {
		meta["handler"] = handler
	}
	entry := &db.ActivityEntry{
		Timestamp:  time.Now().UTC(),
		Source:     "hook",
		Actor:      e.Actor,
		Action:     "hook:dispatch",
		TargetType: e.RecordType,
		TargetID:   e.RecordID,
		Result:     result,
		Metadata:   meta,
	}
	if err := b.recorder.MirrorActivity(context.WithoutCancel(ctx), entry); err != nil {
		b.log.Warn("hook dispatch not recorded", logfields.Hook(e.Name), logfields.Error(err))
	}
}

func (b *Bus) logHandler(_ context.Context, e Event) error {
	b.log.Info("hook fired",
		logfields.Hook(e.Name),
		logfields.Actor(e.Actor),
		logfields.RecordType(e.RecordType),
		logfields.Slug(e.Slug))
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDuration(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}
