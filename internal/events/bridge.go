package events

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"momentkit/internal/eventbus"
	"momentkit/internal/property"
	"momentkit/internal/storage"
	"momentkit/pkg/logx"
)

const (
	// DefaultSessionGap is how long the app must stay in the background
	// before the next foreground starts a new session.
	DefaultSessionGap = 10 * time.Minute

	NameSessionStartTime = "session_start_time"

	historyScan = 500
)

// Log is the part of storage the bridge needs.
type Log interface {
	AppendEvent(ctx context.Context, e storage.EventRecord) error
	RecentEvents(ctx context.Context, limit int) ([]storage.EventRecord, error)
}

// Action is a named side effect the evaluator may trigger.
type Action func(ctx context.Context) error

// Sent is the bus payload of TypeAppEvent.
type Sent struct {
	Name    string `json:"name"`
	Builtin bool   `json:"builtin"`
}

// Performed is the bus payload of TypeActionPerformed.
type Performed struct {
	Action string `json:"action"`
	Err    string `json:"error,omitempty"`
}

type Options struct {
	SessionGap time.Duration
	Now        func() time.Time
}

// Bridge logs named occurrences for the evaluator and runs named actions.
// Sending an event and performing an action are separate calls; performing
// an action logs an "action:<name>" event afterwards.
type Bridge struct {
	log  Log
	lg   logx.Logger
	bus  eventbus.Bus
	opts Options

	mu             sync.Mutex
	actions        map[string]Action
	sessionStart   time.Time
	lastForeground time.Time
	lastBackground time.Time
}

func New(log Log, opts Options, lg logx.Logger, bus eventbus.Bus) *Bridge {
	if lg.IsZero() {
		lg = logx.Nop()
	}
	if opts.SessionGap <= 0 {
		opts.SessionGap = DefaultSessionGap
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bridge{
		log:     log,
		lg:      lg.With(logx.String("comp", "events")),
		bus:     bus,
		opts:    opts,
		actions: map[string]Action{},
	}
}

// Restore seeds session tracking from the persisted event log.
func (b *Bridge) Restore(ctx context.Context) error {
	if b.log == nil {
		return nil
	}
	recent, err := b.log.RecentEvents(ctx, historyScan)
	if err != nil {
		return fmt.Errorf("events: restore: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range recent {
		switch e.Name {
		case AppEnteredForeground:
			b.lastForeground = e.At
		case AppEnteredBackground:
			b.lastBackground = e.At
		case SessionStart:
			b.sessionStart = e.At
		}
	}
	return nil
}

// SendEvent records name. Built-in names must be known; custom names must
// stay out of the reserved namespaces.
func (b *Bridge) SendEvent(ctx context.Context, name string, builtin bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("events: panic in SendEvent: %v", r)
		}
	}()
	if err := ValidateName(name, builtin); err != nil {
		return err
	}
	if err := b.record(ctx, name, builtin); err != nil {
		return err
	}
	if !builtin {
		return nil
	}
	switch name {
	case AppEnteredForeground:
		if err := b.foreground(ctx); err != nil {
			b.lg.Warn("session update failed", logx.Err(err))
		}
	case AppEnteredBackground:
		b.noteBackground(b.opts.Now())
	}
	return nil
}

func (b *Bridge) record(ctx context.Context, name string, builtin bool) error {
	now := b.opts.Now()
	if b.log != nil {
		if err := b.log.AppendEvent(ctx, storage.EventRecord{At: now, Name: name, Builtin: builtin}); err != nil {
			return fmt.Errorf("events: record %q: %w", name, err)
		}
	}
	b.lg.Debug("event", logx.String("name", name), logx.Bool("builtin", builtin))
	eventbus.Publish(b.bus, eventbus.TypeAppEvent, Sent{Name: name, Builtin: builtin})
	return nil
}

// foreground starts a session unless the app returned within the gap.
func (b *Bridge) foreground(ctx context.Context) error {
	now := b.opts.Now()
	b.mu.Lock()
	prevForeground := b.lastForeground
	b.lastForeground = now
	start := false
	switch {
	case !b.sessionStart.IsZero() && now.Sub(b.sessionStart) < b.opts.SessionGap:
	case b.lastBackground.IsZero() || now.Sub(b.lastBackground) > b.opts.SessionGap:
		start = true
	case prevForeground.IsZero():
		start = true
	}
	if start {
		b.sessionStart = now
	}
	b.mu.Unlock()

	if !start {
		return nil
	}
	b.lg.Info("session started", logx.Time("at", now))
	return b.record(ctx, SessionStart, true)
}

// SessionStartTime returns the start of the current session, or false if no
// session has started.
func (b *Bridge) SessionStartTime() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionStart, !b.sessionStart.IsZero()
}

// SessionProvider reports the session start, or now before the first session.
func (b *Bridge) SessionProvider() property.Provider {
	return property.SyncFunc(property.KindTimestamp, func() property.Value {
		if at, ok := b.SessionStartTime(); ok {
			return property.TimestampValue(at)
		}
		return property.TimestampValue(b.opts.Now())
	})
}

// noteBackground is called for AppEnteredBackground so the next foreground
// can measure the gap.
func (b *Bridge) noteBackground(at time.Time) {
	b.mu.Lock()
	b.lastBackground = at
	b.mu.Unlock()
}

// RegisterAction binds name to fn, replacing a previous binding.
func (b *Bridge) RegisterAction(name string, fn Action) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if fn == nil {
		return fmt.Errorf("events: action %q: nil func", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.actions[name]; ok {
		b.lg.Warn("action replaced", logx.String("action", name))
	}
	b.actions[name] = fn
	return nil
}

// Actions lists registered action names.
func (b *Bridge) Actions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.actions))
	for n := range b.actions {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// PerformNamedAction runs the action registered as name and then logs
// "action:<name>" or "action_error:<name>".
func (b *Bridge) PerformNamedAction(ctx context.Context, name string) (err error) {
	b.mu.Lock()
	fn := b.actions[name]
	b.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}

	actionErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("events: panic in action %q: %v", name, r)
			}
		}()
		return fn(ctx)
	}()

	p := Performed{Action: name}
	if actionErr != nil {
		p.Err = actionErr.Error()
		b.lg.Warn("action failed", logx.String("action", name), logx.Err(actionErr))
	}
	eventbus.Publish(b.bus, eventbus.TypeActionPerformed, p)
	if err := b.record(ctx, ActionEventName(name, actionErr), false); err != nil {
		b.lg.Debug("action event not logged", logx.Err(err))
	}
	return actionErr
}
