package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"momentkit/internal/background"
	"momentkit/pkg/logx"
)

const (
	DefaultBudget          = 30 * time.Second
	DefaultMinWakeInterval = time.Minute
)

var ErrUnknownTask = errors.New("host: task not registered")

// Config controls the local wake source.
type Config struct {
	// Budget is the length of every granted execution window.
	Budget time.Duration
	// MinWakeInterval delays a requested wake that would come sooner than
	// this after the previous wake of the same task.
	MinWakeInterval time.Duration
	// RefreshCron additionally wakes every registered task on a cron
	// schedule (5 or 6 fields, or a descriptor such as "@every 6h").
	RefreshCron string
	// Timezone is the IANA zone for RefreshCron. Empty means local time.
	Timezone string
}

// WakeSource is a local stand-in for the OS background scheduler. It wakes
// registered tasks with one-time timers and an optional cron refresh, and
// grants one execution budget at a time.
type WakeSource struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron

	ctx      context.Context
	handlers map[string]background.WakeFunc
	lastWake map[string]time.Time
	running  sync.WaitGroup

	// one-time wakes (timers are runtime; wakeAt is the requested definition)
	tmu    sync.Mutex
	timers map[string]*time.Timer
	wakeAt map[string]time.Time
	ver    map[string]uint64

	slot chan struct{}
}

func NewWakeSource(cfg Config, log logx.Logger) *WakeSource {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.MinWakeInterval < 0 {
		cfg.MinWakeInterval = 0
	}
	return &WakeSource{
		log: log.With(logx.String("comp", "host.wake")),
		cfg: cfg,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		handlers: map[string]background.WakeFunc{},
		lastWake: map[string]time.Time{},
		timers:   map[string]*time.Timer{},
		wakeAt:   map[string]time.Time{},
		ver:      map[string]uint64{},
		slot:     make(chan struct{}, 1),
	}
}

// Register binds taskID to fn.
func (w *WakeSource) Register(taskID string, fn background.WakeFunc) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return errors.New("host: task id required")
	}
	if fn == nil {
		return errors.New("host: wake func required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[taskID] = fn
	w.log.Debug("task registered", logx.String("task", taskID))
	return nil
}

// Start arms cron triggering and any wakes requested before Start.
func (w *WakeSource) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.c != nil {
		return nil
	}
	w.ctx = ctx
	w.loc = w.loadLocationLocked()
	w.c = cron.New(cron.WithParser(w.parser), cron.WithLocation(w.loc))

	if spec := strings.TrimSpace(w.cfg.RefreshCron); spec != "" {
		if _, err := w.c.AddFunc(spec, w.refresh); err != nil {
			w.c = nil
			return fmt.Errorf("host: refresh_cron %q: %w", spec, err)
		}
	}
	w.c.Start()

	w.tmu.Lock()
	for task, at := range w.wakeAt {
		w.armLocked(task, at)
	}
	w.tmu.Unlock()

	w.log.Info("wake source started",
		logx.String("tz", w.loc.String()),
		logx.Duration("budget", w.cfg.Budget),
		logx.String("refresh_cron", w.cfg.RefreshCron),
	)
	return nil
}

// Stop stops triggering and waits for running wakes to return.
// Requested wakes are kept and re-armed by the next Start.
func (w *WakeSource) Stop(ctx context.Context) error {
	start := time.Now()
	w.mu.Lock()
	c := w.c
	w.c = nil
	w.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}

	w.tmu.Lock()
	for _, t := range w.timers {
		_ = t.Stop()
	}
	w.timers = map[string]*time.Timer{}
	w.tmu.Unlock()

	done := make(chan struct{})
	go func() {
		w.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.log.Info("wake source stopped", logx.Duration("took", time.Since(start)))
	return nil
}

// ScheduleWake requests a wake of taskID at or after at. An earlier pending
// wake is kept; wakes closer than MinWakeInterval to the previous one are
// pushed back.
func (w *WakeSource) ScheduleWake(taskID string, at time.Time) error {
	w.mu.Lock()
	_, ok := w.handlers[taskID]
	last := w.lastWake[taskID]
	started := w.c != nil
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, taskID)
	}
	if at.IsZero() {
		return errors.New("host: wake time required")
	}
	if minAt := last.Add(w.cfg.MinWakeInterval); !last.IsZero() && at.Before(minAt) {
		at = minAt
	}

	w.tmu.Lock()
	defer w.tmu.Unlock()
	if cur, ok := w.wakeAt[taskID]; ok && !cur.After(at) {
		w.log.Debug("wake coalesced", logx.String("task", taskID), logx.Time("pending", cur), logx.Time("requested", at))
		return nil
	}
	w.wakeAt[taskID] = at
	if started {
		w.armLocked(taskID, at)
	}
	return nil
}

// armLocked replaces the timer of task. Call with w.tmu held.
func (w *WakeSource) armLocked(task string, at time.Time) {
	if t, ok := w.timers[task]; ok {
		_ = t.Stop()
		delete(w.timers, task)
	}
	// bump version to ignore stale callbacks from previously armed timers
	ver := w.ver[task] + 1
	w.ver[task] = ver

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	w.timers[task] = time.AfterFunc(delay, func() {
		w.tmu.Lock()
		if w.ver[task] != ver {
			w.tmu.Unlock()
			return
		}
		delete(w.timers, task)
		delete(w.wakeAt, task)
		w.tmu.Unlock()
		w.dispatch(task)
	})
}

func (w *WakeSource) refresh() {
	w.mu.Lock()
	tasks := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		tasks = append(tasks, t)
	}
	w.mu.Unlock()
	sort.Strings(tasks)
	for _, t := range tasks {
		w.dispatch(t)
	}
}

// dispatch runs the task's wake func on its own goroutine.
func (w *WakeSource) dispatch(task string) {
	w.mu.Lock()
	fn := w.handlers[task]
	ctx := w.ctx
	if fn == nil || ctx == nil || w.c == nil {
		w.mu.Unlock()
		return
	}
	w.lastWake[task] = time.Now()
	w.running.Add(1)
	w.mu.Unlock()

	w.log.Debug("waking task", logx.String("task", task))
	go func() {
		defer w.running.Done()
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("wake func panicked", logx.String("task", task), logx.Any("panic", r))
			}
		}()
		fn(ctx)
	}()
}

// RequestBudget blocks until the single execution slot is free and returns
// a window of cfg.Budget.
func (w *WakeSource) RequestBudget(ctx context.Context, taskID string) (background.Budget, error) {
	select {
	case w.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	g := newGrant(taskID, time.Now(), w.cfg.Budget, func(g *grant, success bool) {
		<-w.slot
		w.log.Debug("budget released",
			logx.String("task", g.task),
			logx.Bool("success", success),
			logx.Duration("used", g.used),
		)
	})
	return g, nil
}

// PendingWakes returns the requested wake time per task.
func (w *WakeSource) PendingWakes() map[string]time.Time {
	w.tmu.Lock()
	defer w.tmu.Unlock()
	out := make(map[string]time.Time, len(w.wakeAt))
	for k, v := range w.wakeAt {
		out[k] = v
	}
	return out
}

func (w *WakeSource) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(w.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		w.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
