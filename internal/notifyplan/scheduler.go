package notifyplan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"momentkit/internal/eventbus"
	"momentkit/pkg/logx"
)

const (
	DefaultNamespace    = "momentkit."
	DefaultMaxScheduled = 64

	stateSaveTimeout = 2 * time.Second
)

var (
	ErrApplyInProgress = errors.New("notifyplan: apply already in progress")
	ErrNoStore         = errors.New("notifyplan: no store")
)

// Options configures a Scheduler.
type Options struct {
	// Namespace is the id prefix owned by the scheduler. Must end with ".".
	Namespace string
	// MaxScheduled caps the number of owned entries. 0 means DefaultMaxScheduled.
	MaxScheduled int
	// MaxCallsPerSecond paces store calls. <=0 means unpaced.
	MaxCallsPerSecond float64
	// State persists the plan and pending edits. Optional; when nil and the
	// Store implements StateStore, the Store is used.
	State StateStore
	// Now is used for past-due checks and tests.
	Now func() time.Time
}

// Result describes one Apply.
type Result struct {
	Fingerprint string               `json:"fingerprint"`
	Resumed     bool                 `json:"resumed"`
	Planned     int                  `json:"planned"`
	Upserted    int                  `json:"upserted"`
	Removed     int                  `json:"removed"`
	Skipped     []Skip               `json:"skipped,omitempty"`
	Failures    []*SchedulingFailure `json:"-"`
	Pending     int                  `json:"pending"`
	Deferred    bool                 `json:"deferred"`
	RetryAt     time.Time            `json:"retry_at,omitempty"`
	Took        time.Duration        `json:"took"`
}

// Calls is the number of store calls issued, failed ones included.
func (r Result) Calls() int { return r.Upserted + r.Removed + len(r.Failures) }

// Done reports whether no edits are left for a later apply.
func (r Result) Done() bool { return r.Pending == 0 }

// Scheduler reconciles a Plan against a Store. Only ids under its namespace
// are ever listed, replaced or removed.
type Scheduler struct {
	store   Store
	state   StateStore
	log     logx.Logger
	bus     eventbus.Bus
	warn    *logx.Throttle
	limiter *rate.Limiter

	ns           string
	maxScheduled int
	now          func() time.Time

	running sync.Mutex

	mu      sync.Mutex
	loaded  bool
	plan    *Plan
	pending *Cursor
}

func New(store Store, opts Options, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	ns := strings.TrimSpace(opts.Namespace)
	if ns == "" {
		ns = DefaultNamespace
	}
	maxScheduled := opts.MaxScheduled
	if maxScheduled <= 0 {
		maxScheduled = DefaultMaxScheduled
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if opts.MaxCallsPerSecond > 0 {
		burst := int(math.Max(1, math.Floor(opts.MaxCallsPerSecond/10)))
		lim = rate.NewLimiter(rate.Limit(opts.MaxCallsPerSecond), burst)
	}
	state := opts.State
	if state == nil {
		state, _ = store.(StateStore)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:        store,
		state:        state,
		log:          log.With(logx.String("comp", "notifyplan")),
		bus:          bus,
		warn:         logx.NewThrottle(10*time.Second, 3),
		limiter:      lim,
		ns:           ns,
		maxScheduled: maxScheduled,
		now:          now,
	}
}

func (s *Scheduler) Namespace() string { return s.ns }

// Restore loads the persisted plan and pending edits. It is called lazily by
// the other methods; calling it explicitly surfaces load errors at startup.
func (s *Scheduler) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restoreLocked(ctx)
}

func (s *Scheduler) restoreLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	if s.state == nil {
		return nil
	}
	st, err := s.state.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("notifyplan: load state: %w", err)
	}
	if st.Plan != nil {
		p := st.Plan.Clone()
		s.plan = &p
	}
	if st.Pending != nil && st.Pending.Namespace == s.ns {
		s.pending = st.Pending
		s.log.Info("pending edits restored",
			logx.String("fingerprint", st.Pending.Fingerprint),
			logx.Int("edits", len(st.Pending.Edits)),
		)
	}
	return nil
}

// SetPlan records plan as the current desired state. It does not touch the
// store; the next Apply does.
func (s *Scheduler) SetPlan(ctx context.Context, plan Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	p := plan.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.restoreLocked(ctx); err != nil {
		s.log.Warn("state restore failed", logx.Err(err))
	}
	s.plan = &p
	if err := s.saveLocked(ctx); err != nil {
		s.log.Warn("plan persist failed", logx.Err(err))
	}
	eventbus.Publish(s.bus, eventbus.TypePlanUpdated, map[string]any{
		"fingerprint":   p.Fingerprint(),
		"notifications": len(p.Notifications),
	})
	return nil
}

// CurrentPlan returns the last plan handed to SetPlan.
func (s *Scheduler) CurrentPlan() (Plan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.restoreLocked(context.Background()); err != nil {
		s.log.Warn("state restore failed", logx.Err(err))
	}
	if s.plan == nil {
		return Plan{}, false
	}
	return s.plan.Clone(), true
}

// PendingEdits returns the number of deferred edits.
func (s *Scheduler) PendingEdits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.restoreLocked(context.Background()); err != nil {
		s.log.Warn("state restore failed", logx.Err(err))
	}
	if s.pending == nil {
		return 0
	}
	return len(s.pending.Edits)
}

// ApplyCurrent applies the plan last handed to SetPlan, or the empty plan.
func (s *Scheduler) ApplyCurrent(ctx context.Context) (Result, error) {
	p, _ := s.CurrentPlan()
	return s.Apply(ctx, p)
}

// Apply brings the owned part of the store in line with plan.
//
// When ctx ends mid-way, the edits not yet issued are kept and resumed by
// the next Apply of the same plan. A failed store call is recorded in
// Result.Failures and skipped. The error is non-nil only when the diff could
// not be computed.
func (s *Scheduler) Apply(ctx context.Context, plan Plan) (Result, error) {
	if s.store == nil {
		return Result{}, ErrNoStore
	}
	if !s.running.TryLock() {
		return Result{}, ErrApplyInProgress
	}
	defer s.running.Unlock()

	start := s.now()
	res := Result{Fingerprint: plan.Fingerprint()}

	s.mu.Lock()
	if err := s.restoreLocked(ctx); err != nil {
		s.log.Warn("state restore failed", logx.Err(err))
	}
	cur := s.pending
	s.mu.Unlock()

	var edits []Edit
	if cur != nil && cur.Fingerprint == res.Fingerprint {
		if !cur.NotBefore.IsZero() && start.Before(cur.NotBefore) {
			res.Deferred = true
			res.RetryAt = cur.NotBefore
			res.Pending = len(cur.Edits)
			s.log.Debug("apply deferred by store quota", logx.Time("retry_at", cur.NotBefore))
			return res, nil
		}
		edits = cur.Edits
		res.Resumed = true
	} else {
		desired, skipped, due := desiredState(plan, s.ns, s.maxScheduled, start)
		res.Skipped = skipped
		actual, err := s.store.List(ctx, s.ns)
		if err != nil {
			return res, fmt.Errorf("notifyplan: list %q: %w", s.ns, err)
		}
		edits = diff(desired, actual, s.ns, due, start)
	}
	res.Planned = len(edits)

	i := 0
	for ; i < len(edits); i++ {
		if ctx.Err() != nil {
			break
		}
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		e := edits[i]
		err := s.call(ctx, e)
		if err == nil {
			if e.Op == OpRemove {
				res.Removed++
			} else {
				res.Upserted++
			}
			continue
		}
		if ctx.Err() != nil {
			// Interrupted calls stay pending.
			break
		}
		f := &SchedulingFailure{Op: e.Op, ID: e.ID(), Err: err}
		res.Failures = append(res.Failures, f)
		s.reportFailure(f)
		if d, ok := retryAfter(err); ok {
			res.RetryAt = s.now().Add(d)
			break
		}
	}

	remaining := edits[i:]
	res.Pending = len(remaining)
	res.Took = s.now().Sub(start)

	s.mu.Lock()
	if len(remaining) > 0 {
		s.pending = &Cursor{
			Fingerprint: res.Fingerprint,
			Namespace:   s.ns,
			Edits:       append([]Edit(nil), remaining...),
			NotBefore:   res.RetryAt,
			SavedAt:     s.now(),
		}
	} else {
		s.pending = nil
	}
	// The budget context may already be done; persisting must still happen.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateSaveTimeout)
	if err := s.saveLocked(sctx); err != nil {
		s.log.Warn("pending edits persist failed", logx.Err(err))
	}
	cancel()
	s.mu.Unlock()

	s.log.Info("plan applied",
		logx.String("fingerprint", res.Fingerprint),
		logx.Bool("resumed", res.Resumed),
		logx.Int("planned", res.Planned),
		logx.Int("upserted", res.Upserted),
		logx.Int("removed", res.Removed),
		logx.Int("skipped", len(res.Skipped)),
		logx.Int("failed", len(res.Failures)),
		logx.Int("pending", res.Pending),
		logx.Duration("took", res.Took),
	)
	eventbus.Publish(s.bus, eventbus.TypePlanApplied, res)
	return res, nil
}

func (s *Scheduler) call(ctx context.Context, e Edit) error {
	switch e.Op {
	case OpRemove:
		return s.store.Remove(ctx, e.ID())
	case OpUpsert:
		return s.store.Upsert(ctx, e.Notification)
	default:
		return fmt.Errorf("unknown op %q", e.Op)
	}
}

func (s *Scheduler) reportFailure(f *SchedulingFailure) {
	if s.warn.Allow(string(f.Op)) {
		s.log.Warn("scheduling call failed",
			logx.String("op", string(f.Op)),
			logx.String("id", f.ID),
			logx.Err(f.Err),
		)
	}
	eventbus.Publish(s.bus, eventbus.TypeSchedulingFailure, map[string]any{
		"op":  string(f.Op),
		"id":  f.ID,
		"err": f.Err.Error(),
	})
}

func (s *Scheduler) saveLocked(ctx context.Context) error {
	if s.state == nil {
		return nil
	}
	return s.state.SaveState(ctx, State{Plan: s.plan, Pending: s.pending})
}
