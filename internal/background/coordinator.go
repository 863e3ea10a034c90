package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"momentkit/internal/eventbus"
	"momentkit/internal/notifyplan"
	"momentkit/pkg/logx"
)

const (
	DefaultTaskID       = "momentkit.plan-refresh"
	DefaultRetryAfter   = 5 * time.Minute
	DefaultIdleInterval = 6 * time.Hour

	// defaultMarginFraction of the budget is kept free before the deadline.
	defaultMarginFraction = 10
)

var ErrNotRegistered = errors.New("background: wake source not registered")

// State is the coordinator's position in one wake episode.
type State int

const (
	StateIdle State = iota
	StateBudgetRequested
	StateRunning
	StateCompleted
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBudgetRequested:
		return "budget_requested"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Wake sources.
const (
	SourceOS         = "os"
	SourceForeground = "foreground"
	SourcePlan       = "plan"
)

// Options configures a Coordinator.
type Options struct {
	TaskID string
	// SafetyMargin is subtracted from the budget deadline. 0 means 10% of the budget.
	SafetyMargin time.Duration
	// RetryAfter is the wake delay after an expired episode.
	RetryAfter time.Duration
	// IdleInterval is the wake delay when the plan asks for no earlier check.
	IdleInterval time.Duration

	// DevMode runs DevModeCheckBackgroundSetup on RegisterWakeSource.
	DevMode      bool
	Fs           afero.Fs
	ManifestPath string

	Now func() time.Time
}

// Outcome describes one wake.
type Outcome struct {
	Episode   string
	Source    string
	State     State
	Coalesced bool
	Result    notifyplan.Result
	NextWake  time.Time
	Err       error
}

// Coordinator obtains execution budgets from a Host and runs the plan
// scheduler inside them. At most one episode runs at a time; a wake that
// arrives meanwhile is folded into one rerun after the current episode.
type Coordinator struct {
	host  Host
	sched Applier
	log   logx.Logger
	bus   eventbus.Bus
	opts  Options

	mu         sync.Mutex
	state      State
	running    bool
	rerun      string
	rerunDone  chan struct{}
	registered bool
	last       Outcome

	wg sync.WaitGroup
}

func New(host Host, sched Applier, opts Options, log logx.Logger, bus eventbus.Bus) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.TaskID == "" {
		opts.TaskID = DefaultTaskID
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = DefaultRetryAfter
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = DefaultIdleInterval
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		host:  host,
		sched: sched,
		log:   log.With(logx.String("comp", "background"), logx.String("task", opts.TaskID)),
		bus:   bus,
		opts:  opts,
	}
}

// State returns the state of the current or last episode.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastOutcome returns the outcome of the last finished episode.
func (c *Coordinator) LastOutcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// CheckSetup validates the host manifest.
func (c *Coordinator) CheckSetup() error {
	return DevModeCheckBackgroundSetup(c.opts.Fs, c.opts.ManifestPath, c.opts.TaskID)
}

// RegisterWakeSource binds the coordinator to the host. Later calls are
// no-ops. In dev mode a failing setup check is returned and nothing is
// registered.
func (c *Coordinator) RegisterWakeSource() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return nil
	}
	if c.opts.DevMode {
		if err := c.CheckSetup(); err != nil {
			c.log.Error("background setup check failed", logx.Err(err))
			return err
		}
	}
	if err := c.host.Register(c.opts.TaskID, func(ctx context.Context) { c.Wake(ctx) }); err != nil {
		return fmt.Errorf("background: register %q: %w", c.opts.TaskID, err)
	}
	c.registered = true
	c.log.Info("wake source registered", logx.Bool("dev_mode", c.opts.DevMode))
	return nil
}

// ScheduleWake asks the host for a wake at or after at. Best effort: errors
// are logged and returned.
func (c *Coordinator) ScheduleWake(at time.Time) error {
	c.mu.Lock()
	registered := c.registered
	c.mu.Unlock()
	if !registered {
		return ErrNotRegistered
	}
	if err := c.host.ScheduleWake(c.opts.TaskID, at); err != nil {
		c.log.Warn("schedule wake failed", logx.Time("at", at), logx.Err(err))
		return err
	}
	c.log.Debug("wake scheduled", logx.Time("at", at))
	eventbus.Publish(c.bus, eventbus.TypeWakeScheduled, map[string]any{"task": c.opts.TaskID, "at": at})
	return nil
}

// Wake runs one episode, plus one rerun if another wake arrived meanwhile.
// A wake during an active episode returns immediately with Coalesced set.
func (c *Coordinator) Wake(ctx context.Context) Outcome {
	out, _ := c.wake(ctx, SourceOS)
	return out
}

// WakeForeground is the app-foreground wake.
func (c *Coordinator) WakeForeground(ctx context.Context) Outcome {
	out, _ := c.wake(ctx, SourceForeground)
	return out
}

// UpdateNotificationPlan stores plan and starts an episode in the
// background. Use Wait to block until it is done. When another episode is
// running, Wait also covers the rerun that picks the plan up.
func (c *Coordinator) UpdateNotificationPlan(ctx context.Context, plan notifyplan.Plan) error {
	if err := c.sched.SetPlan(ctx, plan); err != nil {
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, rerun := c.wake(context.WithoutCancel(ctx), SourcePlan); rerun != nil {
			<-rerun
		}
	}()
	return nil
}

// CurrentNotificationPlan returns the plan last handed to UpdateNotificationPlan.
func (c *Coordinator) CurrentNotificationPlan() (notifyplan.Plan, bool) {
	return c.sched.CurrentPlan()
}

// Wait blocks until episodes started by UpdateNotificationPlan have finished.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wake runs episodes until no rerun is pending. A coalesced wake returns at
// once with a channel that is closed when its rerun has finished.
func (c *Coordinator) wake(ctx context.Context, source string) (Outcome, <-chan struct{}) {
	c.mu.Lock()
	if c.running {
		c.rerun = source
		if c.rerunDone == nil {
			c.rerunDone = make(chan struct{})
		}
		done := c.rerunDone
		c.mu.Unlock()
		c.log.Debug("wake coalesced", logx.String("source", source))
		return Outcome{Source: source, State: StateRunning, Coalesced: true}, done
	}
	c.running = true
	c.mu.Unlock()

	var out Outcome
	var done chan struct{}
	for {
		out = c.episode(ctx, source)

		c.mu.Lock()
		c.last = out
		if done != nil {
			close(done)
		}
		source = c.rerun
		done = c.rerunDone
		c.rerun = ""
		c.rerunDone = nil
		if source == "" || ctx.Err() != nil {
			c.running = false
			if done != nil {
				// Dropped rerun; release its waiters.
				close(done)
			}
			c.mu.Unlock()
			return out, nil
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) setState(episode string, s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	eventbus.Publish(c.bus, eventbus.TypeWakeState, map[string]any{"episode": episode, "state": s.String()})
}

func (c *Coordinator) episode(ctx context.Context, source string) Outcome {
	out := Outcome{Episode: uuid.NewString(), Source: source}
	log := c.log.With(logx.String("episode", out.Episode), logx.String("source", source))

	c.setState(out.Episode, StateBudgetRequested)
	budget, err := c.host.RequestBudget(ctx, c.opts.TaskID)
	if err != nil {
		log.Warn("budget request failed", logx.Err(err))
		out.Err = err
		out.State = StateExpired
		out.NextWake = c.opts.Now().Add(c.opts.RetryAfter)
		c.setState(out.Episode, StateExpired)
		_ = c.ScheduleWake(out.NextWake)
		return out
	}

	c.setState(out.Episode, StateRunning)
	margin := c.safetyMargin(budget)
	actx, cancel := context.WithDeadline(ctx, budget.Deadline().Add(-margin))
	go func() {
		select {
		case <-budget.Expired():
			cancel()
		case <-actx.Done():
		}
	}()

	plan, _ := c.sched.CurrentPlan()
	res, err := c.sched.Apply(actx, plan)
	interrupted := actx.Err() != nil
	cancel()
	out.Result = res

	now := c.opts.Now()
	switch {
	case err == nil && res.Done():
		out.State = StateCompleted
		out.NextWake = c.nextWake(plan, now)
		budget.Complete(true)
	case err == nil && res.Deferred:
		out.State = StateCompleted
		out.NextWake = res.RetryAt
		budget.Complete(true)
	default:
		out.State = StateExpired
		out.Err = err
		out.NextWake = now.Add(c.opts.RetryAfter)
		if res.RetryAt.After(out.NextWake) {
			out.NextWake = res.RetryAt
		}
		budget.Complete(false)
	}
	c.setState(out.Episode, out.State)
	_ = c.ScheduleWake(out.NextWake)

	fields := []logx.Field{
		logx.String("state", out.State.String()),
		logx.Bool("interrupted", interrupted),
		logx.Int("calls", res.Calls()),
		logx.Int("pending", res.Pending),
		logx.Time("next_wake", out.NextWake),
		logx.Duration("budget", budget.Deadline().Sub(budget.GrantedAt())),
	}
	if out.State == StateExpired {
		log.Warn("episode expired", append(fields, logx.Err(err))...)
	} else {
		log.Info("episode completed", fields...)
	}
	return out
}

func (c *Coordinator) safetyMargin(b Budget) time.Duration {
	if c.opts.SafetyMargin > 0 {
		return c.opts.SafetyMargin
	}
	return b.Deadline().Sub(b.GrantedAt()) / defaultMarginFraction
}

// nextWake is the plan's earliest check when it is in the future, else now
// plus the idle interval, whichever comes first.
func (c *Coordinator) nextWake(plan notifyplan.Plan, now time.Time) time.Time {
	next := now.Add(c.opts.IdleInterval)
	if plan.EarliestCheckEpochSeconds > 0 {
		at := time.Unix(plan.EarliestCheckEpochSeconds, 0)
		if at.After(now) && at.Before(next) {
			next = at
		}
	}
	return next
}
