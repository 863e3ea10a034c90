package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/afero"

	"momentkit/internal/background"
	"momentkit/internal/config"
	"momentkit/internal/eventbus"
	"momentkit/internal/events"
	"momentkit/internal/host"
	"momentkit/internal/notifyplan"
	"momentkit/internal/property"
	"momentkit/internal/property/builtin"
	"momentkit/internal/storage"
	logx "momentkit/pkg/logx"
)

// Options overrides the environment the app runs against. Zero values use
// the real OS.
type Options struct {
	Fs         afero.Fs
	HTTPClient *http.Client
	// Deliverer replaces the configured host.deliverer.
	Deliverer host.Deliverer
	// Logger replaces the configured logging service.
	Logger logx.Logger
}

type App struct {
	cfgPath string

	cfgm *ConfigManager
	cfg  *Config
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	fs    afero.Fs

	registry *property.Registry
	sched    *notifyplan.Scheduler
	coord    *background.Coordinator
	wakes    *host.WakeSource
	delivery *host.Delivery
	deliver  host.Deliverer
	events   *events.Bridge
}

// New loads the config file at cfgPath and wires every component. Nothing
// runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := build(cfg, Options{})
	if err != nil {
		return nil, err
	}
	a.cfgPath = cfgPath
	a.cfgm = cfgm
	return a, nil
}

// NewWithConfig wires the app from an in-memory config. The config is not
// watched for changes.
func NewWithConfig(cfg *Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return build(cfg, opts)
}

func build(cfg *Config, opts Options) (a *App, err error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}

	var (
		logSvc *logx.Service
		root   logx.Logger
	)
	if opts.Logger.IsZero() {
		logSvc, root = logx.New(mapLogConfig(cfg))
	} else {
		root = opts.Logger
	}
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()
	log.Info("storage opened", logx.String("driver", sc.Driver))

	bridge := events.New(store, events.Options{}, root, bus)

	regCfg, err := mapRegistryConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg := property.NewRegistry(regCfg, root, bus)
	bopts, err := mapBuiltinOptions(cfg)
	if err != nil {
		return nil, err
	}
	bopts.Fs = opts.Fs
	bopts.HTTPClient = opts.HTTPClient
	if err := builtin.RegisterDefaults(reg, bopts, root); err != nil {
		return nil, fmt.Errorf("register providers: %w", err)
	}
	if err := reg.Register(events.NameSessionStartTime, bridge.SessionProvider()); err != nil && !property.IsWarning(err) {
		return nil, err
	}
	reg.Seal()
	if err := reg.Validate(); err != nil {
		if cfg.Registry.StrictSchema {
			return nil, err
		}
		log.Warn("property schema incomplete", logx.Err(err))
	}

	sched := notifyplan.New(store, mapSchedulerOptions(cfg), root, bus)

	hcfg, deliveryEvery, err := mapHostConfig(cfg)
	if err != nil {
		return nil, err
	}
	wakes := host.NewWakeSource(hcfg, root)

	bgOpts, err := mapBackgroundOptions(cfg)
	if err != nil {
		return nil, err
	}
	bgOpts.Fs = opts.Fs
	coord := background.New(wakes, sched, bgOpts, root, bus)

	deliver := opts.Deliverer
	if deliver == nil {
		deliver = newDeliverer(cfg, root)
	}
	delivery := host.NewDelivery(store, deliver, store, deliveryEvery, root, bus)

	return &App{
		cfg:      cfg,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		fs:       opts.Fs,
		registry: reg,
		sched:    sched,
		coord:    coord,
		wakes:    wakes,
		delivery: delivery,
		deliver:  deliver,
		events:   bridge,
	}, nil
}

func newDeliverer(cfg *Config, log logx.Logger) host.Deliverer {
	fallback := host.LogDeliverer{Log: log.With(logx.String("comp", "host.notify"))}
	if !strings.EqualFold(strings.TrimSpace(cfg.Host.Deliverer), "dbus") {
		return fallback
	}
	name := cfg.App.ID
	if name == "" {
		name = "momentkit"
	}
	d, err := host.NewDBusDeliverer(name)
	if err != nil {
		log.Warn("dbus notifications unavailable; logging instead", logx.Err(err))
		return fallback
	}
	return d
}

func (a *App) Registry() *property.Registry         { return a.registry }
func (a *App) Scheduler() *notifyplan.Scheduler     { return a.sched }
func (a *App) Coordinator() *background.Coordinator { return a.coord }
func (a *App) Events() *events.Bridge               { return a.events }
func (a *App) Store() storage.Store                 { return a.store }
func (a *App) Logger() logx.Logger                  { return a.log }
func (a *App) Resolver() property.Resolver          { return a.registry }
func (a *App) Config() *Config                      { return a.cfg }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Resolve answers the evaluator for names.
func (a *App) Resolve(ctx context.Context, names []string) property.Results {
	return a.registry.Resolve(ctx, names)
}

// CheckSetup validates the background manifest.
func (a *App) CheckSetup() error {
	return a.coord.CheckSetup()
}

// Start restores persisted state and starts the wake source. With daemon
// set it also runs the delivery loop, the plan file watch and config hot
// reload.
func (a *App) Start(ctx context.Context, daemon bool) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	if err := a.sched.Restore(ctx); err != nil {
		a.log.Warn("scheduler state not restored", logx.Err(err))
	}
	if err := a.events.Restore(ctx); err != nil {
		a.log.Warn("event history not restored", logx.Err(err))
	}

	if err := a.wakes.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.coord.RegisterWakeSource(); err != nil {
		return err
	}
	if err := a.events.SendEvent(ctx, events.AppStart, true); err != nil {
		a.log.Warn("app_start not recorded", logx.Err(err))
	}

	if !daemon {
		a.log.Debug("app started")
		return nil
	}

	a.sup.GoRestart("host.delivery", a.delivery.Run, time.Second, 30*time.Second)

	if path := strings.TrimSpace(a.cfg.PlanFile); path != "" {
		if err := a.reloadPlan(ctx, path); err != nil {
			a.log.Warn("plan file not loaded", logx.String("path", path), logx.Err(err))
		}
		a.sup.Go("plan.watch", func(c context.Context) error {
			return config.WatchFile(c, path, 0, a.log.With(logx.String("comp", "plan.watch")), func() {
				if err := a.reloadPlan(c, path); err != nil {
					a.log.Warn("plan file rejected", logx.String("path", path), logx.Err(err))
				}
			})
		})
	}

	a.sup.Go("background.foreground", func(c context.Context) error {
		a.Foreground(c)
		return nil
	})

	if a.bus != nil {
		evs, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-evs:
					if !ok {
						return nil
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	if a.cfgm != nil {
		a.startConfigReload()
	}

	a.log.Info("app started", logx.String("task", a.bgTaskID()))
	return nil
}

func (a *App) bgTaskID() string {
	if id := strings.TrimSpace(a.cfg.Background.TaskID); id != "" {
		return id
	}
	return background.DefaultTaskID
}

// Foreground records the app coming to the foreground and runs the
// foreground wake.
func (a *App) Foreground(ctx context.Context) background.Outcome {
	if err := a.events.SendEvent(ctx, events.AppEnteredForeground, true); err != nil {
		a.log.Warn("foreground not recorded", logx.Err(err))
	}
	return a.coord.WakeForeground(ctx)
}

// ApplyPlan hands plan to the coordinator and waits for the episode that
// applies it. If another episode was running, that is the rerun queued behind it.
func (a *App) ApplyPlan(ctx context.Context, plan notifyplan.Plan) (background.Outcome, error) {
	if err := a.coord.UpdateNotificationPlan(ctx, plan); err != nil {
		return background.Outcome{}, err
	}
	if err := a.coord.Wait(ctx); err != nil {
		return background.Outcome{}, err
	}
	return a.coord.LastOutcome(), nil
}

// ApplyPlanFile loads a plan file and applies it.
func (a *App) ApplyPlanFile(ctx context.Context, path string) (background.Outcome, error) {
	plan, err := notifyplan.LoadPlanFile(a.fs, path)
	if err != nil {
		return background.Outcome{}, err
	}
	return a.ApplyPlan(ctx, plan)
}

func (a *App) reloadPlan(ctx context.Context, path string) error {
	plan, err := notifyplan.LoadPlanFile(a.fs, path)
	if err != nil {
		return err
	}
	if cur, ok := a.coord.CurrentNotificationPlan(); ok && cur.Fingerprint() == plan.Fingerprint() {
		a.log.Debug("plan file unchanged", logx.String("path", path))
		return nil
	}
	a.log.Info("plan file loaded", logx.String("path", path), logx.Int("notifications", len(plan.Notifications)))
	return a.coord.UpdateNotificationPlan(ctx, plan)
}

func (a *App) startConfigReload() {
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapBackgroundOptions(cfg); err != nil {
			return err
		}
		if _, _, err := mapHostConfig(cfg); err != nil {
			return err
		}
		_, err := mapBuiltinOptions(cfg)
		return err
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
}

func (a *App) applyConfig(prev, next *Config) {
	sections, attrs := SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if a.logs != nil {
		a.logs.Apply(mapLogConfig(next))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if config.RestartRequired(sections) {
		a.log.Warn("config change needs a restart to take effect", logx.String("changed", strings.Join(sections, ",")))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	if err := a.events.SendEvent(ctx, events.AppEnteredBackground, true); err != nil {
		a.log.Debug("app_entered_background not recorded", logx.Err(err))
	}

	a.sup.Cancel()

	// step bounds one shutdown step without extending the caller's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("background", 3*time.Second, a.coord.Wait)
	step("wakes", 2*time.Second, a.wakes.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)

	err := a.closeResources()
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) closeResources() error {
	var errs []error
	if c, ok := a.deliver.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
