package property

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"momentkit/internal/eventbus"
	"momentkit/pkg/logx"
)

const (
	DefaultAsyncTimeout       = 2 * time.Second
	DefaultMaxConcurrentAsync = 8
)

// Resolver is the evaluator bridge: given names, return their current values.
// Every requested name is present in the result, unknown when unavailable.
type Resolver interface {
	Resolve(ctx context.Context, names []string) Results
}

type Config struct {
	// AsyncTimeout is the per-request ceiling for async providers, measured
	// from the start of the batch.
	AsyncTimeout time.Duration
	// MaxConcurrentAsync bounds async providers awaited at once across all requests.
	MaxConcurrentAsync int
	Schema             Schema
}

// ResolveStats is published on the bus after each Resolve.
type ResolveStats struct {
	Requested int           `json:"requested"`
	Unknown   int           `json:"unknown"`
	Missing   int           `json:"missing"`
	TimedOut  int           `json:"timed_out"`
	Took      time.Duration `json:"took"`
}

// Counters is a cumulative view across all requests.
type Counters struct {
	Requests  uint64 `json:"requests"`
	Resolved  uint64 `json:"resolved"`
	Unknown   uint64 `json:"unknown"`
	TimedOut  uint64 `json:"timed_out"`
	Panics    uint64 `json:"panics"`
	Providers int    `json:"providers"`
}

// Registry maps property names to providers and serves batched lookups.
//
// Registration happens at startup; Seal freezes the set. Resolve is safe for
// concurrent use.
type Registry struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu        sync.RWMutex
	providers map[string]Provider
	sealed    bool

	sem  *semaphore.Weighted
	warn *logx.Throttle

	requests atomic.Uint64
	resolved atomic.Uint64
	unknown  atomic.Uint64
	timedOut atomic.Uint64
	panics   atomic.Uint64
}

func NewRegistry(cfg Config, log logx.Logger, bus eventbus.Bus) *Registry {
	if cfg.AsyncTimeout <= 0 {
		cfg.AsyncTimeout = DefaultAsyncTimeout
	}
	if cfg.MaxConcurrentAsync <= 0 {
		cfg.MaxConcurrentAsync = DefaultMaxConcurrentAsync
	}
	return &Registry{
		cfg:       cfg,
		log:       log.With(logx.String("comp", "property")),
		bus:       bus,
		providers: map[string]Provider{},
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentAsync)),
		warn:      logx.NewThrottle(30*time.Second, 3),
	}
}

// Register adds p under name. Replacing an existing name succeeds and returns
// a *DuplicateNameWarning.
func (r *Registry) Register(name string, p Provider) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if !p.valid() {
		return fmt.Errorf("%w: %q", ErrInvalid, name)
	}
	if want, ok := r.cfg.Schema.expected(name); ok && want != p.Kind() {
		return fmt.Errorf("%w: %q is %s, provider declares %s", ErrKindMismatch, name, want, p.Kind())
	}

	r.mu.Lock()
	if r.sealed {
		r.mu.Unlock()
		return fmt.Errorf("%w: register %q", ErrSealed, name)
	}
	_, dup := r.providers[name]
	r.providers[name] = p
	r.mu.Unlock()

	if dup {
		r.log.Warn("provider replaced", logx.String("name", name), logx.String("capability", p.Capability().String()))
		eventbus.Publish(r.bus, eventbus.TypeProviderReplaced, name)
		return &DuplicateNameWarning{Name: name}
	}
	return nil
}

// RegisterStatic registers a fixed value under p.Name.
func (r *Registry) RegisterStatic(p Property) error {
	if !p.Known() {
		return fmt.Errorf("%w: static %q has no value", ErrInvalid, p.Name)
	}
	return r.Register(p.Name, Static(p.Value))
}

// RegisterVersion registers "<prefix>_string" plus one Int64 property per
// component: "1.2.3" yields _major=1, _minor=2, _patch=3. The string is
// registered even when the components cannot be parsed.
func (r *Registry) RegisterVersion(prefix, version string) error {
	var warn error
	if err := r.Register(prefix+"_string", Static(StringValue(version))); err != nil {
		if !IsWarning(err) {
			return err
		}
		warn = err
	}
	parts, err := parseVersion(version)
	if err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	for i, n := range parts {
		if err := r.Register(prefix+"_"+versionComponents[i], Static(Int64Value(n))); err != nil {
			if !IsWarning(err) {
				return err
			}
			warn = err
		}
	}
	return warn
}

// Override swaps the provider for name regardless of Seal and returns a
// function restoring the previous state. Intended for tests.
func (r *Registry) Override(name string, p Provider) (restore func()) {
	r.mu.Lock()
	prev, had := r.providers[name]
	r.providers[name] = p
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if had {
			r.providers[name] = prev
		} else {
			delete(r.providers, name)
		}
	}
}

// Seal rejects further Register calls.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Names returns registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Validate reports required names that have no provider.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, name := range sortedKeys(r.cfg.Schema.Required) {
		if _, ok := r.providers[name]; !ok {
			missing = append(missing, name)
		}
	}
	for _, prefix := range r.cfg.Schema.Versions {
		if _, ok := r.providers[prefix+"_string"]; !ok {
			missing = append(missing, prefix+"_string")
		}
	}
	if len(missing) > 0 {
		return &MissingError{Names: missing}
	}
	return nil
}

func (r *Registry) Counters() Counters {
	r.mu.RLock()
	n := len(r.providers)
	r.mu.RUnlock()
	return Counters{
		Requests:  r.requests.Load(),
		Resolved:  r.resolved.Load(),
		Unknown:   r.unknown.Load(),
		TimedOut:  r.timedOut.Load(),
		Panics:    r.panics.Load(),
		Providers: n,
	}
}

func (r *Registry) lookup(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

type outcome int

const (
	outcomeValue outcome = iota
	outcomeUnknown
	outcomeMissing
	outcomeTimeout
)

type resolved struct {
	prop Property
	out  outcome
}

// Resolve looks up every name. Sync providers run inline; async providers run
// concurrently and are abandoned once the batch ceiling passes.
func (r *Registry) Resolve(ctx context.Context, names []string) Results {
	start := time.Now()
	out := make(Results, len(names))
	stats := ResolveStats{}
	for res := range r.start(ctx, names) {
		out[res.prop.Name] = res.prop
		stats.Requested++
		switch res.out {
		case outcomeUnknown:
			stats.Unknown++
		case outcomeMissing:
			stats.Unknown++
			stats.Missing++
		case outcomeTimeout:
			stats.Unknown++
			stats.TimedOut++
		}
	}
	stats.Took = time.Since(start)
	if stats.TimedOut > 0 {
		r.log.Debug("async providers timed out", logx.Int("timed_out", stats.TimedOut), logx.Duration("took", stats.Took))
	}
	eventbus.Publish(r.bus, eventbus.TypePropertiesResolved, stats)
	return out
}

// Stream delivers each property as soon as it is ready. The channel is closed
// after the last requested name. Callers that stop reading early must cancel ctx.
func (r *Registry) Stream(ctx context.Context, names []string) <-chan Property {
	in := r.start(ctx, names)
	out := make(chan Property)
	go func() {
		defer close(out)
		for res := range in {
			select {
			case out <- res.prop:
			case <-ctx.Done():
				// Drain so providers' sends never block.
				for range in {
				}
				return
			}
		}
	}()
	return out
}

// Lookup resolves a single name.
func (r *Registry) Lookup(ctx context.Context, name string) Property {
	return r.Resolve(ctx, []string{name})[name]
}

func (r *Registry) start(ctx context.Context, names []string) <-chan resolved {
	uniq := dedupe(names)
	r.requests.Add(1)

	ch := make(chan resolved, len(uniq))
	batchCtx, cancel := context.WithTimeout(ctx, r.cfg.AsyncTimeout)

	var wg sync.WaitGroup
	for _, name := range uniq {
		p, ok := r.lookup(name)
		if !ok {
			r.note(outcomeMissing)
			ch <- resolved{prop: Unknown(name, KindInvalid), out: outcomeMissing}
			continue
		}
		switch p.Capability() {
		case CapabilitySync:
			res := r.resolveSync(name, p)
			r.note(res.out)
			ch <- res
		case CapabilityAsync:
			wg.Add(1)
			go func(name string, p Provider) {
				defer wg.Done()
				res := r.resolveAsync(batchCtx, name, p)
				r.note(res.out)
				ch <- res
			}(name, p)
		default:
			r.note(outcomeUnknown)
			ch <- resolved{prop: Unknown(name, p.Kind()), out: outcomeUnknown}
		}
	}

	go func() {
		wg.Wait()
		cancel()
		close(ch)
	}()
	return ch
}

func (r *Registry) note(o outcome) {
	switch o {
	case outcomeValue:
		r.resolved.Add(1)
	case outcomeTimeout:
		r.timedOut.Add(1)
		r.unknown.Add(1)
	default:
		r.unknown.Add(1)
	}
}

func (r *Registry) resolveSync(name string, p Provider) (res resolved) {
	defer func() {
		if rec := recover(); rec != nil {
			r.panics.Add(1)
			r.log.Error("provider panicked", logx.String("name", name), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			res = resolved{prop: Unknown(name, p.Kind()), out: outcomeUnknown}
		}
	}()
	return r.settle(name, p.Kind(), p.sync.Value())
}

func (r *Registry) resolveAsync(ctx context.Context, name string, p Provider) resolved {
	timedOut := resolved{prop: Unknown(name, p.Kind()), out: outcomeTimeout}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return timedOut
	}
	defer r.sem.Release(1)

	pctx, abandon := context.WithCancel(ctx)
	defer abandon()
	promise := newPromise(pctx, p.Kind())

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.panics.Add(1)
				r.log.Error("provider panicked", logx.String("name", name), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
				promise.Fail(fmt.Errorf("panic: %v", rec))
			}
		}()
		p.async.Start(pctx, promise)
	}()

	select {
	case v := <-promise.ch:
		return r.settle(name, p.Kind(), v)
	case <-ctx.Done():
		return timedOut
	}
}

// settle names v and checks it against the provider's declared kind.
func (r *Registry) settle(name string, kind Kind, v Value) resolved {
	if !v.Known() {
		return resolved{prop: Unknown(name, kind), out: outcomeUnknown}
	}
	if v.Kind != kind {
		if r.warn.Allow("kind:" + name) {
			r.log.Warn("provider returned wrong kind", logx.String("name", name), logx.String("want", kind.String()), logx.String("got", v.Kind.String()))
		}
		return resolved{prop: Unknown(name, kind), out: outcomeUnknown}
	}
	return resolved{prop: Property{Name: name, Value: v}, out: outcomeValue}
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
