package property

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"momentkit/internal/eventbus"
	"momentkit/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestRegistry(cfg Config) *Registry {
	return NewRegistry(cfg, logx.Nop(), nil)
}

// waitOrAbandon resolves v after d unless the registry stops waiting first.
func waitOrAbandon(d time.Duration, v Value) func(ctx context.Context, p *Promise) {
	return func(ctx context.Context, p *Promise) {
		go func() {
			select {
			case <-time.After(d):
				p.Resolve(v)
			case <-p.Abandoned():
			}
		}()
	}
}

func TestResolveBatteryLevel(t *testing.T) {
	r := newTestRegistry(Config{})
	require.NoError(t, r.Register("device_battery_level", SyncFunc(KindFloat64, func() Value { return Float64Value(0.42) })))

	res := r.Resolve(context.Background(), []string{"device_battery_level"})

	require.Contains(t, res, "device_battery_level")
	got, ok := res["device_battery_level"].AsFloat64()
	require.True(t, ok)
	assert.InDelta(t, 0.42, got, 1e-9)
}

func TestResolveMissingNameIsUnknown(t *testing.T) {
	r := newTestRegistry(Config{})
	res := r.Resolve(context.Background(), []string{"nope", "nope"})
	require.Len(t, res, 1)
	assert.False(t, res["nope"].Known())
	assert.Equal(t, "nope", res["nope"].Name)
}

func TestResolveTimeoutFallback(t *testing.T) {
	r := newTestRegistry(Config{AsyncTimeout: 50 * time.Millisecond})
	require.NoError(t, r.Register("platform", Static(StringValue("linux"))))

	var late atomic.Bool
	slow := func(ctx context.Context, p *Promise) {
		go func() {
			<-p.Abandoned()
			// A callback after abandonment must be ignored.
			late.Store(p.Resolve(StringValue("too late")))
		}()
	}
	require.NoError(t, r.Register("weather_condition", AsyncFunc(KindString, slow)))

	start := time.Now()
	res := r.Resolve(context.Background(), []string{"platform", "weather_condition"})
	took := time.Since(start)

	assert.Less(t, took, 500*time.Millisecond)
	assert.GreaterOrEqual(t, took, 40*time.Millisecond)
	assert.Equal(t, StringValue("linux"), res["platform"].Value)
	assert.False(t, res["weather_condition"].Known())
	assert.Equal(t, KindString, res["weather_condition"].Kind)

	require.Eventually(t, func() bool { return r.Counters().TimedOut == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, late.Load())
}

func TestResolveAsyncValue(t *testing.T) {
	r := newTestRegistry(Config{AsyncTimeout: time.Second})
	require.NoError(t, r.Register("network_reachable", AsyncFunc(KindBool, waitOrAbandon(5*time.Millisecond, BoolValue(true)))))

	p := r.Lookup(context.Background(), "network_reachable")
	b, ok := p.AsBool()
	require.True(t, ok)
	assert.True(t, b)
}

func TestAsyncConcurrencyIsBounded(t *testing.T) {
	r := newTestRegistry(Config{AsyncTimeout: 2 * time.Second, MaxConcurrentAsync: 1})

	var inflight, peak atomic.Int32
	work := func(ctx context.Context, p *Promise) {
		go func() {
			n := inflight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inflight.Add(-1)
			p.Resolve(Int64Value(1))
		}()
	}
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, r.Register(name, AsyncFunc(KindInt64, work)))
	}

	res := r.Resolve(context.Background(), []string{"a", "b", "c"})
	for _, name := range []string{"a", "b", "c"} {
		assert.True(t, res[name].Known(), name)
	}
	assert.EqualValues(t, 1, peak.Load())
}

func TestStreamDoesNotWaitForSlowProviders(t *testing.T) {
	r := newTestRegistry(Config{AsyncTimeout: time.Second})
	require.NoError(t, r.Register("fast", Static(BoolValue(true))))
	require.NoError(t, r.Register("slow", AsyncFunc(KindBool, waitOrAbandon(200*time.Millisecond, BoolValue(false)))))

	ctx, cancel := context.WithCancel(context.Background())
	ch := r.Stream(ctx, []string{"slow", "fast"})

	select {
	case p := <-ch:
		assert.Equal(t, "fast", p.Name)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("fast property was held behind the slow one")
	}
	cancel()
	for range ch {
	}
}

func TestRegisterDuplicateLastWins(t *testing.T) {
	r := newTestRegistry(Config{})
	require.NoError(t, r.Register("dark_mode", Static(BoolValue(false))))

	err := r.Register("dark_mode", Static(BoolValue(true)))
	var warn *DuplicateNameWarning
	require.ErrorAs(t, err, &warn)
	assert.Equal(t, "dark_mode", warn.Name)
	assert.True(t, IsWarning(err))

	b, _ := r.Lookup(context.Background(), "dark_mode").AsBool()
	assert.True(t, b)
}

func TestSealAndOverride(t *testing.T) {
	r := newTestRegistry(Config{})
	require.NoError(t, r.Register("timezone", Static(StringValue("UTC"))))
	r.Seal()

	err := r.Register("other", Static(BoolValue(true)))
	require.ErrorIs(t, err, ErrSealed)

	restore := r.Override("timezone", Static(StringValue("Europe/Oslo")))
	s, _ := r.Lookup(context.Background(), "timezone").AsString()
	assert.Equal(t, "Europe/Oslo", s)

	restore()
	s, _ = r.Lookup(context.Background(), "timezone").AsString()
	assert.Equal(t, "UTC", s)
}

func TestRegisterRejectsSchemaKindMismatch(t *testing.T) {
	r := newTestRegistry(Config{Schema: DefaultSchema()})
	err := r.Register("device_battery_level", Static(StringValue("high")))
	require.ErrorIs(t, err, ErrKindMismatch)

	// Custom names are not schema-checked.
	require.NoError(t, r.Register("custom_flag", Static(StringValue("on"))))
}

func TestRegisterRejectsInvalidProviders(t *testing.T) {
	r := newTestRegistry(Config{})
	require.ErrorIs(t, r.Register("", Static(BoolValue(true))), ErrEmptyName)
	require.ErrorIs(t, r.Register("x", Provider{}), ErrInvalid)
	require.ErrorIs(t, r.RegisterStatic(Unknown("x", KindBool)), ErrInvalid)
}

func TestRegisterVersionExpands(t *testing.T) {
	r := newTestRegistry(Config{Schema: DefaultSchema()})
	require.NoError(t, r.RegisterVersion("app_version", "v2.10.3-beta"))

	res := r.Resolve(context.Background(), []string{"app_version_string", "app_version_major", "app_version_minor", "app_version_patch", "app_version_mini"})
	assert.Equal(t, StringValue("v2.10.3-beta"), res["app_version_string"].Value)
	assert.Equal(t, Int64Value(2), res["app_version_major"].Value)
	assert.Equal(t, Int64Value(10), res["app_version_minor"].Value)
	assert.Equal(t, Int64Value(3), res["app_version_patch"].Value)
	assert.False(t, res["app_version_mini"].Known())
}

func TestRegisterVersionBadFormatKeepsString(t *testing.T) {
	r := newTestRegistry(Config{})
	err := r.RegisterVersion("os_version", "rolling")
	require.ErrorIs(t, err, ErrVersionFormat)

	s, ok := r.Lookup(context.Background(), "os_version_string").AsString()
	require.True(t, ok)
	assert.Equal(t, "rolling", s)
}

func TestValidateReportsMissingRequired(t *testing.T) {
	r := newTestRegistry(Config{Schema: Schema{
		Required: map[string]Kind{"platform": KindString, "app_id": KindString},
		Versions: []string{"app_version"},
	}})
	require.NoError(t, r.RegisterStatic(Property{Name: "platform", Value: StringValue("linux")}))

	err := r.Validate()
	var missing *MissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"app_id", "app_version_string"}, missing.Names)
	assert.ErrorIs(t, err, ErrMissing)
}

func TestProviderPanicsBecomeUnknown(t *testing.T) {
	r := newTestRegistry(Config{AsyncTimeout: time.Second})
	require.NoError(t, r.Register("sync_boom", SyncFunc(KindBool, func() Value { panic("boom") })))
	require.NoError(t, r.Register("async_boom", AsyncFunc(KindBool, func(ctx context.Context, p *Promise) { panic("boom") })))

	res := r.Resolve(context.Background(), []string{"sync_boom", "async_boom"})
	assert.False(t, res["sync_boom"].Known())
	assert.False(t, res["async_boom"].Known())
	assert.EqualValues(t, 2, r.Counters().Panics)
}

func TestWrongKindBecomesUnknown(t *testing.T) {
	r := newTestRegistry(Config{})
	require.NoError(t, r.Register("cpu_count", SyncFunc(KindInt64, func() Value { return StringValue("eight") })))
	assert.False(t, r.Lookup(context.Background(), "cpu_count").Known())
}

func TestPromiseSettlesOnce(t *testing.T) {
	p := newPromise(context.Background(), KindBool)
	assert.True(t, p.Resolve(BoolValue(true)))
	assert.False(t, p.Resolve(BoolValue(false)))
	assert.False(t, p.Fail(errors.New("late")))
	assert.Equal(t, BoolValue(true), <-p.ch)
}

func TestResolvePublishesStats(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	r := NewRegistry(Config{}, logx.Nop(), bus)
	require.NoError(t, r.Register("platform", Static(StringValue("linux"))))
	r.Resolve(context.Background(), []string{"platform", "missing"})

	ev := <-ch
	require.Equal(t, eventbus.TypePropertiesResolved, ev.Type)
	stats, ok := ev.Data.(ResolveStats)
	require.True(t, ok)
	assert.Equal(t, 2, stats.Requested)
	assert.Equal(t, 1, stats.Missing)
	assert.Equal(t, 1, stats.Unknown)
}
