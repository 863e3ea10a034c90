package host

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"momentkit/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startSource(t *testing.T, cfg Config) *WakeSource {
	t.Helper()
	w := NewWakeSource(cfg, logx.Nop())
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})
	return w
}

func TestScheduleWakeRequiresRegistration(t *testing.T) {
	w := NewWakeSource(Config{}, logx.Nop())
	err := w.ScheduleWake("nope", time.Now())
	require.ErrorIs(t, err, ErrUnknownTask)
}

func TestScheduledWakeDispatches(t *testing.T) {
	w := startSource(t, Config{})
	woke := make(chan struct{}, 1)
	require.NoError(t, w.Register("task", func(context.Context) { woke <- struct{}{} }))

	require.NoError(t, w.ScheduleWake("task", time.Now().Add(20*time.Millisecond)))

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("wake not dispatched")
	}
	assert.Empty(t, w.PendingWakes())
}

func TestScheduleWakeKeepsEarlier(t *testing.T) {
	w := NewWakeSource(Config{}, logx.Nop())
	require.NoError(t, w.Register("task", func(context.Context) {}))

	early := time.Now().Add(time.Hour)
	require.NoError(t, w.ScheduleWake("task", early))
	require.NoError(t, w.ScheduleWake("task", early.Add(time.Hour)))
	assert.Equal(t, early, w.PendingWakes()["task"])

	earlier := early.Add(-30 * time.Minute)
	require.NoError(t, w.ScheduleWake("task", earlier))
	assert.Equal(t, earlier, w.PendingWakes()["task"])
}

func TestMinWakeIntervalPushesBack(t *testing.T) {
	w := startSource(t, Config{MinWakeInterval: time.Hour})
	var n atomic.Int32
	woke := make(chan struct{}, 1)
	require.NoError(t, w.Register("task", func(context.Context) {
		n.Add(1)
		woke <- struct{}{}
	}))

	require.NoError(t, w.ScheduleWake("task", time.Now()))
	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("first wake not dispatched")
	}

	require.NoError(t, w.ScheduleWake("task", time.Now()))
	at := w.PendingWakes()["task"]
	assert.WithinDuration(t, time.Now().Add(time.Hour), at, 5*time.Second)
	assert.Equal(t, int32(1), n.Load())
}

func TestStartRejectsBadCron(t *testing.T) {
	w := NewWakeSource(Config{RefreshCron: "not a cron"}, logx.Nop())
	require.Error(t, w.Start(context.Background()))
}

func TestRefreshCronWakesTasks(t *testing.T) {
	w := startSource(t, Config{RefreshCron: "@every 1s"})
	woke := make(chan struct{}, 4)
	require.NoError(t, w.Register("task", func(context.Context) {
		select {
		case woke <- struct{}{}:
		default:
		}
	}))

	select {
	case <-woke:
	case <-time.After(3 * time.Second):
		t.Fatal("cron refresh did not wake the task")
	}
}

func TestWakeFuncPanicIsRecovered(t *testing.T) {
	w := startSource(t, Config{})
	done := make(chan struct{})
	require.NoError(t, w.Register("boom", func(context.Context) { panic("boom") }))
	require.NoError(t, w.Register("ok", func(context.Context) { close(done) }))

	require.NoError(t, w.ScheduleWake("boom", time.Now()))
	require.NoError(t, w.ScheduleWake("ok", time.Now().Add(10*time.Millisecond)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second task not woken after panic")
	}
}

func TestBudgetSlotIsExclusive(t *testing.T) {
	w := NewWakeSource(Config{Budget: time.Hour}, logx.Nop())

	b1, err := w.RequestBudget(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, b1.Deadline().Sub(b1.GrantedAt()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = w.RequestBudget(ctx, "b")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	b1.Complete(true)
	b1.Complete(false)

	b2, err := w.RequestBudget(context.Background(), "b")
	require.NoError(t, err)
	b2.Complete(true)
}

func TestBudgetRevokedAtDeadline(t *testing.T) {
	w := NewWakeSource(Config{Budget: 30 * time.Millisecond}, logx.Nop())

	b, err := w.RequestBudget(context.Background(), "a")
	require.NoError(t, err)

	select {
	case <-b.Expired():
	case <-time.After(2 * time.Second):
		t.Fatal("budget not revoked")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b2, err := w.RequestBudget(ctx, "b")
	require.NoError(t, err)
	b2.Complete(true)
	b.Complete(true)
}
