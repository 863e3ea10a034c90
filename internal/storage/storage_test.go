package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"momentkit/internal/notifyplan"
	"momentkit/pkg/logx"
)

type driverCase struct {
	name       string
	persistent bool
	open       func(t *testing.T, path string) Store
}

func drivers() []driverCase {
	openWith := func(driver string) func(t *testing.T, path string) Store {
		return func(t *testing.T, path string) Store {
			t.Helper()
			st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
			require.NoError(t, err)
			return st
		}
	}
	return []driverCase{
		{name: "memory", open: openWith("memory")},
		{name: "file", persistent: true, open: openWith("file")},
		{name: "sqlite", persistent: true, open: openWith("sqlite")},
	}
}

func TestNotificationStore(t *testing.T) {
	ctx := context.Background()
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			st := d.open(t, filepath.Join(t.TempDir(), "momentkit.db"))
			defer st.Close()

			require.NoError(t, st.Upsert(ctx, notifyplan.ScheduledNotification{ID: "momentkit.b", FireEpochSeconds: 20, Title: "B"}))
			require.NoError(t, st.Upsert(ctx, notifyplan.ScheduledNotification{
				ID: "momentkit.a", FireEpochSeconds: 10, Title: "A", Body: "body",
				Payload: json.RawMessage(`{"k":1}`),
			}))
			require.NoError(t, st.Upsert(ctx, notifyplan.ScheduledNotification{ID: "host.own", FireEpochSeconds: 5}))
			require.NoError(t, st.Upsert(ctx, notifyplan.ScheduledNotification{ID: "momentkit.b", FireEpochSeconds: 30, Title: "B2"}))

			got, err := st.List(ctx, "momentkit.")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "momentkit.a", got[0].ID)
			assert.JSONEq(t, `{"k":1}`, string(got[0].Payload))
			assert.Equal(t, int64(30), got[1].FireEpochSeconds)
			assert.Equal(t, "B2", got[1].Title)
			assert.Nil(t, got[1].Payload)

			require.NoError(t, st.Remove(ctx, "momentkit.a"))
			require.NoError(t, st.Remove(ctx, "momentkit.missing"))

			all, err := st.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 2)
		})
	}
}

func TestStateAndEventsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	for _, d := range drivers() {
		if !d.persistent {
			continue
		}
		t.Run(d.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state", "momentkit.db")
			st := d.open(t, path)

			plan := notifyplan.Plan{Notifications: []notifyplan.ScheduledNotification{{ID: "welcome", FireEpochSeconds: 99}}}
			cur := &notifyplan.Cursor{
				Fingerprint: plan.Fingerprint(),
				Namespace:   "momentkit.",
				Edits: []notifyplan.Edit{{
					Op:           notifyplan.OpUpsert,
					Notification: notifyplan.ScheduledNotification{ID: "momentkit.welcome", FireEpochSeconds: 99},
				}},
			}
			require.NoError(t, st.SaveState(ctx, notifyplan.State{Plan: &plan, Pending: cur}))
			require.NoError(t, st.Upsert(ctx, notifyplan.ScheduledNotification{ID: "momentkit.x", FireEpochSeconds: 1}))
			require.NoError(t, st.AppendEvent(ctx, EventRecord{Name: "app_start", Builtin: true}))
			require.NoError(t, st.AppendEvent(ctx, EventRecord{Name: "purchased", Source: "cli"}))
			require.NoError(t, st.AppendEvent(ctx, EventRecord{Name: "app_start", Builtin: true}))
			require.NoError(t, st.Close())

			st = d.open(t, path)
			defer st.Close()

			loaded, err := st.LoadState(ctx)
			require.NoError(t, err)
			require.NotNil(t, loaded.Plan)
			require.NotNil(t, loaded.Pending)
			assert.Equal(t, plan.Fingerprint(), loaded.Plan.Fingerprint())
			assert.Equal(t, cur.Fingerprint, loaded.Pending.Fingerprint)
			assert.Len(t, loaded.Pending.Edits, 1)

			got, err := st.List(ctx, "momentkit.")
			require.NoError(t, err)
			assert.Len(t, got, 1)

			n, err := st.CountEvents(ctx, "app_start")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			recent, err := st.RecentEvents(ctx, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "purchased", recent[0].Name)
			assert.Equal(t, "cli", recent[0].Source)
			assert.True(t, recent[1].Builtin)
			assert.False(t, recent[1].At.IsZero())
		})
	}
}

func TestLoadStateEmpty(t *testing.T) {
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			st := d.open(t, filepath.Join(t.TempDir(), "momentkit.db"))
			defer st.Close()
			got, err := st.LoadState(context.Background())
			require.NoError(t, err)
			assert.Nil(t, got.Plan)
			assert.Nil(t, got.Pending)
		})
	}
}

func TestSchedulerOverStore(t *testing.T) {
	ctx := context.Background()
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			st := d.open(t, filepath.Join(t.TempDir(), "momentkit.db"))
			defer st.Close()

			now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			s := notifyplan.New(st, notifyplan.Options{Now: func() time.Time { return now }}, logx.Nop(), nil)
			plan := notifyplan.Plan{Notifications: []notifyplan.ScheduledNotification{
				{ID: "welcome", FireEpochSeconds: now.Add(time.Minute).Unix(), Title: "hi"},
			}}
			require.NoError(t, s.SetPlan(ctx, plan))
			res, err := s.ApplyCurrent(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Upserted)

			res, err = s.ApplyCurrent(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, res.Calls())

			cur, ok := notifyplan.New(st, notifyplan.Options{}, logx.Nop(), nil).CurrentPlan()
			require.True(t, ok)
			assert.Equal(t, []string{"welcome"}, cur.IDs())
		})
	}
}

func TestSchedulerIdempotentAcrossReopen(t *testing.T) {
	ctx := context.Background()
	for _, d := range drivers() {
		if !d.persistent {
			continue
		}
		t.Run(d.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "momentkit.db")
			now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			opts := notifyplan.Options{Now: func() time.Time { return now }}
			plan := notifyplan.Plan{Notifications: []notifyplan.ScheduledNotification{{
				ID: "streak", FireEpochSeconds: now.Add(time.Hour).Unix(), Title: "keep going",
				Payload: json.RawMessage(`{"k": 1, "deep_link": "app://streak"}`),
			}}}

			st := d.open(t, path)
			s := notifyplan.New(st, opts, logx.Nop(), nil)
			require.NoError(t, s.SetPlan(ctx, plan))
			res, err := s.ApplyCurrent(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Upserted)
			require.NoError(t, st.Close())

			st = d.open(t, path)
			defer st.Close()
			s = notifyplan.New(st, opts, logx.Nop(), nil)
			require.NoError(t, s.Restore(ctx))
			res, err = s.ApplyCurrent(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, res.Calls())

			res, err = s.Apply(ctx, plan)
			require.NoError(t, err)
			assert.Equal(t, 0, res.Calls())
		})
	}
}

func TestListNonASCIIPrefix(t *testing.T) {
	ctx := context.Background()
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			st := d.open(t, filepath.Join(t.TempDir(), "momentkit.db"))
			defer st.Close()

			require.NoError(t, st.Upsert(ctx, notifyplan.ScheduledNotification{ID: "café.rappel", FireEpochSeconds: 10}))
			require.NoError(t, st.Upsert(ctx, notifyplan.ScheduledNotification{ID: "cafe.rappel", FireEpochSeconds: 10}))

			got, err := st.List(ctx, "café.")
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "café.rappel", got[0].ID)
		})
	}
}

func TestFileJournalReplay(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "momentkit.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	for i := 0; i < compactEvery+3; i++ {
		require.NoError(t, st.Upsert(ctx, notifyplan.ScheduledNotification{ID: "momentkit.n", FireEpochSeconds: int64(i)}))
	}
	require.NoError(t, st.Remove(ctx, "momentkit.n"))
	require.NoError(t, st.Upsert(ctx, notifyplan.ScheduledNotification{ID: "momentkit.m", FireEpochSeconds: 7}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "momentkit.m", got[0].ID)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	require.Error(t, err)
}

func TestClosedMemoryStore(t *testing.T) {
	st := NewMemory()
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.Upsert(context.Background(), notifyplan.ScheduledNotification{ID: "x"}), ErrClosed)
}
