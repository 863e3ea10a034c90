package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"momentkit/internal/notifyplan"
)

const maxMemoryEvents = 1000

// memStore keeps everything in process memory.
type memStore struct {
	mu      sync.Mutex
	closed  bool
	entries map[string]notifyplan.ScheduledNotification
	state   []byte
	events  []EventRecord
	counts  map[string]int
}

// NewMemory returns a Store that lives as long as the process.
func NewMemory() Store {
	return &memStore{
		entries: map[string]notifyplan.ScheduledNotification{},
		counts:  map[string]int{},
	}
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memStore) Upsert(_ context.Context, n notifyplan.ScheduledNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries[n.ID] = cloneNotification(n)
	return nil
}

func (s *memStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.entries, id)
	return nil
}

func (s *memStore) List(_ context.Context, prefix string) ([]notifyplan.ScheduledNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return filterPrefix(s.entries, prefix), nil
}

func (s *memStore) LoadState(context.Context) (notifyplan.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st notifyplan.State
	if len(s.state) == 0 {
		return st, nil
	}
	err := json.Unmarshal(s.state, &st)
	return st, err
}

func (s *memStore) SaveState(_ context.Context, st notifyplan.State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.state = b
	return nil
}

func (s *memStore) AppendEvent(_ context.Context, e EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.events = appendBounded(s.events, stamp(e), maxMemoryEvents)
	s.counts[e.Name]++
	return nil
}

func (s *memStore) RecentEvents(_ context.Context, limit int) ([]EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(s.events, limit), nil
}

func (s *memStore) CountEvents(_ context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name], nil
}

// ---- helpers shared by drivers ----

func cloneNotification(n notifyplan.ScheduledNotification) notifyplan.ScheduledNotification {
	if n.Payload != nil {
		n.Payload = append(json.RawMessage(nil), n.Payload...)
	}
	return n
}

func filterPrefix(m map[string]notifyplan.ScheduledNotification, prefix string) []notifyplan.ScheduledNotification {
	out := make([]notifyplan.ScheduledNotification, 0, len(m))
	for id, n := range m {
		if strings.HasPrefix(id, prefix) {
			out = append(out, cloneNotification(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func stamp(e EventRecord) EventRecord {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return e
}

func appendBounded(events []EventRecord, e EventRecord, capacity int) []EventRecord {
	events = append(events, e)
	if over := len(events) - capacity; over > 0 {
		events = append(events[:0], events[over:]...)
	}
	return events
}

func tail(events []EventRecord, limit int) []EventRecord {
	if limit <= 0 || limit > len(events) {
		limit = len(events)
	}
	return append([]EventRecord(nil), events[len(events)-limit:]...)
}
