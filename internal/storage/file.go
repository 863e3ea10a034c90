package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"momentkit/internal/notifyplan"
	"momentkit/pkg/logx"
)

const (
	compactEvery  = 500
	maxFileEvents = 1000
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.events.jsonl                (append-only JSON Lines)
//   - <prefix>.notifications.snapshot.json (periodic snapshot)
//   - <prefix>.notifications.journal.jsonl (append-only journal)
//   - <prefix>.state.json                  (scheduler state, replaced atomically)
//
// The journal is compacted into the snapshot on open and every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	eventsFile *os.File
	events     []EventRecord
	counts     map[string]int

	snapshotPath string
	journalFile  *os.File
	entries      map[string]notifyplan.ScheduledNotification
	writes       int

	statePath string
}

type journalRecord struct {
	Op           notifyplan.Op                     `json:"op"`
	ID           string                            `json:"id"`
	Notification *notifyplan.ScheduledNotification `json:"notification,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	eventsPath := prefix + ".events.jsonl"
	snapPath := prefix + ".notifications.snapshot.json"
	journalPath := prefix + ".notifications.journal.jsonl"

	events, counts := loadEvents(eventsPath, log)
	ef, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load notifications from snapshot + journal.
	entries := map[string]notifyplan.ScheduledNotification{}
	if err := loadSnapshot(snapPath, entries); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("notification snapshot unreadable", logx.Err(err))
	}
	if err := replayJournal(journalPath, entries); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("notification journal unreadable", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = ef.Close()
		return nil, err
	}

	s := &fileStore{
		log:          log,
		eventsFile:   ef,
		events:       events,
		counts:       counts,
		snapshotPath: snapPath,
		journalFile:  jf,
		entries:      entries,
		statePath:    prefix + ".state.json",
	}
	if err := s.compactLocked(); err != nil {
		log.Debug("notification compact failed", logx.Err(err))
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.eventsFile != nil {
		err1 = s.eventsFile.Close()
		s.eventsFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) Upsert(_ context.Context, n notifyplan.ScheduledNotification) error {
	n = cloneNotification(n)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.journalLocked(journalRecord{Op: notifyplan.OpUpsert, ID: n.ID, Notification: &n}); err != nil {
		return err
	}
	s.entries[n.ID] = n
	return nil
}

func (s *fileStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return nil
	}
	if err := s.journalLocked(journalRecord{Op: notifyplan.OpRemove, ID: id}); err != nil {
		return err
	}
	delete(s.entries, id)
	return nil
}

func (s *fileStore) List(_ context.Context, prefix string) ([]notifyplan.ScheduledNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	return filterPrefix(s.entries, prefix), nil
}

func (s *fileStore) journalLocked(r journalRecord) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("notification compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	if err := writeFileAtomic(s.snapshotPath, s.entries); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) LoadState(context.Context) (notifyplan.State, error) {
	var st notifyplan.State
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(b, &st)
	return st, err
}

func (s *fileStore) SaveState(_ context.Context, st notifyplan.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	return writeFileAtomic(s.statePath, st)
}

func (s *fileStore) AppendEvent(_ context.Context, e EventRecord) error {
	e = stamp(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.eventsFile).Encode(e); err != nil {
		return err
	}
	s.events = appendBounded(s.events, e, maxFileEvents)
	s.counts[e.Name]++
	return nil
}

func (s *fileStore) RecentEvents(_ context.Context, limit int) ([]EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(s.events, limit), nil
}

func (s *fileStore) CountEvents(_ context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name], nil
}

func writeFileAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadSnapshot(path string, out map[string]notifyplan.ScheduledNotification) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]notifyplan.ScheduledNotification
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]notifyplan.ScheduledNotification) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			// A torn last line is expected after a crash.
			continue
		}
		switch r.Op {
		case notifyplan.OpUpsert:
			if r.Notification != nil {
				out[r.ID] = *r.Notification
			}
		case notifyplan.OpRemove:
			delete(out, r.ID)
		}
	}
	return sc.Err()
}

func loadEvents(path string, log logx.Logger) ([]EventRecord, map[string]int) {
	counts := map[string]int{}
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("event log unreadable", logx.Err(err))
		}
		return nil, counts
	}
	defer f.Close()
	var events []EventRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e EventRecord
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.Name == "" {
			continue
		}
		events = appendBounded(events, e, maxFileEvents)
		counts[e.Name]++
	}
	return events, counts
}
