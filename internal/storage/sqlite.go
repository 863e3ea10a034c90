package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"momentkit/internal/notifyplan"
	"momentkit/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const (
	stateKey       = "scheduler_state"
	maxSQLiteEvent = 10000
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Upsert(ctx context.Context, n notifyplan.ScheduledNotification) error {
	var payload any
	if len(n.Payload) > 0 {
		payload = []byte(n.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, fire_at, title, body, payload) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET fire_at=excluded.fire_at, title=excluded.title,
		 body=excluded.body, payload=excluded.payload`,
		n.ID, n.FireEpochSeconds, n.Title, n.Body, payload,
	)
	return err
}

func (s *sqliteStore) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) List(ctx context.Context, prefix string) ([]notifyplan.ScheduledNotification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fire_at, title, body, payload FROM notifications
		 WHERE instr(id, ?) = 1 ORDER BY id`,
		prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notifyplan.ScheduledNotification
	for rows.Next() {
		var n notifyplan.ScheduledNotification
		var payload []byte
		if err := rows.Scan(&n.ID, &n.FireEpochSeconds, &n.Title, &n.Body, &payload); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			n.Payload = json.RawMessage(payload)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LoadState(ctx context.Context) (notifyplan.State, error) {
	var st notifyplan.State
	var b []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, stateKey).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(b, &st)
	return st, err
}

func (s *sqliteStore) SaveState(ctx context.Context, st notifyplan.State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		stateKey, b,
	)
	return err
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e EventRecord) error {
	e = stamp(e)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(at, name, builtin, source) VALUES(?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Name, e.Builtin, nullStr(e.Source),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneEvents(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = maxSQLiteEvent
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, name, builtin, source FROM
		   (SELECT seq, at, name, builtin, source FROM events ORDER BY seq DESC LIMIT ?)
		 ORDER BY seq`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			at     string
			e      EventRecord
			source sql.NullString
		)
		if err := rows.Scan(&at, &e.Name, &e.Builtin, &source); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Source = source.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountEvents(ctx context.Context, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE name = ?`, name).Scan(&n)
	return n, err
}

// pruneEvents keeps the newest maxSQLiteEvent rows.
func (s *sqliteStore) pruneEvents(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE seq <= (SELECT MAX(seq) FROM events) - ?`, maxSQLiteEvent)
	if err != nil {
		s.log.Debug("event prune failed", logx.Err(err))
	}
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
