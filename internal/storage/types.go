package storage

import (
	"context"
	"errors"
	"time"

	"momentkit/internal/notifyplan"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file": JSON Lines journal + snapshot next to Path
//   - "memory": nothing survives a restart
//
// An empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// EventRecord is one entry of the event log.
// Keep it compact and schema-stable.
type EventRecord struct {
	At      time.Time `json:"at"`
	Name    string    `json:"name"`
	Builtin bool      `json:"builtin"`
	Source  string    `json:"source,omitempty"`
}

// Store is the persistence API used by the scheduler, host and event bridge.
type Store interface {
	notifyplan.Store
	notifyplan.StateStore

	AppendEvent(ctx context.Context, e EventRecord) error
	// RecentEvents returns up to limit records, newest last.
	RecentEvents(ctx context.Context, limit int) ([]EventRecord, error)
	// CountEvents returns how many times name was logged.
	CountEvents(ctx context.Context, name string) (int, error)

	Close() error
}
