package notifyplan

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store is the OS notification store. It is shared with the host
// application; the scheduler only reads and writes ids under its namespace.
type Store interface {
	// Upsert adds n or replaces the entry with the same id.
	Upsert(ctx context.Context, n ScheduledNotification) error
	// Remove deletes the entry with id. Removing a missing id is not an error.
	Remove(ctx context.Context, id string) error
	// List returns the entries whose id starts with prefix.
	List(ctx context.Context, prefix string) ([]ScheduledNotification, error)
}

// State is what the scheduler persists between runs: the last plan it was
// handed and any edits still owed for it.
type State struct {
	Plan    *Plan   `json:"plan,omitempty"`
	Pending *Cursor `json:"pending,omitempty"`
}

// StateStore persists scheduler State. LoadState returns a zero State when
// nothing was saved.
type StateStore interface {
	LoadState(ctx context.Context) (State, error)
	SaveState(ctx context.Context, st State) error
}

// Op is the kind of one store edit.
type Op string

const (
	OpUpsert Op = "upsert"
	OpRemove Op = "remove"
)

// Edit is one store call computed by the diff. Notification carries the
// namespaced id.
type Edit struct {
	Op           Op                    `json:"op"`
	Notification ScheduledNotification `json:"notification"`
}

func (e Edit) ID() string { return e.Notification.ID }

// Cursor holds the edits of an interrupted apply. It is only resumed by an
// apply of the plan with the same fingerprint.
type Cursor struct {
	Fingerprint string    `json:"fingerprint"`
	Namespace   string    `json:"namespace"`
	Edits       []Edit    `json:"edits"`
	NotBefore   time.Time `json:"not_before,omitempty"`
	SavedAt     time.Time `json:"saved_at"`
}

// RetryAfterError is returned by a Store when it refuses calls for a while
// (a quota). The scheduler stops issuing calls and defers the remaining
// edits until After has passed.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("retry after %s", e.After)
	}
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.After)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// SchedulingFailure records one failed store call. It never aborts the
// rest of the plan.
type SchedulingFailure struct {
	Op  Op
	ID  string
	Err error
}

func (f *SchedulingFailure) Error() string {
	return fmt.Sprintf("notifyplan: %s %q failed: %v", f.Op, f.ID, f.Err)
}

func (f *SchedulingFailure) Unwrap() error { return f.Err }

// retryAfter extracts a quota hint from err.
func retryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) && ra.After > 0 {
		return ra.After, true
	}
	return 0, false
}
