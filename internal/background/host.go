package background

import (
	"context"
	"time"

	"momentkit/internal/notifyplan"
)

// WakeFunc is the entry point a Host calls when it wakes the process for a
// registered task.
type WakeFunc func(ctx context.Context)

// Host is the OS background-execution facility.
type Host interface {
	// Register binds taskID to fn. It is called once per task.
	Register(taskID string, fn WakeFunc) error
	// ScheduleWake asks for a wake at or after at. The host may coalesce or
	// delay it.
	ScheduleWake(taskID string, at time.Time) error
	// RequestBudget blocks until the host grants an execution window.
	RequestBudget(ctx context.Context, taskID string) (Budget, error)
}

// Budget is a granted execution window. Work started under it must finish
// or be abandoned before Deadline.
type Budget interface {
	GrantedAt() time.Time
	Deadline() time.Time
	// Expired is closed when the host takes the window back.
	Expired() <-chan struct{}
	// Complete releases the window. success=false tells the host the work
	// did not finish.
	Complete(success bool)
}

// Applier is the plan scheduler as seen by the coordinator.
type Applier interface {
	Apply(ctx context.Context, plan notifyplan.Plan) (notifyplan.Result, error)
	SetPlan(ctx context.Context, plan notifyplan.Plan) error
	CurrentPlan() (notifyplan.Plan, bool)
}
