package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"momentkit/internal/eventbus"
	"momentkit/internal/events"
	"momentkit/internal/notifyplan"
	"momentkit/internal/storage"
	"momentkit/pkg/logx"
)

const (
	DefaultDeliveryInterval = 15 * time.Second

	// EventNotificationDelivered is logged for every delivered notification.
	EventNotificationDelivered = events.NotificationDelivered
)

// Deliverer shows one notification to the user.
type Deliverer interface {
	Deliver(ctx context.Context, n notifyplan.ScheduledNotification) error
}

// LogDeliverer writes notifications to the log.
type LogDeliverer struct {
	Log logx.Logger
}

func (d LogDeliverer) Deliver(_ context.Context, n notifyplan.ScheduledNotification) error {
	d.Log.Info("notification",
		logx.String("id", n.ID),
		logx.String("title", n.Title),
		logx.String("body", n.Body),
		logx.Int("payload_bytes", len(n.Payload)),
	)
	return nil
}

// EventLog records deliveries.
type EventLog interface {
	AppendEvent(ctx context.Context, e storage.EventRecord) error
}

// Delivery fires due entries of the notification store and removes them,
// the way the OS does for scheduled notifications.
type Delivery struct {
	store    notifyplan.Store
	deliver  Deliverer
	events   EventLog
	log      logx.Logger
	bus      eventbus.Bus
	interval time.Duration
	now      func() time.Time
	warn     *logx.Throttle
}

func NewDelivery(store notifyplan.Store, d Deliverer, events EventLog, interval time.Duration, log logx.Logger, bus eventbus.Bus) *Delivery {
	if log.IsZero() {
		log = logx.Nop()
	}
	if interval <= 0 {
		interval = DefaultDeliveryInterval
	}
	return &Delivery{
		store:    store,
		deliver:  d,
		events:   events,
		log:      log.With(logx.String("comp", "host.delivery")),
		bus:      bus,
		interval: interval,
		now:      time.Now,
		warn:     logx.NewThrottle(time.Minute, 2),
	}
}

// Run delivers due notifications every interval until ctx ends.
func (d *Delivery) Run(ctx context.Context) error {
	t := time.NewTicker(d.interval)
	defer t.Stop()
	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			if d.warn.Allow("run") {
				d.log.Warn("delivery pass failed", logx.Err(err))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// RunOnce delivers every entry whose fire time has passed. A failed
// delivery stays in the store and is retried on the next pass.
func (d *Delivery) RunOnce(ctx context.Context) (int, error) {
	all, err := d.store.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("host: list notifications: %w", err)
	}
	now := d.now().Unix()
	due := all[:0]
	for _, n := range all {
		if n.FireEpochSeconds <= now {
			due = append(due, n)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].FireEpochSeconds < due[j].FireEpochSeconds })

	var errs []error
	delivered := 0
	for _, n := range due {
		if ctx.Err() != nil {
			break
		}
		if err := d.deliver.Deliver(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("deliver %q: %w", n.ID, err))
			continue
		}
		if err := d.store.Remove(ctx, n.ID); err != nil {
			errs = append(errs, fmt.Errorf("remove %q: %w", n.ID, err))
		}
		delivered++
		eventbus.Publish(d.bus, eventbus.TypeNotificationFired, n)
		if d.events != nil {
			if err := d.events.AppendEvent(ctx, storage.EventRecord{
				Name:    EventNotificationDelivered,
				Builtin: true,
				Source:  n.ID,
			}); err != nil {
				d.log.Debug("delivery event not logged", logx.Err(err))
			}
		}
	}
	if delivered > 0 {
		d.log.Info("notifications delivered", logx.Int("count", delivered))
	}
	return delivered, errors.Join(errs...)
}
