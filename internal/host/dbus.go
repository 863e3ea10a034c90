package host

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"momentkit/internal/notifyplan"
)

const (
	notificationsDest   = "org.freedesktop.Notifications"
	notificationsPath   = dbus.ObjectPath("/org/freedesktop/Notifications")
	notificationsNotify = "org.freedesktop.Notifications.Notify"
)

// DBusDeliverer shows notifications through the freedesktop notification
// service on the session bus.
type DBusDeliverer struct {
	AppName string
	// ExpireMs is the display timeout; -1 lets the server decide.
	ExpireMs int32

	obj  dbus.BusObject
	conn *dbus.Conn
}

// NewDBusDeliverer connects to the session bus.
func NewDBusDeliverer(appName string) (*DBusDeliverer, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("host: session bus: %w", err)
	}
	return &DBusDeliverer{
		AppName:  appName,
		ExpireMs: -1,
		obj:      conn.Object(notificationsDest, notificationsPath),
		conn:     conn,
	}, nil
}

func newDBusDelivererWith(appName string, obj dbus.BusObject) *DBusDeliverer {
	return &DBusDeliverer{AppName: appName, ExpireMs: -1, obj: obj}
}

func (d *DBusDeliverer) Deliver(ctx context.Context, n notifyplan.ScheduledNotification) error {
	hints := map[string]dbus.Variant{
		"category": dbus.MakeVariant("momentkit"),
	}
	call := d.obj.CallWithContext(ctx, notificationsNotify, 0,
		d.AppName,  // app_name
		uint32(0),  // replaces_id
		"",         // app_icon
		n.Title,    // summary
		n.Body,     // body
		[]string{}, // actions
		hints,
		d.ExpireMs,
	)
	if call.Err != nil {
		return fmt.Errorf("host: notify: %w", call.Err)
	}
	var id uint32
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("host: notify reply: %w", err)
	}
	return nil
}

func (d *DBusDeliverer) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
