package events

import (
	"errors"
	"fmt"
	"strings"
)

// Reserved namespaces. Custom events may not use either prefix.
const (
	BuiltinNamespace   = "momentkit.events.built_in."
	WellKnownNamespace = "momentkit.events.well_known."
)

const (
	AppStart               = BuiltinNamespace + "app_start"
	AppEnteredForeground   = BuiltinNamespace + "app_entered_foreground"
	AppEnteredBackground   = BuiltinNamespace + "app_entered_background"
	SessionStart           = BuiltinNamespace + "session_start"
	NotificationDelivered  = BuiltinNamespace + "notification_delivered"
	BackgroundWakeFinished = BuiltinNamespace + "background_wake_finished"

	SignedIn = WellKnownNamespace + "signed_in"
)

var builtinNames = map[string]bool{
	AppStart:               true,
	AppEnteredForeground:   true,
	AppEnteredBackground:   true,
	SessionStart:           true,
	NotificationDelivered:  true,
	BackgroundWakeFinished: true,
	SignedIn:               true,
}

var (
	ErrEmptyName      = errors.New("events: empty name")
	ErrUnknownBuiltin = errors.New("events: unknown built-in event")
	ErrReservedName   = errors.New("events: custom event uses a reserved namespace")
	ErrUnknownAction  = errors.New("events: unknown action")
)

// IsReserved reports whether name falls in a reserved namespace.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, BuiltinNamespace) || strings.HasPrefix(name, WellKnownNamespace)
}

// ValidateName checks name against the namespace rules for its kind.
func ValidateName(name string, builtin bool) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	if builtin {
		if !builtinNames[name] {
			return fmt.Errorf("%w: %q", ErrUnknownBuiltin, name)
		}
		return nil
	}
	if IsReserved(name) {
		return fmt.Errorf("%w: %q", ErrReservedName, name)
	}
	return nil
}

// ActionEventName is the custom event logged after a named action ran.
func ActionEventName(action string, err error) string {
	if err != nil {
		return "action_error:" + action
	}
	return "action:" + action
}
