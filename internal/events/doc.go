// Package events is the evaluator's bridge for named occurrences.
//
// SendEvent logs an event by name, either a built-in one under
// BuiltinNamespace or WellKnownNamespace, or a custom one outside both.
// PerformNamedAction runs a registered action and logs its outcome as a
// custom "action:" or "action_error:" event. Foreground and background
// events also drive session tracking, exposed as the session_start_time
// property.
package events
