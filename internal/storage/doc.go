// Package storage persists what momentkit keeps between runs.
//
// Every driver holds:
//   - the local notification store (notifyplan.Store), keyed by id
//   - the scheduler state blob (notifyplan.StateStore)
//   - an append-only event log fed by the event bridge
//
// Drivers are "sqlite" (modernc.org/sqlite, pure Go), "file" (JSON Lines
// journal plus snapshot) and "memory".
package storage
