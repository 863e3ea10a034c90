package notifyplan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"momentkit/internal/config"
)

var (
	ErrEmptyID     = errors.New("notifyplan: notification id is empty")
	ErrDuplicateID = errors.New("notifyplan: duplicate notification id")
)

// ScheduledNotification is one desired future notification. ID is the
// reconciliation key; Payload is carried through untouched.
type ScheduledNotification struct {
	ID               string          `json:"id"`
	FireEpochSeconds int64           `json:"fire_epoch_seconds"`
	Title            string          `json:"title,omitempty"`
	Body             string          `json:"body,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// Same reports whether n and o would produce the same OS entry.
func (n ScheduledNotification) Same(o ScheduledNotification) bool {
	return n.ID == o.ID &&
		n.FireEpochSeconds == o.FireEpochSeconds &&
		n.Title == o.Title &&
		n.Body == o.Body &&
		bytes.Equal(compactPayload(n.Payload), compactPayload(o.Payload))
}

// compactPayload strips insignificant whitespace so payloads that differ only
// in formatting compare equal. Invalid JSON is returned as is.
func compactPayload(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return b
	}
	return buf.Bytes()
}

// Plan is the desired notification state. Order only matters for the
// MaxScheduled cap. An empty plan cancels everything the scheduler owns.
type Plan struct {
	Notifications []ScheduledNotification `json:"notifications"`

	// EarliestCheckEpochSeconds asks for the next background check no later
	// than this time. Zero means no preference.
	EarliestCheckEpochSeconds int64 `json:"earliest_check_epoch_seconds,omitempty"`
}

// Empty reports whether p schedules nothing.
func (p Plan) Empty() bool { return len(p.Notifications) == 0 }

// IDs returns notification ids in plan order.
func (p Plan) IDs() []string {
	out := make([]string, 0, len(p.Notifications))
	for _, n := range p.Notifications {
		out = append(out, n.ID)
	}
	return out
}

// Fingerprint identifies the plan content. Two plans with the same
// fingerprint produce the same diff against the same store.
func (p Plan) Fingerprint() string {
	return strconv.FormatUint(config.HashJSON(p), 16)
}

// Validate rejects empty and duplicate ids.
func (p Plan) Validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(p.Notifications))
	for i, n := range p.Notifications {
		id := strings.TrimSpace(n.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("notifications[%d]: %w", i, ErrEmptyID))
			continue
		}
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("notifications[%d] %q: %w", i, id, ErrDuplicateID))
			continue
		}
		seen[id] = struct{}{}
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy so callers cannot mutate a plan held by the scheduler.
func (p Plan) Clone() Plan {
	out := Plan{EarliestCheckEpochSeconds: p.EarliestCheckEpochSeconds}
	if p.Notifications != nil {
		out.Notifications = make([]ScheduledNotification, len(p.Notifications))
		for i, n := range p.Notifications {
			if n.Payload != nil {
				n.Payload = append(json.RawMessage(nil), n.Payload...)
			}
			out.Notifications[i] = n
		}
	}
	return out
}

// DecodePlan parses a JSON or YAML plan document (chosen by path extension)
// and validates it. Unknown top-level fields are rejected; payloads are opaque.
func DecodePlan(path string, data []byte) (Plan, error) {
	var p Plan
	if len(bytes.TrimSpace(data)) == 0 {
		return p, nil
	}
	if err := config.DecodeStrict(path, data, &p); err != nil {
		return Plan{}, fmt.Errorf("notifyplan: decode %s: %w", path, err)
	}
	for i := range p.Notifications {
		p.Notifications[i].ID = strings.TrimSpace(p.Notifications[i].ID)
		p.Notifications[i].Payload = compactPayload(p.Notifications[i].Payload)
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// LoadPlanFile reads and decodes a plan file.
func LoadPlanFile(fs afero.Fs, path string) (Plan, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return Plan{}, fmt.Errorf("notifyplan: read %s: %w", path, err)
	}
	return DecodePlan(path, b)
}
