package notifyplan

import (
	"sort"
	"strings"
	"time"
)

// Skip reasons reported in Result.Skipped.
const (
	SkipPastDue   = "past_due"
	SkipOverCap   = "over_cap"
	SkipDuplicate = "duplicate"
	SkipEmptyID   = "empty_id"
)

// Skip is a plan entry that was left out of the desired state.
type Skip struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// desiredState namespaces the plan entries that should be scheduled at now.
// Plan order decides which entries survive the cap. due holds the namespaced
// ids of plan entries whose fire time has passed.
func desiredState(p Plan, ns string, maxScheduled int, now time.Time) (out []ScheduledNotification, skipped []Skip, due map[string]struct{}) {
	nowSec := now.Unix()
	out = make([]ScheduledNotification, 0, len(p.Notifications))
	due = make(map[string]struct{})
	seen := make(map[string]struct{}, len(p.Notifications))

	for _, n := range p.Notifications {
		id := strings.TrimSpace(n.ID)
		switch {
		case id == "":
			skipped = append(skipped, Skip{ID: n.ID, Reason: SkipEmptyID})
			continue
		case has(seen, id):
			skipped = append(skipped, Skip{ID: id, Reason: SkipDuplicate})
			continue
		}
		seen[id] = struct{}{}
		if n.FireEpochSeconds <= nowSec {
			skipped = append(skipped, Skip{ID: id, Reason: SkipPastDue})
			due[ns+id] = struct{}{}
			continue
		}
		if maxScheduled > 0 && len(out) >= maxScheduled {
			skipped = append(skipped, Skip{ID: id, Reason: SkipOverCap})
			continue
		}
		n.ID = ns + id
		n.Payload = compactPayload(n.Payload)
		out = append(out, n)
	}
	return out, skipped, due
}

func has(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}

// diff returns the store calls that turn actual into desired. Entries of
// actual outside ns are ignored. An owned entry that is already due and still
// listed in due is left for delivery to clear. Removes come first (by id),
// then upserts by ascending fire time.
func diff(desired, actual []ScheduledNotification, ns string, due map[string]struct{}, now time.Time) []Edit {
	nowSec := now.Unix()
	have := make(map[string]ScheduledNotification, len(actual))
	for _, n := range actual {
		if !strings.HasPrefix(n.ID, ns) {
			continue
		}
		have[n.ID] = n
	}
	want := make(map[string]struct{}, len(desired))
	for _, n := range desired {
		want[n.ID] = struct{}{}
	}

	var removes []Edit
	for id, n := range have {
		if _, ok := want[id]; ok {
			continue
		}
		if _, ok := due[id]; ok && n.FireEpochSeconds <= nowSec {
			continue
		}
		removes = append(removes, Edit{Op: OpRemove, Notification: n})
	}
	sort.Slice(removes, func(i, j int) bool { return removes[i].ID() < removes[j].ID() })

	var upserts []Edit
	for _, n := range desired {
		if cur, ok := have[n.ID]; ok && cur.Same(n) {
			continue
		}
		upserts = append(upserts, Edit{Op: OpUpsert, Notification: n})
	}
	sort.SliceStable(upserts, func(i, j int) bool {
		a, b := upserts[i].Notification, upserts[j].Notification
		if a.FireEpochSeconds != b.FireEpochSeconds {
			return a.FireEpochSeconds < b.FireEpochSeconds
		}
		return a.ID < b.ID
	})

	return append(removes, upserts...)
}
