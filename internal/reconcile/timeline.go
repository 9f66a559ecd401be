package reconcile

import (
	"sort"
	"time"

	"github.com/iotpulse/internal/models"
)

type Source int

const (
	SourceLive Source = iota
	SourceHistorical
)

func (s Source) String() string {
	if s == SourceLive {
		return "live"
	}
	return "historical"
}

// Entry is one row of the merged timeline.
type Entry struct {
	Source Source
	Event  models.VisionEvent
}

type entryKey struct {
	ts       int64
	deviceID string
}

// keyOf uses whole seconds: the API stores second precision while the live
// copy may carry a finer timestamp.
func keyOf(ts time.Time, deviceID string) entryKey {
	return entryKey{ts: ts.Unix(), deviceID: deviceID}
}

// Timeline merges the live buffer with the polled window for the selected
// device. Each (ts, device) key appears once, live rows win collisions, and
// the result is newest first, truncated to the display limit.
func (s *State) Timeline() []Entry {
	return Merge(s.live, s.events, s.selected, s.displayLimit)
}

// Merge is the pure form of Timeline. Historical rows are keyed with
// deviceID since the polled window belongs to that device.
func Merge(live, historical []models.VisionEvent, deviceID string, limit int) []Entry {
	seen := make(map[entryKey]struct{}, len(live)+len(historical))
	out := make([]Entry, 0, len(live)+len(historical))

	for _, e := range live {
		k := keyOf(e.TS, e.DeviceID)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, Entry{Source: SourceLive, Event: e})
	}
	for _, e := range historical {
		k := keyOf(e.TS, deviceID)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, Entry{Source: SourceHistorical, Event: e})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Event.TS.After(out[j].Event.TS)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
