// Package reconcile merges the live relay feed with polled API snapshots into
// one device roster and one de-duplicated event timeline.
//
// State is not safe for concurrent use; the watch UI mutates it only from its
// update loop.
package reconcile

import (
	"sort"
	"strings"
	"time"

	"github.com/iotpulse/internal/models"
)

const (
	LiveBufferCap       = 40
	DefaultDisplayLimit = 80
	MinPollInterval     = 10 * time.Second
)

// PollInterval converts a configured refresh period in seconds, enforcing the
// floor.
func PollInterval(sec int) time.Duration {
	d := time.Duration(sec) * time.Second
	if d < MinPollInterval {
		return MinPollInterval
	}
	return d
}

// SelectionStore persists the selected device across restarts.
type SelectionStore interface {
	LoadSelection() (string, error)
	SaveSelection(deviceID string) error
}

// Filter narrows Roster output. Query matches device ids case-insensitively.
type Filter struct {
	OnlyOnline bool
	Query      string
}

type State struct {
	devices  map[string]*models.Device
	selected string

	live      []models.VisionEvent
	events    []models.VisionEvent
	telemetry []models.TelemetrySample

	displayLimit int
	store        SelectionStore
}

// New restores the persisted selection from store, which may be nil. A
// restored selection is kept until a roster proves it unknown.
func New(store SelectionStore, displayLimit int) (*State, error) {
	if displayLimit <= 0 {
		displayLimit = DefaultDisplayLimit
	}
	s := &State{
		devices:      make(map[string]*models.Device),
		displayLimit: displayLimit,
		store:        store,
	}
	if store == nil {
		return s, nil
	}
	id, err := store.LoadSelection()
	if err != nil {
		return s, err
	}
	s.selected = id
	return s, nil
}

func (s *State) Selected() string { return s.selected }

// SelectedDevice returns a copy of the selected device's roster entry.
func (s *State) SelectedDevice() (models.Device, bool) {
	d, ok := s.devices[s.selected]
	if !ok {
		return models.Device{}, false
	}
	return *d, true
}

// Select makes id the one selected device and clears the live buffer and the
// history window that belonged to the previous selection.
func (s *State) Select(id string) error {
	if id == s.selected {
		return nil
	}
	s.selected = id
	s.live = nil
	s.events = nil
	s.telemetry = nil
	if s.store == nil {
		return nil
	}
	return s.store.SaveSelection(id)
}

// ApplyRoster soft-unions a polled roster into the known devices. Devices
// missing from the poll are kept.
func (s *State) ApplyRoster(devices []models.Device) error {
	for i := range devices {
		p := devices[i]
		if p.DeviceID == "" {
			continue
		}
		cur, ok := s.devices[p.DeviceID]
		if !ok {
			cur = &models.Device{DeviceID: p.DeviceID}
			s.devices[p.DeviceID] = cur
		}
		mergePolled(cur, p)
	}
	return s.ensureSelection()
}

// mergePolled applies a polled row with coalesce: absent fields keep what
// the client already knows.
func mergePolled(cur *models.Device, p models.Device) {
	cur.Online = p.Online
	cur.LastSeen = p.LastSeen.Or(cur.LastSeen)
	cur.IP = p.IP.Or(cur.IP)
	cur.LastTelemetry = p.LastTelemetry.Or(cur.LastTelemetry)
	cur.LastEvent = p.LastEvent.Or(cur.LastEvent)
	if !p.UpdatedAt.IsZero() {
		cur.UpdatedAt = p.UpdatedAt
	}
}

// ensureSelection falls back to the lexicographically first device when
// nothing is selected or the selection is unknown.
func (s *State) ensureSelection() error {
	if len(s.devices) == 0 {
		return nil
	}
	if _, ok := s.devices[s.selected]; ok {
		return nil
	}
	return s.Select(s.sortedIDs()[0])
}

// ApplyLive updates the roster from a relayed message. An event for the
// selected device is pushed onto the live buffer.
func (s *State) ApplyLive(msg models.LiveMessage) error {
	if msg.DeviceID == "" {
		return nil
	}
	cur, ok := s.devices[msg.DeviceID]
	if !ok {
		cur = &models.Device{DeviceID: msg.DeviceID}
		s.devices[msg.DeviceID] = cur
	}
	cur.Apply(msg.Update(), msg.TS)

	if s.selected == "" {
		if err := s.Select(msg.DeviceID); err != nil {
			return err
		}
	}

	if msg.Event != nil && msg.DeviceID == s.selected {
		s.pushLive(*msg.Event)
	}
	return nil
}

func (s *State) pushLive(e models.VisionEvent) {
	buf := make([]models.VisionEvent, 0, LiveBufferCap)
	buf = append(buf, e)
	for _, prev := range s.live {
		if len(buf) == LiveBufferCap {
			break
		}
		buf = append(buf, prev)
	}
	s.live = buf
}

// ApplyHistory stores a polled history window. It reports false and changes
// nothing when deviceID is no longer selected.
func (s *State) ApplyHistory(deviceID string, telemetry []models.TelemetrySample, events []models.VisionEvent) bool {
	if deviceID == "" || deviceID != s.selected {
		return false
	}
	s.telemetry = telemetry
	s.events = events
	return true
}

// ClearLive drops the live buffer, keeping the polled window.
func (s *State) ClearLive() {
	s.live = nil
}

// Live returns the live buffer, most recent first.
func (s *State) Live() []models.VisionEvent {
	out := make([]models.VisionEvent, len(s.live))
	copy(out, s.live)
	return out
}

// Telemetry returns the polled telemetry window for the selection, oldest
// first.
func (s *State) Telemetry() []models.TelemetrySample {
	out := make([]models.TelemetrySample, len(s.telemetry))
	copy(out, s.telemetry)
	return out
}

// Roster lists known devices sorted by id.
func (s *State) Roster(f Filter) []models.Device {
	q := strings.ToLower(strings.TrimSpace(f.Query))
	out := make([]models.Device, 0, len(s.devices))
	for _, id := range s.sortedIDs() {
		d := s.devices[id]
		if f.OnlyOnline && !d.Online {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(id), q) {
			continue
		}
		out = append(out, *d)
	}
	return out
}

func (s *State) sortedIDs() []string {
	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
