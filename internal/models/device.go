package models

import (
	"encoding/json"
	"time"
)

// Device is the single current-state row kept per device identifier.
type Device struct {
	DeviceID      string                    `json:"device_id"`
	Online        bool                      `json:"online"`
	LastSeen      Optional[time.Time]       `json:"last_seen"`
	IP            Optional[string]          `json:"ip"`
	LastTelemetry Optional[json.RawMessage] `json:"last_telemetry"`
	LastEvent     Optional[json.RawMessage] `json:"last_event"`
	CreatedAt     time.Time                 `json:"-"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

// DeviceUpdate is the aggregate change carried by one message. Absent
// optionals leave the stored value untouched.
type DeviceUpdate struct {
	DeviceID  string                    `json:"device_id"`
	Online    bool                      `json:"online"`
	LastSeen  time.Time                 `json:"last_seen"`
	IP        Optional[string]          `json:"ip"`
	Telemetry Optional[json.RawMessage] `json:"telemetry"`
	Event     Optional[json.RawMessage] `json:"event"`
}

func NewDevice(id string, now time.Time) *Device {
	return &Device{DeviceID: id, CreatedAt: now, UpdatedAt: now}
}

// Apply merges u into d. last_seen never moves backwards; the other fields
// are last-received-wins with coalesce on absent values.
func (d *Device) Apply(u DeviceUpdate, now time.Time) {
	d.Online = u.Online
	d.LastSeen = Some(Latest(d.LastSeen, u.LastSeen))
	d.IP = u.IP.Or(d.IP)
	d.LastTelemetry = u.Telemetry.Or(d.LastTelemetry)
	d.LastEvent = u.Event.Or(d.LastEvent)
	d.UpdatedAt = now
}

// Latest returns the later of a stored (possibly absent) time and t.
func Latest(stored Optional[time.Time], t time.Time) time.Time {
	if prev, ok := stored.Get(); ok && prev.After(t) {
		return prev
	}
	return t
}

func (d *Device) Clone() *Device {
	c := *d
	return &c
}
