package models

import "time"

// LiveMessage is what the websocket relay pushes to clients for every
// routed broker message.
type LiveMessage struct {
	Kind      Kind             `json:"kind"`
	DeviceID  string           `json:"device_id"`
	TS        time.Time        `json:"ts"`
	Online    bool             `json:"online"`
	Telemetry *TelemetrySample `json:"telemetry,omitempty"`
	Event     *VisionEvent     `json:"event,omitempty"`
}

func NewLiveMessage(rec Record) LiveMessage {
	u := rec.Update()
	m := LiveMessage{
		Kind:     rec.Kind(),
		DeviceID: rec.Device(),
		TS:       rec.Timestamp(),
		Online:   u.Online,
	}
	switch r := rec.(type) {
	case *TelemetrySample:
		m.Telemetry = r
	case *VisionEvent:
		m.Event = r
	}
	return m
}

// Update is the roster change the message implies, mirroring the server's
// aggregate update for the same record.
func (m LiveMessage) Update() DeviceUpdate {
	switch {
	case m.Telemetry != nil:
		return m.Telemetry.Update()
	case m.Event != nil:
		return m.Event.Update()
	}
	return DeviceUpdate{DeviceID: m.DeviceID, Online: m.Online, LastSeen: m.TS}
}
