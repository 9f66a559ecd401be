package models

import (
	"encoding/json"
	"time"
)

// Detection is one detected object inside a vision event.
type Detection struct {
	Label Optional[string]  `json:"label"`
	Conf  Optional[float64] `json:"conf"`
}

// VisionEvent is a discrete detection result reported by a camera device.
type VisionEvent struct {
	ID           string           `json:"-"`
	DeviceID     string           `json:"device_id"`
	TS           time.Time        `json:"ts"`
	IP           Optional[string] `json:"ip"`
	Faces        Optional[int]    `json:"faces"`
	Labels       []string         `json:"labels"`
	SnapshotURL  Optional[string] `json:"snapshot_url"`
	SnapshotPath Optional[string] `json:"snapshot_path"`
	// SnapshotB64 is an inline base64 image. It is not stored in a column of
	// its own; backends restore it from Payload.
	SnapshotB64 Optional[string] `json:"snapshot_b64"`
	Detections  []Detection      `json:"detections,omitempty"`
	Payload     json.RawMessage  `json:"payload"`
}

func (e *VisionEvent) Device() string       { return e.DeviceID }
func (e *VisionEvent) Kind() Kind           { return KindEvents }
func (e *VisionEvent) Timestamp() time.Time { return e.TS }

func (e *VisionEvent) Update() DeviceUpdate {
	return DeviceUpdate{
		DeviceID: e.DeviceID,
		Online:   true,
		LastSeen: e.TS,
		IP:       e.IP,
		Event:    Some(e.Payload),
	}
}

// InlineSnapshot extracts snapshot_b64 from a raw event body.
func InlineSnapshot(payload json.RawMessage) Optional[string] {
	var v struct {
		SnapshotB64 *string `json:"snapshot_b64"`
	}
	if len(payload) == 0 || json.Unmarshal(payload, &v) != nil {
		return None[string]()
	}
	return FromPtr(v.SnapshotB64)
}
