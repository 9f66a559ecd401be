package models

import (
	"encoding/json"
	"time"
)

// TelemetrySample is one periodic health sample. Samples are append-only.
type TelemetrySample struct {
	ID          string            `json:"-"`
	DeviceID    string            `json:"device_id"`
	TS          time.Time         `json:"ts"`
	IP          Optional[string]  `json:"ip"`
	UptimeS     Optional[int64]   `json:"uptime_s"`
	CPUTempC    Optional[float64] `json:"cpu_temp_c"`
	DiskUsedPct Optional[float64] `json:"disk_used_pct"`
	Payload     json.RawMessage   `json:"payload"`
}

func (s *TelemetrySample) Device() string       { return s.DeviceID }
func (s *TelemetrySample) Kind() Kind           { return KindTelemetry }
func (s *TelemetrySample) Timestamp() time.Time { return s.TS }

func (s *TelemetrySample) Update() DeviceUpdate {
	return DeviceUpdate{
		DeviceID:  s.DeviceID,
		Online:    true,
		LastSeen:  s.TS,
		IP:        s.IP,
		Telemetry: Some(s.Payload),
	}
}
