package sqlstore

import (
	"encoding/json"
	"strconv"
	"time"

	"gorm.io/datatypes"

	"github.com/iotpulse/internal/models"
)

type deviceRow struct {
	DeviceID      string         `gorm:"column:device_id;primaryKey;size:128"`
	Online        bool           `gorm:"column:online;not null"`
	LastSeen      *time.Time     `gorm:"column:last_seen"`
	IP            *string        `gorm:"column:ip;size:64"`
	LastTelemetry datatypes.JSON `gorm:"column:last_telemetry;type:json"`
	LastEvent     datatypes.JSON `gorm:"column:last_event;type:json"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;not null;index:idx_devices_updated"`
}

func (deviceRow) TableName() string { return "iot_devices" }

type telemetryRow struct {
	ID          uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	DeviceID    string         `gorm:"column:device_id;size:128;not null;index:idx_telemetry_device_ts,priority:1"`
	TS          time.Time      `gorm:"column:ts;not null;index:idx_telemetry_device_ts,priority:2"`
	IP          *string        `gorm:"column:ip;size:64"`
	UptimeS     *int64         `gorm:"column:uptime_s"`
	CPUTempC    *float64       `gorm:"column:cpu_temp_c"`
	DiskUsedPct *float64       `gorm:"column:disk_used_pct"`
	Payload     datatypes.JSON `gorm:"column:payload;type:json;not null"`
}

func (telemetryRow) TableName() string { return "iot_telemetry" }

type eventRow struct {
	ID           uint64                                `gorm:"column:id;primaryKey;autoIncrement"`
	DeviceID     string                                `gorm:"column:device_id;size:128;not null;index:idx_events_device_ts,priority:1"`
	TS           time.Time                             `gorm:"column:ts;not null;index:idx_events_device_ts,priority:2"`
	Faces        *int                                  `gorm:"column:faces"`
	Labels       datatypes.JSONSlice[string]           `gorm:"column:labels;type:json"`
	SnapshotURL  *string                               `gorm:"column:snapshot_url;type:text"`
	SnapshotPath *string                               `gorm:"column:snapshot_path;type:text"`
	Detections   datatypes.JSONSlice[models.Detection] `gorm:"column:detections;type:json"`
	Payload      datatypes.JSON                        `gorm:"column:payload;type:json;not null"`
}

func (eventRow) TableName() string { return "iot_events" }

// rawJSON maps an absent snapshot to a NULL column.
func rawJSON(o models.Optional[json.RawMessage]) datatypes.JSON {
	if v, ok := o.Get(); ok {
		return datatypes.JSON(v)
	}
	return nil
}

func optionalJSON(j datatypes.JSON) models.Optional[json.RawMessage] {
	if len(j) == 0 {
		return models.None[json.RawMessage]()
	}
	return models.Some(json.RawMessage(j))
}

func newDeviceRow(u models.DeviceUpdate, now time.Time) deviceRow {
	lastSeen := u.LastSeen.UTC()
	return deviceRow{
		DeviceID:      u.DeviceID,
		Online:        u.Online,
		LastSeen:      &lastSeen,
		IP:            u.IP.Ptr(),
		LastTelemetry: rawJSON(u.Telemetry),
		LastEvent:     rawJSON(u.Event),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (r deviceRow) model() models.Device {
	d := models.Device{
		DeviceID:      r.DeviceID,
		Online:        r.Online,
		IP:            models.FromPtr(r.IP),
		LastTelemetry: optionalJSON(r.LastTelemetry),
		LastEvent:     optionalJSON(r.LastEvent),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if r.LastSeen != nil {
		d.LastSeen = models.Some(r.LastSeen.UTC())
	}
	return d
}

func newTelemetryRow(s *models.TelemetrySample) telemetryRow {
	return telemetryRow{
		DeviceID:    s.DeviceID,
		TS:          s.TS.UTC(),
		IP:          s.IP.Ptr(),
		UptimeS:     s.UptimeS.Ptr(),
		CPUTempC:    s.CPUTempC.Ptr(),
		DiskUsedPct: s.DiskUsedPct.Ptr(),
		Payload:     datatypes.JSON(s.Payload),
	}
}

func (r telemetryRow) model() models.TelemetrySample {
	return models.TelemetrySample{
		ID:          strconv.FormatUint(r.ID, 10),
		DeviceID:    r.DeviceID,
		TS:          r.TS.UTC(),
		IP:          models.FromPtr(r.IP),
		UptimeS:     models.FromPtr(r.UptimeS),
		CPUTempC:    models.FromPtr(r.CPUTempC),
		DiskUsedPct: models.FromPtr(r.DiskUsedPct),
		Payload:     json.RawMessage(r.Payload),
	}
}

func newEventRow(e *models.VisionEvent) eventRow {
	labels := e.Labels
	if labels == nil {
		labels = []string{}
	}
	return eventRow{
		DeviceID:     e.DeviceID,
		TS:           e.TS.UTC(),
		Faces:        e.Faces.Ptr(),
		Labels:       datatypes.NewJSONSlice(labels),
		SnapshotURL:  e.SnapshotURL.Ptr(),
		SnapshotPath: e.SnapshotPath.Ptr(),
		Detections:   datatypes.NewJSONSlice(e.Detections),
		Payload:      datatypes.JSON(e.Payload),
	}
}

func (r eventRow) model() models.VisionEvent {
	labels := []string(r.Labels)
	if labels == nil {
		labels = []string{}
	}
	return models.VisionEvent{
		ID:           strconv.FormatUint(r.ID, 10),
		DeviceID:     r.DeviceID,
		TS:           r.TS.UTC(),
		Faces:        models.FromPtr(r.Faces),
		Labels:       labels,
		SnapshotURL:  models.FromPtr(r.SnapshotURL),
		SnapshotPath: models.FromPtr(r.SnapshotPath),
		SnapshotB64:  models.InlineSnapshot(json.RawMessage(r.Payload)),
		Detections:   []models.Detection(r.Detections),
		Payload:      json.RawMessage(r.Payload),
	}
}
