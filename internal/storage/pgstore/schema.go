package pgstore

// payload columns are JSON, not JSONB, so the received body is kept byte for
// byte. Other JSON columns are only ever decoded and stay JSONB.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS iot_devices (
	device_id      TEXT PRIMARY KEY,
	online         BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen      TIMESTAMPTZ,
	ip             TEXT,
	last_telemetry JSONB,
	last_event     JSONB,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_updated ON iot_devices (updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS iot_telemetry (
	id            BIGSERIAL PRIMARY KEY,
	device_id     TEXT NOT NULL,
	ts            TIMESTAMPTZ NOT NULL,
	ip            TEXT,
	uptime_s      BIGINT,
	cpu_temp_c    DOUBLE PRECISION,
	disk_used_pct DOUBLE PRECISION,
	payload       JSON NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_telemetry_device_ts ON iot_telemetry (device_id, ts)`,
	`CREATE TABLE IF NOT EXISTS iot_events (
	id            BIGSERIAL PRIMARY KEY,
	device_id     TEXT NOT NULL,
	ts            TIMESTAMPTZ NOT NULL,
	faces         INTEGER,
	labels        JSONB NOT NULL DEFAULT '[]',
	snapshot_url  TEXT,
	snapshot_path TEXT,
	detections    JSONB,
	payload       JSON NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_events_device_ts ON iot_events (device_id, ts)`,
}

// GREATEST ignores NULLs in PostgreSQL, so a first last_seen needs no COALESCE.
const upsertDeviceSQL = `
INSERT INTO iot_devices (device_id, online, last_seen, ip, last_telemetry, last_event, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $7)
ON CONFLICT (device_id) DO UPDATE SET
	online         = EXCLUDED.online,
	last_seen      = GREATEST(iot_devices.last_seen, EXCLUDED.last_seen),
	ip             = COALESCE(EXCLUDED.ip, iot_devices.ip),
	last_telemetry = COALESCE(EXCLUDED.last_telemetry, iot_devices.last_telemetry),
	last_event     = COALESCE(EXCLUDED.last_event, iot_devices.last_event),
	updated_at     = EXCLUDED.updated_at`

const insertTelemetrySQL = `
INSERT INTO iot_telemetry (device_id, ts, ip, uptime_s, cpu_temp_c, disk_used_pct, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7::json)`

const insertEventSQL = `
INSERT INTO iot_events (device_id, ts, faces, labels, snapshot_url, snapshot_path, detections, payload)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7::jsonb, $8::json)`

const selectDevicesSQL = `
SELECT device_id, online, last_seen, ip, last_telemetry, last_event, created_at, updated_at
FROM iot_devices
ORDER BY updated_at DESC, device_id`

const selectTelemetrySQL = `
SELECT id, device_id, ts, ip, uptime_s, cpu_temp_c, disk_used_pct, payload
FROM iot_telemetry
WHERE device_id = $1
ORDER BY ts DESC, id DESC
LIMIT $2`

const selectEventsSQL = `
SELECT id, device_id, ts, faces, labels, snapshot_url, snapshot_path, detections, payload
FROM iot_events
WHERE device_id = $1
ORDER BY ts DESC, id DESC
LIMIT $2`
