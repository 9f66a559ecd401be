// Package pgstore is the PostgreSQL storage backend, built on pgx.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iotpulse/internal/logger"
	"github.com/iotpulse/internal/models"
	"github.com/iotpulse/internal/storage"
)

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open dials PostgreSQL and bootstraps the schema.
func Open(ctx context.Context, dsn string, maxConns int, log logger.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to initialize pool: %w", err)
	}

	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: schema: %w", err)
		}
	}

	log.Info().
		Str("host", poolConfig.ConnConfig.Host).
		Int32("max_conns", poolConfig.MaxConns).
		Msg("postgres storage ready")

	return &Store{pool: pool, now: time.Now}, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type pgTx struct {
	tx  execer
	now time.Time
}

func (t *pgTx) UpsertDevice(ctx context.Context, u models.DeviceUpdate) error {
	_, err := t.tx.Exec(ctx, upsertDeviceSQL,
		u.DeviceID,
		u.Online,
		u.LastSeen.UTC(),
		u.IP.Ptr(),
		jsonArg(u.Telemetry),
		jsonArg(u.Event),
		t.now,
	)
	return err
}

func (t *pgTx) AppendTelemetry(ctx context.Context, s *models.TelemetrySample) error {
	_, err := t.tx.Exec(ctx, insertTelemetrySQL,
		s.DeviceID,
		s.TS.UTC(),
		s.IP.Ptr(),
		s.UptimeS.Ptr(),
		s.CPUTempC.Ptr(),
		s.DiskUsedPct.Ptr(),
		string(s.Payload),
	)
	return err
}

func (t *pgTx) AppendEvent(ctx context.Context, e *models.VisionEvent) error {
	labels := e.Labels
	if labels == nil {
		labels = []string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return err
	}

	var detections *string
	if len(e.Detections) > 0 {
		b, err := json.Marshal(e.Detections)
		if err != nil {
			return err
		}
		s := string(b)
		detections = &s
	}

	_, err = t.tx.Exec(ctx, insertEventSQL,
		e.DeviceID,
		e.TS.UTC(),
		e.Faces.Ptr(),
		string(labelsJSON),
		e.SnapshotURL.Ptr(),
		e.SnapshotPath.Ptr(),
		detections,
		string(e.Payload),
	)
	return err
}

// jsonArg passes an absent snapshot as SQL NULL.
func jsonArg(o models.Optional[json.RawMessage]) *string {
	v, ok := o.Get()
	if !ok {
		return nil
	}
	s := string(v)
	return &s
}

func (s *Store) WithTx(ctx context.Context, fn func(storage.Tx) error) error {
	now := s.now().UTC().Truncate(time.Second)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx, now: now})
	})
	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrTxFailed, err)
	}
	return nil
}

func (s *Store) Devices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.pool.Query(ctx, selectDevicesSQL)
	if err != nil {
		return nil, fmt.Errorf("postgres: devices: %w", err)
	}
	defer rows.Close()

	var out []models.Device
	for rows.Next() {
		var (
			d              models.Device
			lastSeen       *time.Time
			ip             *string
			tel, lastEvent []byte
		)
		if err := rows.Scan(&d.DeviceID, &d.Online, &lastSeen, &ip, &tel, &lastEvent, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan device: %w", err)
		}
		if lastSeen != nil {
			d.LastSeen = models.Some(lastSeen.UTC())
		}
		d.IP = models.FromPtr(ip)
		d.LastTelemetry = optionalJSON(tel)
		d.LastEvent = optionalJSON(lastEvent)
		d.CreatedAt = d.CreatedAt.UTC()
		d.UpdatedAt = d.UpdatedAt.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

func optionalJSON(b []byte) models.Optional[json.RawMessage] {
	if b == nil {
		return models.None[json.RawMessage]()
	}
	return models.Some(json.RawMessage(b))
}

func (s *Store) Telemetry(ctx context.Context, deviceID string, limit int) ([]models.TelemetrySample, error) {
	rows, err := s.pool.Query(ctx, selectTelemetrySQL, deviceID, storage.ClampLimit(models.KindTelemetry, limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: telemetry %s: %w", deviceID, err)
	}
	defer rows.Close()

	var out []models.TelemetrySample
	for rows.Next() {
		var (
			t       models.TelemetrySample
			id      int64
			ip      *string
			uptime  *int64
			cpu     *float64
			disk    *float64
			payload []byte
		)
		if err := rows.Scan(&id, &t.DeviceID, &t.TS, &ip, &uptime, &cpu, &disk, &payload); err != nil {
			return nil, fmt.Errorf("postgres: scan telemetry: %w", err)
		}
		t.ID = strconv.FormatInt(id, 10)
		t.TS = t.TS.UTC()
		t.IP = models.FromPtr(ip)
		t.UptimeS = models.FromPtr(uptime)
		t.CPUTempC = models.FromPtr(cpu)
		t.DiskUsedPct = models.FromPtr(disk)
		t.Payload = payload
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return storage.Reverse(out), nil
}

func (s *Store) Events(ctx context.Context, deviceID string, limit int) ([]models.VisionEvent, error) {
	rows, err := s.pool.Query(ctx, selectEventsSQL, deviceID, storage.ClampLimit(models.KindEvents, limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: events %s: %w", deviceID, err)
	}
	defer rows.Close()

	var out []models.VisionEvent
	for rows.Next() {
		var (
			e                  models.VisionEvent
			id                 int64
			faces              *int32
			labels, detections []byte
			url, path          *string
			payload            []byte
		)
		if err := rows.Scan(&id, &e.DeviceID, &e.TS, &faces, &labels, &url, &path, &detections, &payload); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		e.ID = strconv.FormatInt(id, 10)
		e.TS = e.TS.UTC()
		if faces != nil {
			e.Faces = models.Some(int(*faces))
		}
		e.Labels = []string{}
		if len(labels) > 0 {
			if err := json.Unmarshal(labels, &e.Labels); err != nil {
				return nil, fmt.Errorf("postgres: event labels: %w", err)
			}
		}
		if len(detections) > 0 {
			if err := json.Unmarshal(detections, &e.Detections); err != nil {
				return nil, fmt.Errorf("postgres: event detections: %w", err)
			}
		}
		e.SnapshotURL = models.FromPtr(url)
		e.SnapshotPath = models.FromPtr(path)
		e.SnapshotB64 = models.InlineSnapshot(payload)
		e.Payload = payload
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return storage.Reverse(out), nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
