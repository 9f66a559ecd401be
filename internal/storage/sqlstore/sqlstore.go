// Package sqlstore is the MySQL storage backend, built on gorm.
package sqlstore

import (
	"context"
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/iotpulse/internal/models"
	"github.com/iotpulse/internal/storage"
)

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to MySQL and creates the tables and indexes when missing.
func Open(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	c, err := dsnConfig(dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(mysql.New(mysql.Config{DSN: c.FormatDSN(), DSNConfig: c}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}

	if maxConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(maxConns)
	}

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// dsnConfig parses dsn and pins the options the row mapping relies on:
// DATETIME columns scan into time.Time and are read and written as UTC.
func dsnConfig(dsn string) (*gomysql.Config, error) {
	c, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: dsn: %w", err)
	}
	c.ParseTime = true
	c.Loc = time.UTC
	return c, nil
}

func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&deviceRow{}, &telemetryRow{}, &eventRow{}); err != nil {
		return fmt.Errorf("mysql: migrate: %w", err)
	}
	return nil
}

// upsertClause is the coalescing ON DUPLICATE KEY UPDATE for iot_devices.
// Absent values arrive as NULL and keep the stored column.
func upsertClause() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.Set{
			{Column: clause.Column{Name: "online"}, Value: gorm.Expr("VALUES(online)")},
			{Column: clause.Column{Name: "last_seen"}, Value: gorm.Expr("GREATEST(COALESCE(last_seen, VALUES(last_seen)), VALUES(last_seen))")},
			{Column: clause.Column{Name: "ip"}, Value: gorm.Expr("COALESCE(VALUES(ip), ip)")},
			{Column: clause.Column{Name: "last_telemetry"}, Value: gorm.Expr("COALESCE(VALUES(last_telemetry), last_telemetry)")},
			{Column: clause.Column{Name: "last_event"}, Value: gorm.Expr("COALESCE(VALUES(last_event), last_event)")},
			{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("VALUES(updated_at)")},
		},
	}
}

type gormTx struct {
	db  *gorm.DB
	now time.Time
}

func (t *gormTx) UpsertDevice(ctx context.Context, u models.DeviceUpdate) error {
	row := newDeviceRow(u, t.now)
	return t.db.WithContext(ctx).Clauses(upsertClause()).Create(&row).Error
}

func (t *gormTx) AppendTelemetry(ctx context.Context, s *models.TelemetrySample) error {
	row := newTelemetryRow(s)
	return t.db.WithContext(ctx).Create(&row).Error
}

func (t *gormTx) AppendEvent(ctx context.Context, e *models.VisionEvent) error {
	row := newEventRow(e)
	return t.db.WithContext(ctx).Create(&row).Error
}

func (s *Store) WithTx(ctx context.Context, fn func(storage.Tx) error) error {
	now := s.now().UTC().Truncate(time.Second)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx, now: now})
	})
	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrTxFailed, err)
	}
	return nil
}

func (s *Store) Devices(ctx context.Context) ([]models.Device, error) {
	var rows []deviceRow
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Order("device_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("mysql: devices: %w", err)
	}

	out := make([]models.Device, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *Store) Telemetry(ctx context.Context, deviceID string, limit int) ([]models.TelemetrySample, error) {
	var rows []telemetryRow
	err := s.recent(ctx, deviceID, storage.ClampLimit(models.KindTelemetry, limit)).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("mysql: telemetry %s: %w", deviceID, err)
	}

	out := make([]models.TelemetrySample, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return storage.Reverse(out), nil
}

func (s *Store) Events(ctx context.Context, deviceID string, limit int) ([]models.VisionEvent, error) {
	var rows []eventRow
	err := s.recent(ctx, deviceID, storage.ClampLimit(models.KindEvents, limit)).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("mysql: events %s: %w", deviceID, err)
	}

	out := make([]models.VisionEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return storage.Reverse(out), nil
}

// recent selects the newest rows first; callers reverse.
func (s *Store) recent(ctx context.Context, deviceID string, limit int) *gorm.DB {
	return s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("ts DESC").
		Order("id DESC").
		Limit(limit)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
