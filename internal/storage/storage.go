//go:generate mockgen -destination=mock_store.go -package=storage github.com/iotpulse/internal/storage Store,Tx

// Package storage keeps the per-device aggregate rows and the append-only
// telemetry and event history.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/iotpulse/internal/models"
)

var (
	ErrTxFailed        = errors.New("storage transaction failed")
	ErrClosed          = errors.New("store is closed")
	ErrUnsupportedKind = errors.New("record kind has no storage mapping")
)

// History limits, enforced whatever the caller asks for.
const (
	MinTelemetryLimit     = 30
	MaxTelemetryLimit     = 2000
	DefaultTelemetryLimit = 180
	MinEventLimit         = 10
	MaxEventLimit         = 500
	DefaultEventLimit     = 80
)

// Store is implemented by the memory, MySQL and PostgreSQL backends.
type Store interface {
	// WithTx runs fn in one transaction. Nothing fn wrote is visible to
	// readers unless fn returns nil and the commit succeeds.
	WithTx(ctx context.Context, fn func(Tx) error) error
	// Devices returns every aggregate row, most recently updated first.
	Devices(ctx context.Context) ([]models.Device, error)
	// Telemetry and Events return the newest limit rows in ascending ts order.
	Telemetry(ctx context.Context, deviceID string, limit int) ([]models.TelemetrySample, error)
	Events(ctx context.Context, deviceID string, limit int) ([]models.VisionEvent, error)
	Close() error
}

// Tx is the write side of a transaction.
type Tx interface {
	UpsertDevice(ctx context.Context, u models.DeviceUpdate) error
	AppendTelemetry(ctx context.Context, s *models.TelemetrySample) error
	AppendEvent(ctx context.Context, e *models.VisionEvent) error
}

// ClampLimit bounds a requested history window for the given kind.
func ClampLimit(kind models.Kind, n int) int {
	switch kind {
	case models.KindTelemetry:
		return clamp(n, MinTelemetryLimit, MaxTelemetryLimit)
	case models.KindEvents:
		return clamp(n, MinEventLimit, MaxEventLimit)
	}
	return n
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// Ingest applies one normalized record: the aggregate upsert and, for
// telemetry and events, the history append, as a single transaction.
func Ingest(ctx context.Context, s Store, rec models.Record) error {
	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.UpsertDevice(ctx, rec.Update()); err != nil {
			return fmt.Errorf("upsert %s: %w", rec.Device(), err)
		}

		switch r := rec.(type) {
		case *models.TelemetrySample:
			if err := tx.AppendTelemetry(ctx, r); err != nil {
				return fmt.Errorf("append telemetry %s: %w", r.DeviceID, err)
			}
		case *models.VisionEvent:
			if err := tx.AppendEvent(ctx, r); err != nil {
				return fmt.Errorf("append event %s: %w", r.DeviceID, err)
			}
		case *models.OnlineStatus:
		default:
			return fmt.Errorf("%w: %T", ErrUnsupportedKind, rec)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrTxFailed) {
		return fmt.Errorf("%w: %w", ErrTxFailed, err)
	}
	return err
}

// Reverse flips a newest-first result set into chronological order.
func Reverse[T any](rows []T) []T {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows
}
