package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iotpulse/internal/models"
)

// MemoryStore keeps all state in maps guarded by one lock. With a journal
// path every committed transaction is appended to a JSON-lines file first
// and replayed on open, so the store survives restarts.
type MemoryStore struct {
	mu        sync.RWMutex
	devices   map[string]*models.Device
	telemetry map[string][]models.TelemetrySample
	events    map[string][]models.VisionEvent
	journal   *journal
	now       func() time.Time
	closed    bool
}

type MemoryOption func(*MemoryStore)

// WithClock overrides the clock used for created_at and updated_at.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		devices:   make(map[string]*models.Device),
		telemetry: make(map[string][]models.TelemetrySample),
		events:    make(map[string][]models.VisionEvent),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OpenMemoryStore restores the store from the journal at path, creating the
// file when missing.
func OpenMemoryStore(path string, opts ...MemoryOption) (*MemoryStore, error) {
	m := NewMemoryStore(opts...)

	j, err := openJournal(path)
	if err != nil {
		return nil, err
	}
	if err := j.replay(m.applyEntry); err != nil {
		_ = j.close()
		return nil, fmt.Errorf("replay %s: %w", path, err)
	}
	m.journal = j
	return m, nil
}

// memTx stages writes; the store lock is held for its whole lifetime.
type memTx struct {
	store  *MemoryStore
	entry  journalEntry
	staged map[string]*models.Device
}

func (t *memTx) UpsertDevice(_ context.Context, u models.DeviceUpdate) error {
	if u.DeviceID == "" {
		return fmt.Errorf("upsert: empty device id")
	}

	d, ok := t.staged[u.DeviceID]
	if !ok {
		if cur, exists := t.store.devices[u.DeviceID]; exists {
			d = cur.Clone()
		} else {
			d = models.NewDevice(u.DeviceID, t.entry.At)
		}
		t.staged[u.DeviceID] = d
	}
	d.Apply(u, t.entry.At)
	t.entry.Updates = append(t.entry.Updates, u)
	return nil
}

func (t *memTx) AppendTelemetry(_ context.Context, s *models.TelemetrySample) error {
	t.entry.Telemetry = append(t.entry.Telemetry, telemetryRow{RowID: uuid.NewString(), TelemetrySample: *s})
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, e *models.VisionEvent) error {
	t.entry.Events = append(t.entry.Events, eventRow{RowID: uuid.NewString(), VisionEvent: *e})
	return nil
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	tx := &memTx{
		store:  m,
		entry:  journalEntry{At: m.now().UTC().Truncate(time.Second)},
		staged: make(map[string]*models.Device),
	}
	if err := fn(tx); err != nil {
		return err
	}

	if m.journal != nil {
		if err := m.journal.append(tx.entry); err != nil {
			return fmt.Errorf("%w: journal: %w", ErrTxFailed, err)
		}
	}

	for id, d := range tx.staged {
		m.devices[id] = d
	}
	m.appendRows(tx.entry)
	return nil
}

// applyEntry replays a journaled transaction.
func (m *MemoryStore) applyEntry(e journalEntry) {
	for _, u := range e.Updates {
		d, ok := m.devices[u.DeviceID]
		if !ok {
			d = models.NewDevice(u.DeviceID, e.At)
			m.devices[u.DeviceID] = d
		}
		d.Apply(u, e.At)
	}
	m.appendRows(e)
}

func (m *MemoryStore) appendRows(e journalEntry) {
	for _, r := range e.Telemetry {
		s := r.TelemetrySample
		s.ID = r.RowID
		m.telemetry[s.DeviceID] = insertByTS(m.telemetry[s.DeviceID], s, func(v models.TelemetrySample) time.Time { return v.TS })
	}
	for _, r := range e.Events {
		ev := r.VisionEvent
		ev.ID = r.RowID
		m.events[ev.DeviceID] = insertByTS(m.events[ev.DeviceID], ev, func(v models.VisionEvent) time.Time { return v.TS })
	}
}

// insertByTS keeps rows sorted by timestamp, placing equal timestamps in
// arrival order.
func insertByTS[T any](rows []T, row T, ts func(T) time.Time) []T {
	t := ts(row)
	i := sort.Search(len(rows), func(i int) bool { return ts(rows[i]).After(t) })
	rows = append(rows, row)
	copy(rows[i+1:], rows[i:])
	rows[i] = row
	return rows
}

func (m *MemoryStore) Devices(_ context.Context) ([]models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	out := make([]models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out, nil
}

func (m *MemoryStore) Telemetry(_ context.Context, deviceID string, limit int) ([]models.TelemetrySample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	return tail(m.telemetry[deviceID], ClampLimit(models.KindTelemetry, limit)), nil
}

func (m *MemoryStore) Events(_ context.Context, deviceID string, limit int) ([]models.VisionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	return tail(m.events[deviceID], ClampLimit(models.KindEvents, limit)), nil
}

// tail copies the last n rows so callers never alias store memory.
func tail[T any](rows []T, n int) []T {
	if len(rows) > n {
		rows = rows[len(rows)-n:]
	}
	out := make([]T, len(rows))
	copy(out, rows)
	return out
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if m.journal != nil {
		return m.journal.close()
	}
	return nil
}
