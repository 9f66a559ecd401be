package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotpulse/internal/models"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func telemetryAt(device string, ts time.Time, body string) *models.TelemetrySample {
	return &models.TelemetrySample{DeviceID: device, TS: ts, Payload: json.RawMessage(body)}
}

func TestMemoryStoreCoalesce(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: base}
	s := NewMemoryStore(WithClock(clock.now))

	tel := telemetryAt("cam1", base, `{"cpu_temp_c":55.2}`)
	tel.IP = models.Some("10.0.0.9")
	require.NoError(t, Ingest(ctx, s, tel))

	clock.t = base.Add(time.Minute)
	require.NoError(t, Ingest(ctx, s, &models.VisionEvent{
		DeviceID: "cam1", TS: base.Add(time.Minute), Payload: json.RawMessage(`{"faces":2}`),
	}))

	devices, err := s.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)

	d := devices[0]
	assert.True(t, d.Online)
	assert.True(t, d.LastTelemetry.IsSet())
	assert.True(t, d.LastEvent.IsSet())
	assert.Equal(t, "10.0.0.9", d.IP.OrElse(""))
	assert.Equal(t, base, d.CreatedAt)
	assert.Equal(t, base.Add(time.Minute), d.UpdatedAt)
}

func TestMemoryStoreOnlineToggleIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: base}
	s := NewMemoryStore(WithClock(clock.now))

	require.NoError(t, Ingest(ctx, s, telemetryAt("cam1", base, `{}`)))

	first := &models.OnlineStatus{DeviceID: "cam1", Online: true, At: base.Add(10 * time.Second)}
	second := &models.OnlineStatus{DeviceID: "cam1", Online: true, At: base.Add(20 * time.Second)}
	require.NoError(t, Ingest(ctx, s, first))
	require.NoError(t, Ingest(ctx, s, second))

	devices, err := s.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.True(t, devices[0].Online)
	assert.Equal(t, base.Add(20*time.Second), devices[0].LastSeen.OrElse(time.Time{}))
	assert.True(t, devices[0].LastTelemetry.IsSet())
	assert.False(t, devices[0].LastEvent.IsSet())

	rows, err := s.Telemetry(ctx, "cam1", 30)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "status messages do not append history")
}

func TestMemoryStoreDevicesOrder(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: base}
	s := NewMemoryStore(WithClock(clock.now))

	for i, id := range []string{"b", "a", "c"} {
		clock.t = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, Ingest(ctx, s, &models.OnlineStatus{DeviceID: id, Online: true, At: clock.t}))
	}

	devices, err := s.Devices(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.DeviceID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestMemoryStoreRangeClamp(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// Appended out of order; reads must still come back chronological.
	for i := 2499; i >= 0; i-- {
		require.NoError(t, Ingest(ctx, s, telemetryAt("cam1", base.Add(time.Duration(i)*time.Second), `{}`)))
	}

	rows, err := s.Telemetry(ctx, "cam1", 5)
	require.NoError(t, err)
	require.Len(t, rows, MinTelemetryLimit)
	assert.Equal(t, base.Add(2470*time.Second), rows[0].TS)
	assert.Equal(t, base.Add(2499*time.Second), rows[len(rows)-1].TS)

	rows, err = s.Telemetry(ctx, "cam1", 999999)
	require.NoError(t, err)
	require.Len(t, rows, MaxTelemetryLimit)
	for i := 1; i < len(rows); i++ {
		assert.False(t, rows[i].TS.Before(rows[i-1].TS))
	}

	for i := 0; i < 12; i++ {
		require.NoError(t, Ingest(ctx, s, &models.VisionEvent{
			DeviceID: "cam1", TS: base.Add(time.Duration(i) * time.Second), Payload: json.RawMessage(`{}`),
		}))
	}
	events, err := s.Events(ctx, "cam1", 1)
	require.NoError(t, err)
	assert.Len(t, events, MinEventLimit)

	none, err := s.Events(ctx, "unknown", 80)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStoreDuplicatesKept(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, Ingest(ctx, s, telemetryAt("cam1", base, `{"n":1}`)))
	require.NoError(t, Ingest(ctx, s, telemetryAt("cam1", base, `{"n":2}`)))

	rows, err := s.Telemetry(ctx, "cam1", 30)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.NotEqual(t, rows[0].ID, rows[1].ID)
	assert.JSONEq(t, `{"n":1}`, string(rows[0].Payload))
	assert.JSONEq(t, `{"n":2}`, string(rows[1].Payload))
}

func TestMemoryStoreJournalReplay(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	clock := &fakeClock{t: base}

	s, err := OpenMemoryStore(path, WithClock(clock.now))
	require.NoError(t, err)

	tel := telemetryAt("cam1", base, `{"cpu_temp_c":40}`)
	tel.CPUTempC = models.Some(40.0)
	require.NoError(t, Ingest(ctx, s, tel))
	clock.t = base.Add(time.Second)
	require.NoError(t, Ingest(ctx, s, &models.VisionEvent{
		DeviceID: "cam1", TS: base, Labels: []string{"person"}, Payload: json.RawMessage(`{"labels":["person"]}`),
	}))

	before, err := s.Telemetry(ctx, "cam1", 30)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// A torn trailing write is skipped on replay.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = fmt.Fprint(f, `{"at":"2024-01-01T00:`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := OpenMemoryStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	after, err := reopened.Telemetry(ctx, "cam1", 30)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].ID, after[0].ID)
	assert.Equal(t, 40.0, after[0].CPUTempC.OrElse(0))

	events, err := reopened.Events(ctx, "cam1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"person"}, events[0].Labels)

	devices, err := reopened.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.True(t, devices[0].LastTelemetry.IsSet())
	assert.True(t, devices[0].LastEvent.IsSet())
	assert.Equal(t, base.Add(time.Second), devices[0].UpdatedAt)
}

func TestMemoryStoreWritesAfterTornTailSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.jsonl")

	s, err := OpenMemoryStore(path)
	require.NoError(t, err)
	require.NoError(t, Ingest(ctx, s, telemetryAt("cam1", base, `{"n":1}`)))
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = fmt.Fprint(f, `{"at":"2024-01-01T00:`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = OpenMemoryStore(path)
	require.NoError(t, err)
	require.NoError(t, Ingest(ctx, s, telemetryAt("cam1", base.Add(time.Second), `{"n":2}`)))
	require.NoError(t, Ingest(ctx, s, telemetryAt("cam1", base.Add(2*time.Second), `{"n":3}`)))
	require.NoError(t, s.Close())

	s, err = OpenMemoryStore(path)
	require.NoError(t, err)
	defer s.Close()

	rows, err := s.Telemetry(ctx, "cam1", 30)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	var got []string
	for _, r := range rows {
		got = append(got, string(r.Payload))
	}
	assert.ElementsMatch(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, got)
}

func TestMemoryStoreCorruptEntryMidJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")

	s, err := OpenMemoryStore(path)
	require.NoError(t, err)
	require.NoError(t, Ingest(context.Background(), s, telemetryAt("cam1", base, `{"n":1}`)))
	require.NoError(t, s.Close())

	good, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append([]byte("{not json\n"), good...), 0o644))

	_, err = OpenMemoryStore(path)
	assert.ErrorContains(t, err, "corrupt journal entry")
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	_, err := s.Devices(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, Ingest(context.Background(), s, &models.OnlineStatus{DeviceID: "x"}), ErrClosed)
}
