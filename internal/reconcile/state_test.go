package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotpulse/internal/models"
)

type memSelection struct {
	id      string
	saves   []string
	loadErr error
}

func (m *memSelection) LoadSelection() (string, error) { return m.id, m.loadErr }

func (m *memSelection) SaveSelection(id string) error {
	m.id = id
	m.saves = append(m.saves, id)
	return nil
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func event(id string, ts time.Time, faces int) models.VisionEvent {
	return models.VisionEvent{
		DeviceID: id,
		TS:       ts,
		Faces:    models.Some(faces),
		Labels:   []string{},
		Payload:  json.RawMessage(fmt.Sprintf(`{"faces":%d}`, faces)),
	}
}

func liveEvent(id string, ts time.Time, faces int) models.LiveMessage {
	e := event(id, ts, faces)
	return models.NewLiveMessage(&e)
}

func TestPollInterval(t *testing.T) {
	t.Parallel()

	assert.Equal(t, MinPollInterval, PollInterval(0))
	assert.Equal(t, MinPollInterval, PollInterval(3))
	assert.Equal(t, 30*time.Second, PollInterval(30))
}

func TestRosterSoftUnionCoalesce(t *testing.T) {
	t.Parallel()

	s, err := New(nil, 0)
	require.NoError(t, err)

	require.NoError(t, s.ApplyRoster([]models.Device{
		{DeviceID: "cam2", Online: true, IP: models.Some("10.0.0.2"), LastSeen: models.Some(t0)},
		{DeviceID: "cam1", Online: true, LastTelemetry: models.Some(json.RawMessage(`{"a":1}`))},
	}))
	assert.Equal(t, "cam1", s.Selected())

	// cam2 missing from the poll and cam1 without telemetry: both kept.
	require.NoError(t, s.ApplyRoster([]models.Device{
		{DeviceID: "cam1", Online: false},
	}))

	roster := s.Roster(Filter{})
	require.Len(t, roster, 2)
	assert.Equal(t, "cam1", roster[0].DeviceID)
	assert.False(t, roster[0].Online)
	assert.JSONEq(t, `{"a":1}`, string(roster[0].LastTelemetry.OrElse(nil)))
	assert.Equal(t, "10.0.0.2", roster[1].IP.OrElse(""))
}

func TestRosterFilter(t *testing.T) {
	t.Parallel()

	s, _ := New(nil, 0)
	require.NoError(t, s.ApplyRoster([]models.Device{
		{DeviceID: "Garage-Cam", Online: true},
		{DeviceID: "porch", Online: false},
		{DeviceID: "garden", Online: false},
	}))

	ids := func(ds []models.Device) []string {
		out := []string{}
		for _, d := range ds {
			out = append(out, d.DeviceID)
		}
		return out
	}
	assert.Equal(t, []string{"Garage-Cam"}, ids(s.Roster(Filter{OnlyOnline: true})))
	assert.Equal(t, []string{"Garage-Cam", "garden"}, ids(s.Roster(Filter{Query: " GAR "})))
	assert.Empty(t, s.Roster(Filter{OnlyOnline: true, Query: "porch"}))
}

func TestSelectionPersistedAndFallback(t *testing.T) {
	t.Parallel()

	sel := &memSelection{id: "cam9"}
	s, err := New(sel, 0)
	require.NoError(t, err)
	assert.Equal(t, "cam9", s.Selected())

	require.NoError(t, s.ApplyRoster([]models.Device{{DeviceID: "cam9"}, {DeviceID: "cam1"}}))
	assert.Equal(t, "cam9", s.Selected(), "known selection survives polls")
	assert.Empty(t, sel.saves)

	s2, err := New(&memSelection{id: "gone"}, 0)
	require.NoError(t, err)
	require.NoError(t, s2.ApplyRoster([]models.Device{{DeviceID: "zeta"}, {DeviceID: "alpha"}}))
	assert.Equal(t, "alpha", s2.Selected())

	require.NoError(t, s.Select("cam1"))
	assert.Equal(t, []string{"cam1"}, sel.saves)
}

func TestLoadSelectionError(t *testing.T) {
	t.Parallel()

	s, err := New(&memSelection{loadErr: errors.New("corrupt")}, 0)
	require.Error(t, err)
	require.NotNil(t, s)
	assert.Empty(t, s.Selected())
}

func TestFirstLiveMessageSelects(t *testing.T) {
	t.Parallel()

	s, _ := New(nil, 0)
	require.NoError(t, s.ApplyLive(liveEvent("cam3", t0, 1)))

	assert.Equal(t, "cam3", s.Selected())
	require.Len(t, s.Live(), 1)

	d, ok := s.SelectedDevice()
	require.True(t, ok)
	assert.True(t, d.Online)
	assert.True(t, d.LastEvent.IsSet())
}

func TestLiveUpdatesRosterOnly(t *testing.T) {
	t.Parallel()

	s, _ := New(nil, 0)
	require.NoError(t, s.ApplyRoster([]models.Device{{DeviceID: "cam1"}}))

	require.NoError(t, s.ApplyLive(liveEvent("cam2", t0, 1)))
	assert.Empty(t, s.Live(), "events for other devices are not buffered")
	assert.Len(t, s.Roster(Filter{}), 2)

	require.NoError(t, s.ApplyLive(models.LiveMessage{Kind: models.KindOnline, DeviceID: "cam2", TS: t0.Add(time.Minute)}))
	roster := s.Roster(Filter{})
	assert.False(t, roster[1].Online)
	assert.Equal(t, t0.Add(time.Minute), roster[1].LastSeen.OrElse(time.Time{}))
}

func TestLiveBufferCap(t *testing.T) {
	t.Parallel()

	s, _ := New(nil, 0)
	for i := 0; i < 50; i++ {
		require.NoError(t, s.ApplyLive(liveEvent("cam1", t0.Add(time.Duration(i)*time.Second), i)))
	}
	live := s.Live()
	require.Len(t, live, LiveBufferCap)
	assert.Equal(t, 49, live[0].Faces.OrElse(-1))
	assert.Equal(t, 10, live[LiveBufferCap-1].Faces.OrElse(-1))
}

func TestSelectClearsLiveAndHistory(t *testing.T) {
	t.Parallel()

	s, _ := New(nil, 0)
	require.NoError(t, s.ApplyLive(liveEvent("cam1", t0, 1)))
	require.True(t, s.ApplyHistory("cam1", nil, []models.VisionEvent{event("cam1", t0.Add(-time.Minute), 0)}))
	require.Len(t, s.Timeline(), 2)

	require.NoError(t, s.Select("cam2"))
	assert.Empty(t, s.Live())
	assert.Empty(t, s.Timeline())
}

func TestStaleHistoryDiscarded(t *testing.T) {
	t.Parallel()

	s, _ := New(nil, 0)
	require.NoError(t, s.ApplyRoster([]models.Device{{DeviceID: "a"}, {DeviceID: "b"}}))
	require.NoError(t, s.Select("b"))

	applied := s.ApplyHistory("a", []models.TelemetrySample{{DeviceID: "a", TS: t0}}, []models.VisionEvent{event("a", t0, 1)})
	assert.False(t, applied)
	assert.Empty(t, s.Timeline())
	assert.Empty(t, s.Telemetry())
}

func TestClearLiveKeepsHistory(t *testing.T) {
	t.Parallel()

	s, _ := New(nil, 0)
	require.NoError(t, s.ApplyLive(liveEvent("cam1", t0, 1)))
	s.ApplyHistory("cam1", nil, []models.VisionEvent{event("cam1", t0.Add(-time.Minute), 0)})

	s.ClearLive()
	tl := s.Timeline()
	require.Len(t, tl, 1)
	assert.Equal(t, SourceHistorical, tl[0].Source)
}
