package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotpulse/internal/logger"
	"github.com/iotpulse/internal/metrics"
	"github.com/iotpulse/internal/models"
	"github.com/iotpulse/internal/mqttclient"
	"github.com/iotpulse/internal/topic"
)

func startHub(t *testing.T) (*Hub, *metrics.Metrics, string) {
	t.Helper()

	m := metrics.New()
	hub := NewHub(m, logger.NewTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	return hub, m, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcast(t *testing.T) {
	hub, m, url := startHub(t)

	a := dial(t, url)
	b := dial(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.True(t, hub.Publish(models.NewLiveMessage(&models.OnlineStatus{DeviceID: "cam1", Online: true, At: ts})))

	for _, c := range []*websocket.Conn{a, b} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got models.LiveMessage
		require.NoError(t, c.ReadJSON(&got))
		assert.Equal(t, "cam1", got.DeviceID)
		assert.Equal(t, models.KindOnline, got.Kind)
		assert.True(t, got.Online)
		assert.Equal(t, ts, got.TS.UTC())
	}
	assert.InDelta(t, 1, testutil.ToFloat64(m.Relayed), 0)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

type fakeConn struct {
	subs []string
	lost chan error
}

func (f *fakeConn) Subscribe(_ context.Context, t string, _ byte, _ mqttclient.Handler) error {
	f.subs = append(f.subs, t)
	return nil
}
func (f *fakeConn) Lost() <-chan error { return f.lost }
func (f *fakeConn) Close()             {}

func TestRelayNormalizesAndForwards(t *testing.T) {
	hub, _, url := startHub(t)
	c := dial(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	relay := NewRelay(hub, topic.NewRouter("home/iot"), time.Millisecond, logger.NewTestLogger())

	relay.Handle(mqttclient.Message{Topic: "home/iot/cam1/status/battery", Payload: []byte("9")})
	relay.Handle(mqttclient.Message{Topic: "home/iot/cam1/events", Payload: []byte("oops")})
	relay.Handle(mqttclient.Message{
		Topic:   "home/iot/cam1/events",
		Payload: []byte(`{"ts":"2024-01-01T00:00:05Z","faces":2,"labels":["person"]}`),
	})

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got models.LiveMessage
	require.NoError(t, c.ReadJSON(&got))
	assert.Equal(t, models.KindEvents, got.Kind)
	require.NotNil(t, got.Event)
	assert.Equal(t, 2, got.Event.Faces.OrElse(0))
	assert.Equal(t, []string{"person"}, got.Event.Labels)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC), got.TS.UTC())
}

func TestRelayRunResubscribes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(metrics.New(), logger.NewTestLogger())
	relay := NewRelay(hub, topic.NewRouter("home/iot"), time.Millisecond, logger.NewTestLogger())

	conns := make(chan *fakeConn, 4)
	dials := 0
	dialFn := func(context.Context) (Conn, error) {
		dials++
		if dials == 1 {
			return nil, errors.New("refused")
		}
		c := &fakeConn{lost: make(chan error, 1)}
		conns <- c
		return c, nil
	}

	done := make(chan struct{})
	go func() {
		relay.Run(ctx, dialFn)
		close(done)
	}()

	first := <-conns
	first.lost <- errors.New("dropped")
	second := <-conns
	cancel()
	<-done

	assert.Len(t, first.subs, 3)
	assert.Len(t, second.subs, 3)
}

func TestNewRelayDefaultsDelay(t *testing.T) {
	hub := NewHub(metrics.New(), logger.NewTestLogger())
	for _, d := range []time.Duration{0, -time.Second} {
		r := NewRelay(hub, topic.NewRouter("home/iot"), d, logger.NewTestLogger())
		assert.Equal(t, defaultReconnectDelay, r.delay, "delay %s", d)
	}
	r := NewRelay(hub, topic.NewRouter("home/iot"), 250*time.Millisecond, logger.NewTestLogger())
	assert.Equal(t, 250*time.Millisecond, r.delay)
}
