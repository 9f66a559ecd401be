package watch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotpulse/internal/logger"
	"github.com/iotpulse/internal/models"
)

func nextWithin(t *testing.T, f *Feed) tea.Msg {
	t.Helper()
	ch := make(chan tea.Msg, 1)
	go func() { ch <- f.Next()() }()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for feed message")
		return nil
	}
}

func TestFeedDeliversLiveMessages(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(models.LiveMessage{
			Kind:     models.KindOnline,
			DeviceID: "cam1",
			TS:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Online:   true,
		})
		// hold the connection until the client goes away
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := NewFeed("ws"+strings.TrimPrefix(srv.URL, "http"), 50*time.Millisecond, logger.NewTestLogger())
	go f.Run(ctx)

	assert.Equal(t, LinkMsg{State: LinkConnecting}, nextWithin(t, f))
	assert.Equal(t, LinkMsg{State: LinkConnected}, nextWithin(t, f))

	live, ok := nextWithin(t, f).(LiveMsg)
	require.True(t, ok)
	assert.Equal(t, "cam1", live.Message.DeviceID)
	assert.Equal(t, models.KindOnline, live.Message.Kind)
	assert.True(t, live.Message.Online)

	// Run closes the feed once cancelled; Next then yields nil.
	cancel()
	for nextWithin(t, f) != nil {
	}
}

func TestFeedReportsErrorAndRedials(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := NewFeed("ws"+strings.TrimPrefix(srv.URL, "http"), 10*time.Millisecond, logger.NewTestLogger())
	go f.Run(ctx)

	assert.Equal(t, LinkMsg{State: LinkConnecting}, nextWithin(t, f))

	failed, ok := nextWithin(t, f).(LinkMsg)
	require.True(t, ok)
	assert.Equal(t, LinkError, failed.State)
	assert.Error(t, failed.Err)

	assert.Equal(t, LinkMsg{State: LinkReconnecting}, nextWithin(t, f))
}

func TestLinkStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "connecting", LinkConnecting.String())
	assert.Equal(t, "connected", LinkConnected.String())
	assert.Equal(t, "reconnecting", LinkReconnecting.String())
	assert.Equal(t, "disconnected", LinkDisconnected.String())
	assert.Equal(t, "error", LinkError.String())
}
