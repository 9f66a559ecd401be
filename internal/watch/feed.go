package watch

import (
	"context"
	"encoding/json"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/iotpulse/internal/logger"
	"github.com/iotpulse/internal/models"
)

const DefaultRedialDelay = 2 * time.Second

// LinkState is the live feed badge.
type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkConnected
	LinkReconnecting
	LinkDisconnected
	LinkError
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkReconnecting:
		return "reconnecting"
	case LinkDisconnected:
		return "disconnected"
	case LinkError:
		return "error"
	default:
		return "unknown"
	}
}

// LinkMsg reports a live feed state change to the model.
type LinkMsg struct {
	State LinkState
	Err   error
}

// LiveMsg carries one relayed message into the model.
type LiveMsg struct {
	Message models.LiveMessage
}

// Feed keeps a websocket to the relay open, redialing after a fixed delay,
// and hands everything it sees to the bubbletea loop through Next.
type Feed struct {
	url    string
	dialer *websocket.Dialer
	delay  time.Duration
	out    chan tea.Msg
	log    logger.Logger
}

func NewFeed(url string, delay time.Duration, log logger.Logger) *Feed {
	if delay <= 0 {
		delay = DefaultRedialDelay
	}
	return &Feed{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 8 * time.Second,
		},
		delay: delay,
		out:   make(chan tea.Msg, 64),
		log:   log.WithComponent("feed"),
	}
}

// Next waits for the next feed message. The model re-issues it after every
// LinkMsg or LiveMsg; it yields nil once Run has returned.
func (f *Feed) Next() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-f.out
		if !ok {
			return nil
		}
		return msg
	}
}

// Run dials until ctx is done. It closes the feed on return.
func (f *Feed) Run(ctx context.Context) {
	defer close(f.out)

	state := LinkConnecting
	for {
		f.emit(ctx, LinkMsg{State: state})

		err := f.session(ctx)
		if ctx.Err() != nil {
			f.tryEmit(LinkMsg{State: LinkDisconnected})
			return
		}
		if err != nil {
			f.log.Warn().Err(err).Str("url", f.url).Msg("live feed failed")
			f.emit(ctx, LinkMsg{State: LinkError, Err: err})
		} else {
			f.emit(ctx, LinkMsg{State: LinkDisconnected})
		}

		select {
		case <-ctx.Done():
			f.tryEmit(LinkMsg{State: LinkDisconnected})
			return
		case <-time.After(f.delay):
		}
		state = LinkReconnecting
	}
}

// session runs one connection. A nil error means the server closed it.
func (f *Feed) session(ctx context.Context) error {
	conn, resp, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		if resp != nil {
			f.log.Debug().Str("status", resp.Status).Msg("websocket handshake rejected")
		}
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	f.emit(ctx, LinkMsg{State: LinkConnected})
	f.log.Info().Str("url", f.url).Msg("live feed connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var msg models.LiveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.log.Debug().Err(err).Msg("skipping undecodable live frame")
			continue
		}
		f.emit(ctx, LiveMsg{Message: msg})
	}
}

// emit drops the message when ctx ends first.
func (f *Feed) emit(ctx context.Context, msg tea.Msg) {
	select {
	case f.out <- msg:
	case <-ctx.Done():
	}
}

func (f *Feed) tryEmit(msg tea.Msg) {
	select {
	case f.out <- msg:
	default:
	}
}
