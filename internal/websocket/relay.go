package websocket

import (
	"context"
	"fmt"
	"time"

	"github.com/iotpulse/internal/logger"
	"github.com/iotpulse/internal/models"
	"github.com/iotpulse/internal/mqttclient"
	"github.com/iotpulse/internal/payload"
	"github.com/iotpulse/internal/topic"
)

const defaultReconnectDelay = 3 * time.Second

// Conn is the broker connection the relay listens on.
type Conn interface {
	Subscribe(ctx context.Context, topic string, qos byte, handler mqttclient.Handler) error
	Lost() <-chan error
	Close()
}

type DialFunc func(ctx context.Context) (Conn, error)

// Relay normalizes broker messages the same way ingestion does and pushes
// them to the hub. It keeps no state and never touches storage.
type Relay struct {
	hub    *Hub
	router *topic.Router
	log    logger.Logger
	now    func() time.Time
	delay  time.Duration
}

// NewRelay builds a relay. A reconnectDelay of zero or less uses the default.
func NewRelay(hub *Hub, router *topic.Router, reconnectDelay time.Duration, log logger.Logger) *Relay {
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	return &Relay{
		hub:    hub,
		router: router,
		log:    log.WithComponent("relay"),
		now:    time.Now,
		delay:  reconnectDelay,
	}
}

// Run keeps the relay subscribed until ctx is done.
func (r *Relay) Run(ctx context.Context, dial DialFunc) {
	for {
		err := r.runOnce(ctx, dial)
		if ctx.Err() != nil {
			return
		}
		r.log.Warn().Err(err).Dur("retry_in", r.delay).Msg("relay connection ended")

		t := time.NewTimer(r.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (r *Relay) runOnce(ctx context.Context, dial DialFunc) error {
	conn, err := dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, sub := range r.router.Subscriptions() {
		if err := conn.Subscribe(ctx, sub, 1, r.Handle); err != nil {
			return err
		}
	}
	r.log.Info().Str("root", r.router.Root()).Msg("relay subscribed")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-conn.Lost():
		return fmt.Errorf("connection lost: %w", err)
	}
}

// Handle relays one message. Unroutable or malformed input is skipped.
func (r *Relay) Handle(m mqttclient.Message) {
	route := r.router.Route(m.Topic)
	if !route.OK() {
		return
	}
	rec, err := payload.Normalize(route, m.Payload, r.now())
	if err != nil {
		r.log.Debug().Err(err).Str("topic", m.Topic).Msg("skipping malformed message")
		return
	}
	r.hub.Publish(models.NewLiveMessage(rec))
}
