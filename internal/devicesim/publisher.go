package devicesim

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iotpulse/internal/logger"
	"github.com/iotpulse/internal/models"
	"github.com/iotpulse/internal/topic"
)

const (
	DefaultHeartbeat = 30 * time.Second
	DefaultCapture   = 2 * time.Second
	DefaultCooldown  = 8 * time.Second
)

// Broker is the publish side of an MQTT connection.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
}

// TelemetrySource yields one heartbeat payload per call.
type TelemetrySource interface {
	Sample(ctx context.Context) Telemetry
}

type Options struct {
	QoS       byte
	Heartbeat time.Duration
	Cooldown  time.Duration
	Now       func() time.Time
}

// Publisher sends one device's messages to its topics.
type Publisher struct {
	broker   Broker
	router   *topic.Router
	deviceID string
	opts     Options
	log      logger.Logger
}

func NewPublisher(b Broker, router *topic.Router, deviceID string, log logger.Logger, opts Options) *Publisher {
	if opts.QoS == 0 {
		opts.QoS = 1
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Publisher{
		broker:   b,
		router:   router,
		deviceID: deviceID,
		opts:     opts,
		log:      logger.Wrap(log.WithComponent("publisher").With().Str("device_id", deviceID).Logger()),
	}
}

// OnlineTopic is also the topic of the last-will message.
func (p *Publisher) OnlineTopic() string {
	return p.router.Topic(p.deviceID, models.KindOnline)
}

// Online publishes the retained liveness flag.
func (p *Publisher) Online(ctx context.Context, on bool) error {
	payload := "0"
	if on {
		payload = "1"
	}
	return p.broker.Publish(ctx, p.OnlineTopic(), []byte(payload), p.opts.QoS, true)
}

func (p *Publisher) Telemetry(ctx context.Context, t Telemetry) error {
	return p.publishJSON(ctx, models.KindTelemetry, t)
}

func (p *Publisher) Event(ctx context.Context, e Event) error {
	return p.publishJSON(ctx, models.KindEvents, e)
}

func (p *Publisher) publishJSON(ctx context.Context, kind models.Kind, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	return p.broker.Publish(ctx, p.router.Topic(p.deviceID, kind), b, p.opts.QoS, false)
}

// Run publishes a heartbeat immediately and then every Heartbeat, and turns
// admitted frames into events. frames may be nil for telemetry only. On
// cancellation it publishes a retained offline flag.
func (p *Publisher) Run(ctx context.Context, src TelemetrySource, frames <-chan Frame) error {
	if err := p.Online(ctx, true); err != nil {
		p.log.Warn().Err(err).Msg("online flag publish failed")
	}

	gate := NewGate(p.opts.Cooldown)
	ticker := time.NewTicker(p.opts.Heartbeat)
	defer ticker.Stop()

	p.heartbeat(ctx, src)
	for {
		select {
		case <-ctx.Done():
			offCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := p.Online(offCtx, false); err != nil {
				p.log.Warn().Err(err).Msg("offline flag publish failed")
			}
			return nil

		case <-ticker.C:
			p.heartbeat(ctx, src)

		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			now := p.opts.Now()
			if !gate.Admit(f, now) {
				continue
			}
			e := NewEvent(p.deviceID, f, now)
			if err := p.Event(ctx, e); err != nil {
				p.log.Warn().Err(err).Msg("event publish failed")
				continue
			}
			p.log.Info().Int("faces", e.Faces).Strs("labels", e.Labels).Msg("event published")
		}
	}
}

func (p *Publisher) heartbeat(ctx context.Context, src TelemetrySource) {
	t := src.Sample(ctx)
	if err := p.Telemetry(ctx, t); err != nil {
		p.log.Warn().Err(err).Msg("telemetry publish failed")
		return
	}
	p.log.Debug().Int64("uptime_s", t.UptimeS).Msg("telemetry published")
}
