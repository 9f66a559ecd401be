// Package ingestion runs the broker-to-storage worker.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iotpulse/internal/logger"
	"github.com/iotpulse/internal/metrics"
	"github.com/iotpulse/internal/mqttclient"
	"github.com/iotpulse/internal/payload"
	"github.com/iotpulse/internal/storage"
	"github.com/iotpulse/internal/topic"
)

const (
	DefaultReconnectDelay = 3 * time.Second
)

var ErrConnectionLost = errors.New("connection lost")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// Conn is the part of a broker connection the worker uses.
type Conn interface {
	Subscribe(ctx context.Context, topic string, qos byte, handler mqttclient.Handler) error
	Lost() <-chan error
	Close()
}

type DialFunc func(ctx context.Context) (Conn, error)

type Options struct {
	// QoS for the subscriptions. Values below 1 are raised to 1.
	QoS            byte
	ReconnectDelay time.Duration
	Now            func() time.Time
}

type Worker struct {
	dial    DialFunc
	router  *topic.Router
	store   storage.Store
	metrics *metrics.Metrics
	log     logger.Logger

	qos   byte
	delay time.Duration
	now   func() time.Time
	state atomic.Int32
}

func New(dial DialFunc, router *topic.Router, store storage.Store, m *metrics.Metrics, log logger.Logger, opts Options) *Worker {
	w := &Worker{
		dial:    dial,
		router:  router,
		store:   store,
		metrics: m,
		log:     log.WithComponent("ingestion"),
		qos:     opts.QoS,
		delay:   opts.ReconnectDelay,
		now:     opts.Now,
	}
	if w.qos < 1 {
		w.qos = 1
	}
	if w.delay <= 0 {
		w.delay = DefaultReconnectDelay
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	w.metrics.WorkerState.Set(float64(s))
}

// Run reconnects forever with a fixed delay. It returns once ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	for {
		err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			w.log.Info().Msg("ingestion worker stopped")
			return nil
		}

		w.metrics.ConnectErrs.Inc()
		w.log.Warn().Err(err).Dur("retry_in", w.delay).Msg("ingestion connection ended")

		t := time.NewTimer(w.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// RunOnce performs a single connect, subscribe and receive cycle and returns
// the error that ended it.
func (w *Worker) RunOnce(ctx context.Context) error {
	w.setState(StateConnecting)
	defer w.setState(StateDisconnected)

	// The transport acknowledges a message once the handler returns, so each
	// message is stored before the handler gives control back. Storage writes
	// are not cut short by ctx. On the way out the connection is closed first,
	// then the message in hand is waited for; anything delivered after that
	// is never acked and comes back on the next session.
	storeCtx := context.WithoutCancel(ctx)
	var (
		mu      sync.Mutex
		stopped bool
	)
	handler := func(m mqttclient.Message) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		w.handle(storeCtx, m)
	}
	defer func() {
		mu.Lock()
		stopped = true
		mu.Unlock()
	}()

	conn, err := w.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	for _, sub := range w.router.Subscriptions() {
		if err := conn.Subscribe(ctx, sub, w.qos, handler); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	w.setState(StateSubscribed)
	w.metrics.Connects.Inc()
	w.log.Info().Str("root", w.router.Root()).Int("qos", int(w.qos)).Msg("subscribed")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-conn.Lost():
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
}

func (w *Worker) handle(ctx context.Context, m mqttclient.Message) {
	route := w.router.Route(m.Topic)
	if !route.OK() {
		w.metrics.Dropped.WithLabelValues(metrics.ReasonUnroutable).Inc()
		w.log.Debug().Str("topic", m.Topic).Msg("unroutable topic")
		return
	}
	kind := route.Kind.String()
	w.metrics.Received.WithLabelValues(kind).Inc()

	rec, err := payload.Normalize(route, m.Payload, w.now())
	if err != nil {
		w.metrics.Dropped.WithLabelValues(metrics.ReasonMalformed).Inc()
		w.log.Warn().Err(err).Str("topic", m.Topic).Int("bytes", len(m.Payload)).Msg("malformed payload")
		return
	}

	if err := storage.Ingest(ctx, w.store, rec); err != nil {
		w.metrics.Dropped.WithLabelValues(metrics.ReasonStorage).Inc()
		w.log.Error().Err(err).Str("device_id", route.DeviceID).Str("kind", kind).Msg("store failed, message dropped")
		return
	}

	w.metrics.Stored.WithLabelValues(kind).Inc()
	w.log.Debug().Str("device_id", route.DeviceID).Str("kind", kind).Time("ts", rec.Timestamp()).Msg("stored")
}
