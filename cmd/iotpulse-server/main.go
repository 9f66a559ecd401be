package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/iotpulse/internal/config"
	"github.com/iotpulse/internal/ingestion"
	"github.com/iotpulse/internal/logger"
	"github.com/iotpulse/internal/metrics"
	"github.com/iotpulse/internal/mqttclient"
	"github.com/iotpulse/internal/query"
	"github.com/iotpulse/internal/topic"
	"github.com/iotpulse/internal/websocket"
)

func main() {
	mode := flag.String("mode", "all", "mode: ingestion | query | all")
	configPath := flag.String("config", "", "path to YAML config (env overrides apply on top)")
	listen := flag.String("listen", "", "HTTP listen address, overrides api.listen")
	writeConfig := flag.String("write-config", "", "write the effective config to this path and exit")
	flag.Parse()

	if err := run(*mode, *configPath, *listen, *writeConfig); err != nil {
		fmt.Fprintf(os.Stderr, "iotpulse-server: %v\n", err)
		os.Exit(1)
	}
}

func run(mode, configPath, listen, writeConfig string) error {
	switch mode {
	case "ingestion", "query", "all":
	default:
		return fmt.Errorf("unknown mode: %s (must be: ingestion, query, or all)", mode)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.API.Listen = listen
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if writeConfig != "" {
		if err := config.Save(writeConfig, cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("wrote config to %s\n", writeConfig)
		return nil
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	log.Info().Str("mode", mode).Str("broker", cfg.MQTT.BrokerURL()).Str("driver", cfg.Storage.Driver).Msg("starting iotpulse")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
	}()

	m := metrics.New()
	router := topic.NewRouter(cfg.MQTT.TopicRoot)

	var (
		wg   sync.WaitGroup
		errs = make(chan error, 2)
	)

	if mode == "ingestion" || mode == "all" {
		worker := ingestion.New(workerDialer(cfg.MQTT), router, store, m, log, ingestion.Options{
			QoS:            byte(cfg.MQTT.QoS),
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- worker.Run(ctx)
		}()
		log.Info().Strs("topics", router.Subscriptions()).Msg("ingestion service started")
	}

	if mode == "query" || mode == "all" {
		hub := websocket.NewHub(m, log)
		relay := websocket.NewRelay(hub, router, cfg.MQTT.ReconnectDelay, log)
		svc := query.New(store, hub, m, log, query.Options{
			TelLimit: cfg.API.TelLimit,
			EvtLimit: cfg.API.EvtLimit,
		})

		wg.Add(3)
		go func() {
			defer wg.Done()
			hub.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			relay.Run(ctx, relayDialer(cfg.MQTT))
		}()
		go func() {
			defer wg.Done()
			errs <- svc.Serve(ctx, cfg.API.Listen)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
		if runErr != nil {
			log.Error().Err(runErr).Msg("service failed")
		}
		stop()
	}

	log.Info().Msg("shutting down")
	wg.Wait()
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func mqttOptions(c config.MQTTConfig, clientID string, clean bool) mqttclient.Options {
	return mqttclient.Options{
		BrokerURL:      c.BrokerURL(),
		ClientID:       clientID,
		Username:       c.Username,
		Password:       c.Password,
		KeepAlive:      time.Duration(c.KeepaliveSec) * time.Second,
		CleanSession:   clean,
		ConnectTimeout: 10 * time.Second,
	}
}

// workerDialer keeps the configured client id so the broker holds the
// persistent session across reconnects.
func workerDialer(c config.MQTTConfig) ingestion.DialFunc {
	return func(ctx context.Context) (ingestion.Conn, error) {
		conn, err := mqttclient.Dial(ctx, mqttOptions(c, c.ClientID, c.CleanSession))
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// relayDialer uses a fresh client id and a clean session: the live relay
// never replays missed messages, the API covers them.
func relayDialer(c config.MQTTConfig) websocket.DialFunc {
	return func(ctx context.Context) (websocket.Conn, error) {
		conn, err := mqttclient.Dial(ctx, mqttOptions(c, mqttclient.UniqueClientID(c.ClientID+"-relay"), true))
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
