package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/iotpulse/internal/config"
	"github.com/iotpulse/internal/devicesim"
	"github.com/iotpulse/internal/logger"
	"github.com/iotpulse/internal/models"
	"github.com/iotpulse/internal/mqttclient"
	"github.com/iotpulse/internal/topic"
)

type flags struct {
	configPath string
	deviceID   string
	diskPath   string
	heartbeat  time.Duration
	capture    time.Duration
	cooldown   time.Duration
	minConf    float64
	sim        bool
}

func commonFlags() *flags {
	host, _ := os.Hostname()
	if host == "" {
		host = "iot-device"
	}
	f := &flags{}
	flag.StringVar(&f.configPath, "config", "", "path to YAML config (only the mqtt section is used)")
	flag.StringVar(&f.deviceID, "device", envOr("DEVICE_ID", host), "device identifier")
	flag.StringVar(&f.diskPath, "disk", "/", "filesystem reported in telemetry")
	flag.DurationVar(&f.heartbeat, "heartbeat", devicesim.DefaultHeartbeat, "telemetry interval")
	flag.DurationVar(&f.capture, "capture", devicesim.DefaultCapture, "simulated capture interval")
	flag.DurationVar(&f.cooldown, "cooldown", devicesim.DefaultCooldown, "hold back repeated detections for this long")
	flag.Float64Var(&f.minConf, "min-conf", 0.45, "drop detections below this confidence")
	flag.BoolVar(&f.sim, "sim", true, "simulate detections instead of reading a detector")
	return f
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// device is a connected publisher for one device id.
type device struct {
	log    logger.Logger
	client *mqttclient.Client
	pub    *devicesim.Publisher
}

// connect dials the broker with a retained last-will "0" on the device's
// online topic and republishes "1" after every reconnect.
func connect(ctx context.Context, f *flags) (*device, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	router := topic.NewRouter(cfg.MQTT.TopicRoot)
	var current atomic.Pointer[devicesim.Publisher]

	client, err := mqttclient.Dial(ctx, mqttclient.Options{
		BrokerURL:      cfg.MQTT.BrokerURL(),
		ClientID:       mqttclient.UniqueClientID(f.deviceID),
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		KeepAlive:      time.Duration(cfg.MQTT.KeepaliveSec) * time.Second,
		ConnectTimeout: 10 * time.Second,
		AutoReconnect:  true,
		Will: &mqttclient.Will{
			Topic:    router.Topic(f.deviceID, models.KindOnline),
			Payload:  "0",
			QoS:      1,
			Retained: true,
		},
		OnConnect: func() {
			if p := current.Load(); p != nil {
				if err := p.Online(context.Background(), true); err != nil {
					log.Warn().Err(err).Msg("online flag publish failed")
				}
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	pub := devicesim.NewPublisher(client, router, f.deviceID, log, devicesim.Options{
		QoS:       byte(cfg.MQTT.QoS),
		Heartbeat: f.heartbeat,
		Cooldown:  f.cooldown,
	})
	current.Store(pub)

	log.Info().Str("device_id", f.deviceID).Str("broker", cfg.MQTT.BrokerURL()).Msg("publisher connected")
	return &device{log: log, client: client, pub: pub}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "publisher: %v\n", err)
	os.Exit(1)
}
