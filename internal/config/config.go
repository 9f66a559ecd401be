package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iotpulse/internal/logger"
)

const (
	DefaultMQTTHost       = "127.0.0.1"
	DefaultMQTTPort       = 1883
	DefaultClientID       = "iotpulse-worker"
	DefaultKeepaliveSec   = 30
	DefaultTopicRoot      = "home/iot"
	DefaultQoS            = 1
	DefaultReconnectDelay = 3 * time.Second
	DefaultDriver         = DriverMemory
	DefaultListen         = ":8080"
	DefaultTelLimit       = 180
	DefaultEvtLimit       = 80
	DefaultRefreshSec     = 20
	DefaultAPIURL         = "http://127.0.0.1:8080"
	DefaultStateFile      = "iotpulse-watch.db"
)

const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

var (
	ErrMissingBroker = errors.New("mqtt.host is required")
	ErrTopicRoot     = errors.New("mqtt.topic_root must have exactly two segments")
	ErrQoS           = errors.New("mqtt.qos must be 1 or 2")
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrMissingDSN    = errors.New("storage.dsn is required for SQL drivers")
	ErrReconnect     = errors.New("mqtt.reconnect_delay must not be negative")
)

// Config holds the settings of every iotpulse process. Each binary reads the
// sections it needs.
type Config struct {
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Storage StorageConfig `yaml:"storage"`
	API     APIConfig     `yaml:"api"`
	Watch   WatchConfig   `yaml:"watch"`
	Logging logger.Config `yaml:"logging"`
}

type MQTTConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ClientID       string        `yaml:"client_id"`
	KeepaliveSec   int           `yaml:"keepalive_sec"`
	TopicRoot      string        `yaml:"topic_root"`
	QoS            int           `yaml:"qos"`
	CleanSession   bool          `yaml:"clean_session"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// BrokerURL is the paho broker address for Host and Port.
func (m MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", m.Host, m.Port)
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// Journal is the append-only file backing the memory driver. Empty keeps
	// the store purely in memory.
	Journal  string `yaml:"journal"`
	MaxConns int    `yaml:"max_conns"`
}

type APIConfig struct {
	Listen   string `yaml:"listen"`
	TelLimit int    `yaml:"tel_limit"`
	EvtLimit int    `yaml:"evt_limit"`
}

type WatchConfig struct {
	APIURL       string `yaml:"api_url"`
	LiveURL      string `yaml:"live_url"`
	RefreshSec   int    `yaml:"refresh_sec"`
	TelLimit     int    `yaml:"tel_limit"`
	EvtLimit     int    `yaml:"evt_limit"`
	DisplayLimit int    `yaml:"display_limit"`
	StateFile    string `yaml:"state_file"`
}

// Load reads and parses a YAML config file. An empty path yields the
// defaults. Environment overrides are applied on top of the file.
func Load(path string) (Config, error) {
	cfg := Config{Logging: logger.DefaultConfig()}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// ApplyEnv overrides fields from the deployment environment variables.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}

	str("MQTT_HOST", &cfg.MQTT.Host)
	num("MQTT_PORT", &cfg.MQTT.Port)
	str("MQTT_USER", &cfg.MQTT.Username)
	str("MQTT_PASS", &cfg.MQTT.Password)
	str("MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	num("MQTT_KEEPALIVE", &cfg.MQTT.KeepaliveSec)
	str("MQTT_TOPIC_ROOT", &cfg.MQTT.TopicRoot)
	str("DB_DRIVER", &cfg.Storage.Driver)
	str("DB_DSN", &cfg.Storage.DSN)
	num("DASH_TEL_LIMIT", &cfg.API.TelLimit)
	num("DASH_EVT_LIMIT", &cfg.API.EvtLimit)
	num("DASH_AUTO_REFRESH_SEC", &cfg.Watch.RefreshSec)

	return errors.Join(errs...)
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	m := &cfg.MQTT
	if m.Host == "" {
		m.Host = DefaultMQTTHost
	}
	if m.Port == 0 {
		m.Port = DefaultMQTTPort
	}
	if m.ClientID == "" {
		m.ClientID = DefaultClientID
	}
	if m.KeepaliveSec == 0 {
		m.KeepaliveSec = DefaultKeepaliveSec
	}
	if m.TopicRoot == "" {
		m.TopicRoot = DefaultTopicRoot
	}
	m.TopicRoot = strings.Trim(m.TopicRoot, "/")
	if m.QoS == 0 {
		m.QoS = DefaultQoS
	}
	if m.ReconnectDelay == 0 {
		m.ReconnectDelay = DefaultReconnectDelay
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DefaultDriver
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = DefaultListen
	}
	if cfg.API.TelLimit == 0 {
		cfg.API.TelLimit = DefaultTelLimit
	}
	if cfg.API.EvtLimit == 0 {
		cfg.API.EvtLimit = DefaultEvtLimit
	}

	w := &cfg.Watch
	if w.APIURL == "" {
		w.APIURL = DefaultAPIURL
	}
	if w.LiveURL == "" {
		w.LiveURL = liveURL(w.APIURL)
	}
	if w.RefreshSec == 0 {
		w.RefreshSec = DefaultRefreshSec
	}
	if w.TelLimit == 0 {
		w.TelLimit = cfg.API.TelLimit
	}
	if w.EvtLimit == 0 {
		w.EvtLimit = cfg.API.EvtLimit
	}
	if w.DisplayLimit == 0 {
		w.DisplayLimit = w.EvtLimit
	}
	if w.StateFile == "" {
		w.StateFile = DefaultStateFile
	}
}

// liveURL derives the websocket relay address served next to the API.
func liveURL(apiURL string) string {
	u := strings.TrimRight(apiURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// Validate reports every invalid field at once.
func Validate(cfg Config) error {
	var errs []error

	if cfg.MQTT.Host == "" {
		errs = append(errs, ErrMissingBroker)
	}
	segs := strings.Split(strings.Trim(cfg.MQTT.TopicRoot, "/"), "/")
	if len(segs) != 2 || segs[0] == "" || segs[1] == "" {
		errs = append(errs, fmt.Errorf("%w: %q", ErrTopicRoot, cfg.MQTT.TopicRoot))
	}
	if cfg.MQTT.QoS != 1 && cfg.MQTT.QoS != 2 {
		errs = append(errs, fmt.Errorf("%w: got %d", ErrQoS, cfg.MQTT.QoS))
	}
	if cfg.MQTT.ReconnectDelay < 0 {
		errs = append(errs, fmt.Errorf("%w: got %s", ErrReconnect, cfg.MQTT.ReconnectDelay))
	}

	switch cfg.Storage.Driver {
	case DriverMemory:
	case DriverMySQL, DriverPostgres:
		if cfg.Storage.DSN == "" {
			errs = append(errs, ErrMissingDSN)
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Storage.Driver))
	}

	return errors.Join(errs...)
}
