package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	ApplyDefaults(&cfg)

	if cfg.MQTT.TopicRoot != DefaultTopicRoot || cfg.MQTT.QoS != 1 {
		t.Fatalf("mqtt defaults not set: %+v", cfg.MQTT)
	}
	if cfg.MQTT.ReconnectDelay != 3*time.Second {
		t.Fatalf("reconnect_delay=%s", cfg.MQTT.ReconnectDelay)
	}
	if cfg.API.TelLimit != 180 || cfg.API.EvtLimit != 80 {
		t.Fatalf("limits=%d/%d", cfg.API.TelLimit, cfg.API.EvtLimit)
	}
	if cfg.Watch.LiveURL != "ws://127.0.0.1:8080/ws" {
		t.Fatalf("live_url=%s", cfg.Watch.LiveURL)
	}
	if cfg.Watch.DisplayLimit != cfg.Watch.EvtLimit {
		t.Fatalf("display_limit=%d", cfg.Watch.DisplayLimit)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()

	var cfg Config
	ApplyDefaults(&cfg)
	cfg.MQTT.TopicRoot = "home"
	cfg.MQTT.QoS = 0
	cfg.MQTT.ReconnectDelay = -time.Second
	cfg.Storage.Driver = "mysql"

	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []error{ErrTopicRoot, ErrQoS, ErrReconnect, ErrMissingDSN} {
		if !errors.Is(err, want) {
			t.Fatalf("missing %v in %v", want, err)
		}
	}

	cfg.Storage.Driver = "sqlite"
	if err := Validate(cfg); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected unknown driver, got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"MQTT_HOST":             "broker.lan",
		"MQTT_PORT":             "8883",
		"MQTT_TOPIC_ROOT":       "lab/cams",
		"DB_DRIVER":             "postgres",
		"DASH_AUTO_REFRESH_SEC": "45",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	var cfg Config
	if err := ApplyEnv(&cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.MQTT.BrokerURL() != "tcp://broker.lan:8883" {
		t.Fatalf("broker=%s", cfg.MQTT.BrokerURL())
	}
	if cfg.MQTT.TopicRoot != "lab/cams" || cfg.Storage.Driver != "postgres" || cfg.Watch.RefreshSec != 45 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}

	env["MQTT_PORT"] = "eighty"
	if err := ApplyEnv(&cfg, lookup); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoad_FileThenDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iotpulse.yaml")
	data := []byte("mqtt:\n  host: broker\n  reconnect_delay: 5s\nstorage:\n  journal: /var/lib/iotpulse/journal.jsonl\napi:\n  tel_limit: 300\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTT.Host != "broker" || cfg.MQTT.ReconnectDelay != 5*time.Second {
		t.Fatalf("mqtt=%+v", cfg.MQTT)
	}
	if cfg.API.TelLimit != 300 || cfg.Watch.TelLimit != 300 {
		t.Fatalf("tel_limit api=%d watch=%d", cfg.API.TelLimit, cfg.Watch.TelLimit)
	}
	if cfg.Storage.Journal != "/var/lib/iotpulse/journal.jsonl" || cfg.Storage.Driver != DriverMemory {
		t.Fatalf("storage=%+v", cfg.Storage)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "iotpulse.yaml")
	cfg := Config{MQTT: MQTTConfig{Host: "broker", TopicRoot: "lab/cams"}}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}
}
