package models

import (
	"fmt"
	"time"
)

// Kind classifies a device message by the topic it arrived on.
type Kind int

const (
	KindUnknown Kind = iota
	KindTelemetry
	KindEvents
	KindOnline
)

func (k Kind) String() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	case KindEvents:
		return "events"
	case KindOnline:
		return "online"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "telemetry":
		return KindTelemetry, nil
	case "events":
		return KindEvents, nil
	case "online":
		return KindOnline, nil
	}
	return KindUnknown, fmt.Errorf("unknown message kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Record is a normalized device message ready for storage.
type Record interface {
	Device() string
	Kind() Kind
	Timestamp() time.Time
	// Update is the aggregate change the record applies to its device row.
	Update() DeviceUpdate
}

// OnlineStatus is the bare "1"/"0" liveness message from status/online.
type OnlineStatus struct {
	DeviceID string    `json:"device_id"`
	Online   bool      `json:"online"`
	At       time.Time `json:"at"`
}

func (s *OnlineStatus) Device() string       { return s.DeviceID }
func (s *OnlineStatus) Kind() Kind           { return KindOnline }
func (s *OnlineStatus) Timestamp() time.Time { return s.At }

func (s *OnlineStatus) Update() DeviceUpdate {
	return DeviceUpdate{
		DeviceID: s.DeviceID,
		Online:   s.Online,
		LastSeen: s.At,
	}
}
