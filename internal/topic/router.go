// Package topic maps MQTT topics onto device identifiers and message kinds.
package topic

import (
	"strings"

	"github.com/iotpulse/internal/models"
)

// DefaultRoot is the namespace devices publish under.
const DefaultRoot = "home/iot"

// Route is the result of routing a topic. The zero value is unrecognized.
type Route struct {
	DeviceID string
	Kind     models.Kind
}

func (r Route) OK() bool {
	return r.DeviceID != "" && r.Kind != models.KindUnknown
}

type Router struct {
	root     string
	segments []string
}

func NewRouter(root string) *Router {
	root = strings.Trim(root, "/")
	return &Router{root: root, segments: strings.Split(root, "/")}
}

func (r *Router) Root() string {
	return r.root
}

// Route never fails; topics outside the contract come back unrecognized.
func (r *Router) Route(topic string) Route {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	n := len(r.segments)
	if len(parts) < n+2 {
		return Route{}
	}
	for i, seg := range r.segments {
		if parts[i] != seg {
			return Route{}
		}
	}

	device := parts[n]
	if device == "" {
		return Route{}
	}
	rest := parts[n+1:]

	switch rest[0] {
	case "telemetry":
		if len(rest) == 1 {
			return Route{DeviceID: device, Kind: models.KindTelemetry}
		}
	case "events":
		if len(rest) == 1 {
			return Route{DeviceID: device, Kind: models.KindEvents}
		}
	case "status":
		if len(rest) == 2 && rest[1] == "online" {
			return Route{DeviceID: device, Kind: models.KindOnline}
		}
	}
	return Route{}
}

// Subscriptions are the wildcard patterns that cover every routable topic.
func (r *Router) Subscriptions() []string {
	return []string{
		r.root + "/+/telemetry",
		r.root + "/+/events",
		r.root + "/+/status/online",
	}
}

// Topic builds the publish topic for a device and kind.
func (r *Router) Topic(deviceID string, kind models.Kind) string {
	switch kind {
	case models.KindTelemetry:
		return r.root + "/" + deviceID + "/telemetry"
	case models.KindEvents:
		return r.root + "/" + deviceID + "/events"
	case models.KindOnline:
		return r.root + "/" + deviceID + "/status/online"
	}
	return ""
}
