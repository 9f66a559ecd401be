package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iotpulse/internal/models"
)

func TestRoute(t *testing.T) {
	r := NewRouter("home/iot")

	tests := []struct {
		name  string
		topic string
		want  Route
	}{
		{"telemetry", "home/iot/cam1/telemetry", Route{"cam1", models.KindTelemetry}},
		{"events", "home/iot/cam1/events", Route{"cam1", models.KindEvents}},
		{"online", "home/iot/cam1/status/online", Route{"cam1", models.KindOnline}},
		{"surrounding separators", "/home/iot/cam1/telemetry/", Route{"cam1", models.KindTelemetry}},
		{"status other", "home/iot/cam1/status/foo", Route{}},
		{"bare status", "home/iot/cam1/status", Route{}},
		{"too short", "home/iot/cam1", Route{}},
		{"wrong root", "home/lab/cam1/telemetry", Route{}},
		{"empty device", "home/iot//telemetry", Route{}},
		{"unknown kind", "home/iot/cam1/logs", Route{}},
		{"trailing segment", "home/iot/cam1/telemetry/extra", Route{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Route(tt.topic)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.DeviceID != "", got.OK())
		})
	}
}

func TestSubscriptionsRouteBack(t *testing.T) {
	r := NewRouter("/home/iot/")

	assert.Equal(t, []string{
		"home/iot/+/telemetry",
		"home/iot/+/events",
		"home/iot/+/status/online",
	}, r.Subscriptions())

	for _, kind := range []models.Kind{models.KindTelemetry, models.KindEvents, models.KindOnline} {
		got := r.Route(r.Topic("pi-01", kind))
		assert.Equal(t, Route{DeviceID: "pi-01", Kind: kind}, got)
	}
}
