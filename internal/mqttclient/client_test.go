package mqttclient

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniqueClientID(t *testing.T) {
	a := UniqueClientID("iotpulse-relay")
	b := UniqueClientID("iotpulse-relay")

	assert.True(t, strings.HasPrefix(a, "iotpulse-relay-"))
	assert.Len(t, a, len("iotpulse-relay-")+8)
	assert.NotEqual(t, a, b)
}

func TestDialUnreachableBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, Options{
		BrokerURL:      "tcp://127.0.0.1:1",
		ClientID:       "test",
		ConnectTimeout: time.Second,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tcp://127.0.0.1:1")
}
