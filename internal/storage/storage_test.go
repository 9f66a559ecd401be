package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/iotpulse/internal/models"
)

func TestClampLimit(t *testing.T) {
	tests := []struct {
		kind models.Kind
		in   int
		want int
	}{
		{models.KindTelemetry, 5, 30},
		{models.KindTelemetry, 180, 180},
		{models.KindTelemetry, 999999, 2000},
		{models.KindEvents, 0, 10},
		{models.KindEvents, 80, 80},
		{models.KindEvents, 501, 500},
		{models.KindOnline, 7, 7},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampLimit(tt.kind, tt.in), "%s %d", tt.kind, tt.in)
	}
}

func TestReverse(t *testing.T) {
	assert.Equal(t, []int{3, 2, 1}, Reverse([]int{1, 2, 3}))
	assert.Empty(t, Reverse([]int{}))
}

type failingTx struct {
	Tx
}

func (failingTx) AppendTelemetry(context.Context, *models.TelemetrySample) error {
	return errors.New("disk full")
}

type failingAppendStore struct {
	*MemoryStore
}

func (s failingAppendStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	return s.MemoryStore.WithTx(ctx, func(tx Tx) error { return fn(failingTx{tx}) })
}

func TestIngestIsAtomic(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()

	sample := &models.TelemetrySample{
		DeviceID: "cam1",
		TS:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:  json.RawMessage(`{"cpu_temp_c":55.2}`),
	}

	err := Ingest(ctx, failingAppendStore{mem}, sample)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTxFailed)

	devices, err := mem.Devices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devices, "aggregate upsert must roll back with the failed append")

	rows, err := mem.Telemetry(ctx, "cam1", 30)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestIngestWithMockStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	store := NewMockStore(ctrl)
	tx := NewMockTx(ctrl)

	event := &models.VisionEvent{DeviceID: "cam2", TS: time.Unix(1700000000, 0).UTC(), Payload: json.RawMessage(`{}`)}

	store.EXPECT().WithTx(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, fn func(Tx) error) error {
		return fn(tx)
	})
	gomock.InOrder(
		tx.EXPECT().UpsertDevice(ctx, event.Update()).Return(nil),
		tx.EXPECT().AppendEvent(ctx, event).Return(errors.New("deadlock")),
	)

	err := Ingest(ctx, store, event)
	assert.ErrorIs(t, err, ErrTxFailed)
	assert.ErrorContains(t, err, "deadlock")
}

func TestIngestOnlineSkipsHistory(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	store := NewMockStore(ctrl)
	tx := NewMockTx(ctrl)

	status := &models.OnlineStatus{DeviceID: "cam1", Online: true, At: time.Unix(1700000000, 0).UTC()}

	store.EXPECT().WithTx(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, fn func(Tx) error) error {
		return fn(tx)
	})
	tx.EXPECT().UpsertDevice(ctx, status.Update()).Return(nil)

	require.NoError(t, Ingest(ctx, store, status))
}
