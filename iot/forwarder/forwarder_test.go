package forwarder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/kurbisio-device/core/logger"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaForwarder(t *testing.T) {
	writer := &fakeWriter{}
	f := NewKafkaForwarder(&KafkaBuilder{Topic: "telemetry", Writer: writer})

	ctx := logger.ContextWithRequestID(context.Background(), "req-7")
	ctx, _ = logger.ContextWithLoggerIdentity(ctx, "sensor-1")
	telemetry := Telemetry{
		DeviceID:   "sensor-1",
		MessageID:  "m1",
		Properties: map[string]string{"alert": "no"},
		Body:       []byte(`{"temperature":21}`),
		Transport:  TransportHTTP,
		ReceivedAt: time.Unix(1600000000, 0).UTC(),
	}
	require.NoError(t, f.Forward(ctx, telemetry))
	require.Len(t, writer.messages, 1)
	m := writer.messages[0]
	assert.Equal(t, []byte("sensor-1"), m.Key)

	decodedCtx, decoded, err := DecodeTelemetry(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, telemetry, decoded)
	assert.Equal(t, "req-7", logger.RequestIDFromContext(decodedCtx))

	writer.err = errors.New("leader not available")
	assert.ErrorIs(t, f.Forward(ctx, telemetry), writer.err)

	require.NoError(t, f.Close())
	assert.True(t, writer.closed)
}

func TestDecodeTelemetryErrors(t *testing.T) {
	_, _, err := DecodeTelemetry(context.Background(), kafka.Message{Value: []byte("{")})
	assert.Error(t, err)
}

func TestNewKafkaForwarderPanics(t *testing.T) {
	assert.Panics(t, func() { NewKafkaForwarder(&KafkaBuilder{Brokers: []string{"localhost:9092"}}) })
	assert.Panics(t, func() { NewKafkaForwarder(&KafkaBuilder{Topic: "telemetry"}) })
}

func TestMemoryForwarder(t *testing.T) {
	f := NewMemoryForwarder()
	require.NoError(t, f.Forward(context.Background(), Telemetry{DeviceID: "a"}))
	f.SetError(errors.New("full"))
	assert.Error(t, f.Forward(context.Background(), Telemetry{DeviceID: "b"}))
	f.SetError(nil)
	require.NoError(t, f.Forward(context.Background(), Telemetry{DeviceID: "c"}))

	telemetry := f.Telemetry()
	require.Len(t, telemetry, 2)
	assert.Equal(t, "c", telemetry[1].DeviceID)
}
