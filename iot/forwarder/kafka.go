// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package forwarder

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/kurbisio-device/core/logger"
)

// LoggerHeader is the kafka header with the serialized logger context
const LoggerHeader = "logger"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBuilder is a builder helper for the KafkaForwarder
type KafkaBuilder struct {
	// Brokers are the kafka bootstrap brokers. Mandatory unless Writer is set.
	Brokers []string
	// Topic is the telemetry topic. Mandatory.
	Topic string
	// Writer replaces the kafka writer, for tests
	Writer messageWriter
}

// KafkaForwarder writes telemetry to a kafka topic
type KafkaForwarder struct {
	writer messageWriter
}

// NewKafkaForwarder returns a new kafka forwarder. It panics if a mandatory field is missing.
func NewKafkaForwarder(b *KafkaBuilder) *KafkaForwarder {
	if len(b.Topic) == 0 {
		panic("Topic missing")
	}
	writer := b.Writer
	if writer == nil {
		if len(b.Brokers) == 0 {
			panic("Brokers missing")
		}
		writer = &kafka.Writer{
			Addr:                   kafka.TCP(b.Brokers...),
			Topic:                  b.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}
	}
	return &KafkaForwarder{writer: writer}
}

// Forward writes t synchronously
func (k *KafkaForwarder) Forward(ctx context.Context, t Telemetry) error {
	message, err := EncodeTelemetry(ctx, t)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("cannot forward telemetry of %s: %w", t.DeviceID, err)
	}
	logger.FromContext(ctx).WithField("message_id", t.MessageID).Debug("telemetry forwarded")
	return nil
}

// Close flushes and closes the writer
func (k *KafkaForwarder) Close() error {
	return k.writer.Close()
}

// EncodeTelemetry returns the kafka message for t. The key is the device id.
func EncodeTelemetry(ctx context.Context, t Telemetry) (kafka.Message, error) {
	value, err := json.Marshal(t)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(t.DeviceID),
		Value: value,
		Time:  t.ReceivedAt,
		Headers: []kafka.Header{
			{Key: LoggerHeader, Value: logger.SerializeLoggerContext(ctx)},
		},
	}, nil
}

// DecodeTelemetry decodes a kafka message written by the forwarder. The returned context
// carries a logger with the request id of the request which received the telemetry.
func DecodeTelemetry(ctx context.Context, m kafka.Message) (context.Context, Telemetry, error) {
	var t Telemetry
	for _, h := range m.Headers {
		if h.Key == LoggerHeader {
			ctx = logger.ContextWithLoggerFromData(ctx, h.Value)
		}
	}
	if err := json.Unmarshal(m.Value, &t); err != nil {
		return ctx, t, fmt.Errorf("cannot decode telemetry: %w", err)
	}
	return ctx, t, nil
}

var _ Forwarder = (*KafkaForwarder)(nil)
