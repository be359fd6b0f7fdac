// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package forwarder hands device telemetry received by the hub to the backend

The Kafka forwarder writes one message per telemetry message to a topic, keyed by
device id so that all messages of one device stay in order. The request id and
identity of the receiving request travel along in a message header.
*/
package forwarder

import (
	"context"
	"sync"
	"time"
)

// Transports a telemetry message can arrive with
const (
	TransportHTTP = "http"
	TransportMQTT = "mqtt"
)

// Telemetry is a telemetry message of a device or module
type Telemetry struct {
	DeviceID        string            `json:"device_id"`
	ModuleID        string            `json:"module_id,omitempty"`
	MessageID       string            `json:"message_id,omitempty"`
	ContentType     string            `json:"content_type,omitempty"`
	ContentEncoding string            `json:"content_encoding,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
	Body            []byte            `json:"body"`
	Transport       string            `json:"transport"`
	ReceivedAt      time.Time         `json:"received_at"`
}

// Forwarder forwards telemetry
type Forwarder interface {
	Forward(ctx context.Context, t Telemetry) error
	Close() error
}

// MemoryForwarder keeps forwarded telemetry in memory
type MemoryForwarder struct {
	mutex     sync.Mutex
	telemetry []Telemetry
	err       error
}

// NewMemoryForwarder returns an empty memory forwarder
func NewMemoryForwarder() *MemoryForwarder {
	return &MemoryForwarder{}
}

// Forward implements Forwarder
func (m *MemoryForwarder) Forward(ctx context.Context, t Telemetry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.err != nil {
		return m.err
	}
	m.telemetry = append(m.telemetry, t)
	return nil
}

// Telemetry returns all forwarded messages in order
func (m *MemoryForwarder) Telemetry() []Telemetry {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]Telemetry(nil), m.telemetry...)
}

// SetError makes all following calls of Forward fail with err, or succeed again for nil
func (m *MemoryForwarder) SetError(err error) {
	m.mutex.Lock()
	m.err = err
	m.mutex.Unlock()
}

// Close implements Forwarder
func (m *MemoryForwarder) Close() error {
	return nil
}

var _ Forwarder = (*MemoryForwarder)(nil)
