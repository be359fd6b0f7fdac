// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package transport contains what the device transports have in common.

The transports authenticate with an auth.Authenticator and send Message values
to the hub. Bodies are passed through unchanged.
*/
package transport

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/relabs-tech/kurbisio-device/core/sas"
)

// APIVersion is sent with every request to the hub
const APIVersion = "2021-04-12"

// Errors of the transports
var (
	ErrNotConnected  = errors.New("transport: not connected")
	ErrPublishFailed = errors.New("transport: publish failed")
	ErrUnauthorized  = errors.New("transport: unauthorized")
)

// Message is a telemetry message sent from a device to the hub
type Message struct {
	ID              string
	Body            []byte
	ContentType     string
	ContentEncoding string
	// Properties are application properties
	Properties map[string]string
}

// NewMessage returns a message with a new random id
func NewMessage(body []byte) Message {
	return Message{
		ID:         uuid.New().String(),
		Body:       body,
		Properties: map[string]string{},
	}
}

// Sender sends telemetry
type Sender interface {
	SendEvent(ctx context.Context, message Message) error
	Close() error
}

// The system property names
const (
	PropertyMessageID       = "$.mid"
	PropertyContentType     = "$.ct"
	PropertyContentEncoding = "$.ce"
)

// Header names of the system and application properties in HTTP requests
const (
	HeaderMessageID       = "iothub-messageid"
	HeaderContentType     = "iothub-contenttype"
	HeaderContentEncoding = "iothub-contentencoding"
	HeaderAppPrefix       = "iothub-app-"
)

// EncodeProperties encodes system and application properties as percent-encoded
// key=value pairs joined by '&', sorted by key.
func EncodeProperties(m Message) string {
	all := map[string]string{}
	for k, v := range m.Properties {
		all[k] = v
	}
	if len(m.ID) > 0 {
		all[PropertyMessageID] = m.ID
	}
	if len(m.ContentType) > 0 {
		all[PropertyContentType] = m.ContentType
	}
	if len(m.ContentEncoding) > 0 {
		all[PropertyContentEncoding] = m.ContentEncoding
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, sas.Encode(k)+"="+sas.Encode(all[k]))
	}
	return strings.Join(pairs, "&")
}

// DecodeProperties is the inverse of EncodeProperties. System properties are moved
// to their Message fields, everything else becomes an application property.
func DecodeProperties(encoded string) (Message, error) {
	m := Message{Properties: map[string]string{}}
	for _, pair := range strings.Split(encoded, "&") {
		if len(pair) == 0 {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return m, err
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return m, err
		}
		switch key {
		case PropertyMessageID:
			m.ID = value
		case PropertyContentType:
			m.ContentType = value
		case PropertyContentEncoding:
			m.ContentEncoding = value
		default:
			m.Properties[key] = value
		}
	}
	return m, nil
}

// EventPath returns the path of the event endpoint of a device or module
func EventPath(deviceID, moduleID string) string {
	path := "devices/" + sas.Encode(deviceID)
	if len(moduleID) > 0 {
		path += "/modules/" + sas.Encode(moduleID)
	}
	return path + "/messages/events"
}
