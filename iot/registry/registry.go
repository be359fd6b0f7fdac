// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package registry stores the identities of devices known to the hub

Every device has a primary and an optional secondary symmetric key. Either key
can sign the device's shared access signatures, so keys can be rolled without
downtime. Disabled devices cannot authenticate.

There is an in-memory registry for tests and small setups, and a registry on a
postgres database which stores the device properties as JSON.
*/
package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/relabs-tech/kurbisio-device/core"
	"github.com/relabs-tech/kurbisio-device/core/access"
	"github.com/relabs-tech/kurbisio-device/core/sas"
)

// ErrNotFound is returned for devices which do not exist
var ErrNotFound = errors.New("device not found")

// ErrExists is returned by Create for devices which already exist
var ErrExists = errors.New("device already exists")

// Status is the status of a device
type Status string

// The device states
const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
)

// Device is a device identity
type Device struct {
	DeviceID     string    `json:"device_id"`
	PrimaryKey   string    `json:"primary_key"`
	SecondaryKey string    `json:"secondary_key,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// Registry stores device identities
type Registry interface {
	// Create creates a device. A missing primary key is generated, a missing
	// status defaults to enabled.
	Create(ctx context.Context, device Device) (*Device, error)
	Get(ctx context.Context, deviceID string) (*Device, error)
	Delete(ctx context.Context, deviceID string) error
	List(ctx context.Context) ([]Device, error)
}

// NewKey returns a new random base64 encoded 256 bit key
func NewKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// prepare validates a device for Create and fills in the defaults
func prepare(device Device, now time.Time) (Device, error) {
	if len(device.DeviceID) == 0 {
		return device, core.NewArgumentError("device_id", "must not be empty")
	}
	if len(device.PrimaryKey) == 0 {
		key, err := NewKey()
		if err != nil {
			return device, err
		}
		device.PrimaryKey = key
	}
	for _, key := range []string{device.PrimaryKey, device.SecondaryKey} {
		if len(key) == 0 {
			continue
		}
		if _, err := sas.DecodeKey(key); err != nil {
			return device, err
		}
	}
	switch device.Status {
	case "":
		device.Status = StatusEnabled
	case StatusEnabled, StatusDisabled:
	default:
		return device, core.NewArgumentError("status", "unknown status '%s'", device.Status)
	}
	device.CreatedAt = now.UTC().Truncate(time.Millisecond)
	return device, nil
}

type keyResolver struct {
	registry Registry
}

// KeyResolver returns an access.KeyResolver for the keys of enabled devices in r
func KeyResolver(r Registry) access.KeyResolver {
	return keyResolver{registry: r}
}

func (k keyResolver) DeviceKeys(ctx context.Context, deviceID string) ([][]byte, error) {
	device, err := k.registry.Get(ctx, deviceID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", access.ErrUnknownDevice, deviceID)
	}
	if err != nil {
		return nil, err
	}
	if device.Status != StatusEnabled {
		return nil, fmt.Errorf("%w: %s is %s", access.ErrUnknownDevice, deviceID, device.Status)
	}
	var keys [][]byte
	for _, key := range []string{device.PrimaryKey, device.SecondaryKey} {
		if len(key) == 0 {
			continue
		}
		decoded, err := sas.DecodeKey(key)
		if err != nil {
			return nil, err
		}
		keys = append(keys, decoded)
	}
	return keys, nil
}
