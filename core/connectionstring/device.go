// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package connectionstring

import (
	"strings"

	"github.com/relabs-tech/kurbisio-device/core"
)

// AuthenticationType is the way a device authenticates against the hub
type AuthenticationType string

// the supported authentication types
const (
	AuthenticationSharedAccessKey       AuthenticationType = "SharedAccessKey"
	AuthenticationSharedAccessSignature AuthenticationType = "SharedAccessSignature"
	AuthenticationX509                  AuthenticationType = "x509"
)

// DeviceConnectionString is a validated device connection string
type DeviceConnectionString struct {
	HostName              string
	GatewayHostName       string
	DeviceID              string
	ModuleID              string
	SharedAccessKey       string
	SharedAccessKeyName   string
	SharedAccessSignature string
	Authentication        AuthenticationType
}

// ParseDevice parses and validates a device connection string. HostName and DeviceId
// are mandatory, and exactly one of SharedAccessKey, SharedAccessSignature or x509=true
// must be present.
func ParseDevice(source interface{}) (*DeviceConnectionString, error) {
	cs, err := Parse(source, HostName, DeviceID)
	if err != nil {
		return nil, err
	}

	d := &DeviceConnectionString{
		HostName:              cs.Value(HostName),
		GatewayHostName:       cs.Value(GatewayHostName),
		DeviceID:              cs.Value(DeviceID),
		ModuleID:              cs.Value(ModuleID),
		SharedAccessKey:       cs.Value(SharedAccessKey),
		SharedAccessKeyName:   cs.Value(SharedAccessKeyName),
		SharedAccessSignature: cs.Value(SharedAccessSignature),
	}

	var found []AuthenticationType
	if len(d.SharedAccessKey) > 0 {
		found = append(found, AuthenticationSharedAccessKey)
	}
	if len(d.SharedAccessSignature) > 0 {
		found = append(found, AuthenticationSharedAccessSignature)
	}
	if x509, ok := cs.Get(X509); ok && strings.EqualFold(x509, "true") {
		found = append(found, AuthenticationX509)
	}

	switch len(found) {
	case 0:
		return nil, core.NewArgumentError("source",
			"connection string needs one of %s, %s or %s=true", SharedAccessKey, SharedAccessSignature, X509)
	case 1:
		d.Authentication = found[0]
	default:
		return nil, core.NewArgumentError("source", "connection string mixes authentication types %v", found)
	}

	if len(d.HostName) == 0 {
		return nil, core.NewArgumentError(HostName, "must not be empty")
	}
	if len(d.DeviceID) == 0 {
		return nil, core.NewArgumentError(DeviceID, "must not be empty")
	}
	return d, nil
}

// String serializes the device connection string
func (d *DeviceConnectionString) String() string {
	var parts []string
	add := func(key, value string) {
		if len(value) > 0 {
			parts = append(parts, key+"="+value)
		}
	}
	add(HostName, d.HostName)
	add(DeviceID, d.DeviceID)
	add(ModuleID, d.ModuleID)
	add(SharedAccessKeyName, d.SharedAccessKeyName)
	add(SharedAccessKey, d.SharedAccessKey)
	add(SharedAccessSignature, d.SharedAccessSignature)
	add(GatewayHostName, d.GatewayHostName)
	if d.Authentication == AuthenticationX509 {
		add(X509, "true")
	}
	return strings.Join(parts, ";")
}
