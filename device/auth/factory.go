// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package auth

import (
	"github.com/relabs-tech/kurbisio-device/core"
	"github.com/relabs-tech/kurbisio-device/core/connectionstring"
	"github.com/relabs-tech/kurbisio-device/security/symmetric"
	"github.com/relabs-tech/kurbisio-device/security/tpm"
)

// FromConnectionString returns the provider matching the authentication type of a
// device connection string. A SharedAccessKey yields a renewing *Provider, a
// SharedAccessSignature a *SharedAccessSignatureProvider. Options apply to *Provider only.
func FromConnectionString(source interface{}, opts ...Option) (Authenticator, error) {
	cs, err := connectionstring.ParseDevice(source)
	if err != nil {
		return nil, err
	}
	identity := Credentials{
		Host:            cs.HostName,
		GatewayHostName: cs.GatewayHostName,
		DeviceID:        cs.DeviceID,
		ModuleID:        cs.ModuleID,
	}

	switch cs.Authentication {
	case connectionstring.AuthenticationSharedAccessKey:
		key, err := symmetric.NewKey(cs.SharedAccessKey)
		if err != nil {
			return nil, err
		}
		opts = append([]Option{WithKeyName(cs.SharedAccessKeyName)}, opts...)
		provider, err := NewProvider(identity, key, opts...)
		if err != nil {
			return nil, err
		}
		return provider, nil
	case connectionstring.AuthenticationSharedAccessSignature:
		provider, err := NewSharedAccessSignatureProvider(identity, cs.SharedAccessSignature)
		if err != nil {
			return nil, err
		}
		return provider, nil
	}
	return nil, core.NewArgumentError("source", "authentication type %s is not supported", cs.Authentication)
}

// FromTpmSecurityClient returns a provider which signs with the identity key of a
// hardware security module
func FromTpmSecurityClient(deviceID, host string, client tpm.SecurityClient, opts ...Option) (*Provider, error) {
	if len(deviceID) == 0 {
		return nil, core.NewArgumentError("deviceID", "must not be empty")
	}
	if len(host) == 0 {
		return nil, core.NewArgumentError("host", "must not be empty")
	}
	if client == nil {
		return nil, core.NewArgumentError("client", "must not be nil")
	}
	return NewProvider(Credentials{Host: host, DeviceID: deviceID}, tpm.NewSigner(client), opts...)
}
