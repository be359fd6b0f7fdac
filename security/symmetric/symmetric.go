// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package symmetric signs shared access signatures with a local symmetric key.

Key is the signer for devices holding a SharedAccessKey. SecurityClient creates
the registration tokens used against the provisioning service, and DeriveDeviceKey
computes the per-device key of a group enrollment.
*/
package symmetric

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/relabs-tech/kurbisio-device/core"
	"github.com/relabs-tech/kurbisio-device/core/sas"
)

// Key is a decoded symmetric key. It implements sas.Signer.
type Key struct {
	key []byte
}

// NewKey decodes a base64 key. Malformed key material fails here and not later
// during signing.
func NewKey(base64Key string) (*Key, error) {
	if len(base64Key) == 0 {
		return nil, core.NewArgumentError("key", "must not be empty")
	}
	decoded, err := sas.DecodeKey(base64Key)
	if err != nil {
		return nil, err
	}
	return &Key{key: decoded}, nil
}

// Sign returns the HMAC-SHA256 of data. It does not block. It only fails for a
// Key which was not created with NewKey.
func (k *Key) Sign(ctx context.Context, data []byte) ([]byte, error) {
	if k == nil || len(k.key) == 0 {
		return nil, &core.SigningError{Err: errors.New("no key material")}
	}
	return sas.Sign(k.key, string(data)), nil
}

var _ sas.Signer = (*Key)(nil)

// RegistrationKeyName is the key name of provisioning registration tokens
const RegistrationKeyName = "registration"

// SecurityClient holds the registration id and key of a device which registers
// itself with the provisioning service
type SecurityClient struct {
	registrationID string
	key            *Key
}

// NewSecurityClient returns a security client for registrationID
func NewSecurityClient(registrationID, base64Key string) (*SecurityClient, error) {
	if len(registrationID) == 0 {
		return nil, core.NewArgumentError("registrationID", "must not be empty")
	}
	key, err := NewKey(base64Key)
	if err != nil {
		return nil, err
	}
	return &SecurityClient{registrationID: registrationID, key: key}, nil
}

// RegistrationID returns the registration id
func (c *SecurityClient) RegistrationID() string {
	return c.registrationID
}

// CreateSharedAccessSignature returns a registration token for idScope, valid until expiry
func (c *SecurityClient) CreateSharedAccessSignature(ctx context.Context, idScope string, expiry uint64) (*sas.SharedAccessSignature, error) {
	if len(idScope) == 0 {
		return nil, core.NewArgumentError("idScope", "must not be empty")
	}
	resourceURI := idScope + "/registrations/" + c.registrationID
	return sas.CreateWithSigner(ctx, resourceURI, RegistrationKeyName, expiry, c.key)
}

// DeriveDeviceKey derives the key of a single device from the key of its enrollment
// group. The result is the base64 encoded HMAC-SHA256 of registrationID.
func DeriveDeviceKey(groupKey, registrationID string) (string, error) {
	key, err := NewKey(groupKey)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sas.Sign(key.key, registrationID)), nil
}
