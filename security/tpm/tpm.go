// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package tpm connects a hardware security module to shared access signature signing.

The key never leaves the module. SecurityClient is implemented by the driver of the
module, Signer adapts it to sas.Signer.
*/
package tpm

import (
	"context"
	"errors"

	"github.com/relabs-tech/kurbisio-device/core"
	"github.com/relabs-tech/kurbisio-device/core/sas"
)

// SecurityClient is the signing interface of a trusted platform module driver. The
// call may block until the module answers.
type SecurityClient interface {
	// SignWithIdentity signs data with the identity key of the module
	SignWithIdentity(ctx context.Context, data []byte) ([]byte, error)
}

// Signer signs with the identity key of a SecurityClient
type Signer struct {
	client SecurityClient
}

// NewSigner returns a signer for client
func NewSigner(client SecurityClient) *Signer {
	return &Signer{client: client}
}

// Sign calls SignWithIdentity. Failures of the module, including an empty signature,
// are returned as *core.SigningError wrapping the module error.
func (s *Signer) Sign(ctx context.Context, data []byte) ([]byte, error) {
	signature, err := s.client.SignWithIdentity(ctx, data)
	if err != nil {
		return nil, &core.SigningError{Err: err}
	}
	if len(signature) == 0 {
		return nil, &core.SigningError{Err: errors.New("module returned an empty signature")}
	}
	return signature, nil
}

var _ sas.Signer = (*Signer)(nil)
