// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package auth provides the credentials a device presents to the hub.

A Provider signs shared access signatures itself, either with a symmetric key or
with a hardware security module, and renews them on a timer before they expire:

  provider, err := auth.FromConnectionString(os.Getenv("DEVICE_CONNECTION_STRING"))
  if err != nil {
    ...
  }
  defer provider.Stop()

  cancel := provider.OnNewTokenAvailable(func(c auth.Credentials) {
    // reconnect with c.SharedAccessSignature
  })
  defer cancel()

  credentials, err := provider.GetCredentials(ctx)

A SharedAccessSignatureProvider wraps a token supplied by the application, which
replaces it with UpdateSharedAccessSignature.

Listeners are called synchronously from the goroutine which produced the token.
They may call Stop() of the provider that calls them; Stop does not wait for
running listeners.
*/
package auth

import (
	"context"
	"time"

	"github.com/relabs-tech/kurbisio-device/core"
)

// Credentials are the credentials of a device or module. A value is replaced on
// renewal, never modified.
type Credentials struct {
	Host                  string
	GatewayHostName       string
	DeviceID              string
	ModuleID              string
	SharedAccessSignature string
	// TokenValidUntil is the expiry of SharedAccessSignature. It is zero if unknown.
	TokenValidUntil time.Time
}

// RenewalConfig configures the token lifetime. A token is renewed
// TokenValidity - RenewalMargin after it was created.
type RenewalConfig struct {
	TokenValidity time.Duration
	RenewalMargin time.Duration
}

// DefaultRenewalConfig returns one hour validity and a 15 minutes margin
func DefaultRenewalConfig() RenewalConfig {
	return RenewalConfig{
		TokenValidity: time.Hour,
		RenewalMargin: 15 * time.Minute,
	}
}

// Validate checks that the validity is at least one second and exceeds the margin by
// at least one second
func (c RenewalConfig) Validate() error {
	if c.TokenValidity < time.Second {
		return core.NewArgumentError("TokenValidity", "must be at least one second, is %s", c.TokenValidity)
	}
	if c.RenewalMargin < 0 {
		return core.NewArgumentError("RenewalMargin", "must not be negative, is %s", c.RenewalMargin)
	}
	// token expiries have second resolution
	if c.TokenValidity-c.RenewalMargin < time.Second {
		return core.NewArgumentError("RenewalMargin", "must be at least one second smaller than TokenValidity %s, is %s",
			c.TokenValidity, c.RenewalMargin)
	}
	return nil
}

// State is the renewal state of a Provider
type State int

// The states of a Provider. Stopped is terminal.
const (
	StateIdle State = iota
	StateGenerating
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Authenticator is implemented by all providers. Transports depend on it.
type Authenticator interface {
	// GetCredentials returns the current credentials, generating a token if needed
	GetCredentials(ctx context.Context) (Credentials, error)
	// UpdateSharedAccessSignature replaces a token supplied by the application
	UpdateSharedAccessSignature(token string) error
	// OnNewTokenAvailable registers a listener for new tokens
	OnNewTokenAvailable(listener func(Credentials)) (cancel func())
	// OnError registers a listener for renewal failures
	OnError(listener func(error)) (cancel func())
	// Stop stops renewing. It is idempotent.
	Stop()
}
