// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package auth

import (
	"context"
	"sync"

	"github.com/relabs-tech/kurbisio-device/core"
	"github.com/relabs-tech/kurbisio-device/core/sas"
)

// SharedAccessSignatureProvider hands out a token supplied by the application. It
// never renews; the application calls UpdateSharedAccessSignature before the token
// expires.
type SharedAccessSignatureProvider struct {
	events events

	mutex       sync.Mutex
	credentials Credentials
	stopped     bool
}

// NewSharedAccessSignatureProvider returns a provider for token. The token must parse.
func NewSharedAccessSignatureProvider(identity Credentials, token string) (*SharedAccessSignatureProvider, error) {
	if len(identity.Host) == 0 {
		return nil, core.NewArgumentError("host", "must not be empty")
	}
	if len(identity.DeviceID) == 0 {
		return nil, core.NewArgumentError("deviceID", "must not be empty")
	}
	p := &SharedAccessSignatureProvider{
		credentials: Credentials{
			Host:            identity.Host,
			GatewayHostName: identity.GatewayHostName,
			DeviceID:        identity.DeviceID,
			ModuleID:        identity.ModuleID,
		},
	}
	credentials, err := p.withToken(token)
	if err != nil {
		return nil, err
	}
	p.credentials = credentials
	return p, nil
}

func (p *SharedAccessSignatureProvider) withToken(token string) (Credentials, error) {
	parsed, err := sas.Parse(token)
	if err != nil {
		return Credentials{}, err
	}
	credentials := p.credentials
	credentials.SharedAccessSignature = token
	credentials.TokenValidUntil, _ = parsed.ExpiresAt()
	return credentials, nil
}

// GetCredentials returns the credentials with the current token
func (p *SharedAccessSignatureProvider) GetCredentials(ctx context.Context) (Credentials, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.stopped {
		return Credentials{}, core.NewInvalidOperationError("GetCredentials", "provider is stopped")
	}
	return p.credentials, nil
}

// UpdateSharedAccessSignature replaces the token and emits a new token event
func (p *SharedAccessSignatureProvider) UpdateSharedAccessSignature(token string) error {
	p.mutex.Lock()
	if p.stopped {
		p.mutex.Unlock()
		return core.NewInvalidOperationError("UpdateSharedAccessSignature", "provider is stopped")
	}
	credentials, err := p.withToken(token)
	if err != nil {
		p.mutex.Unlock()
		return err
	}
	p.credentials = credentials
	p.mutex.Unlock()

	p.events.emitNewToken(credentials)
	return nil
}

// OnNewTokenAvailable registers a listener for updated tokens
func (p *SharedAccessSignatureProvider) OnNewTokenAvailable(listener func(Credentials)) func() {
	return p.events.newToken.add(listener)
}

// OnError registers a listener. The provider never fails on its own, so the listener
// is never called.
func (p *SharedAccessSignatureProvider) OnError(listener func(error)) func() {
	return p.events.failures.add(listener)
}

// Stop is idempotent and may be called from a listener
func (p *SharedAccessSignatureProvider) Stop() {
	p.mutex.Lock()
	p.stopped = true
	p.mutex.Unlock()
	p.events.stop()
}

var _ Authenticator = (*SharedAccessSignatureProvider)(nil)
