// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package auth

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/relabs-tech/kurbisio-device/core"
	"github.com/relabs-tech/kurbisio-device/core/logger"
	"github.com/relabs-tech/kurbisio-device/core/sas"
)

const flightKey = "token"

type options struct {
	renewal RenewalConfig
	clock   clock.WithDelayedExecution
	log     *logrus.Entry
	keyName string
}

// Option configures a Provider
type Option func(*options)

// WithRenewalConfig sets token validity and renewal margin
func WithRenewalConfig(c RenewalConfig) Option {
	return func(o *options) { o.renewal = c }
}

// WithClock sets the clock used for expiry and the renewal timer
func WithClock(c clock.WithDelayedExecution) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) { o.log = log }
}

// WithKeyName sets the skn field of generated tokens
func WithKeyName(keyName string) Option {
	return func(o *options) { o.keyName = keyName }
}

// Provider generates shared access signatures with a sas.Signer and renews them
// before they expire.
//
// Concurrent calls to GetCredentials share a single signing operation, and so does
// the renewal timer. There is no timeout on signing: a signer which never returns
// blocks renewal until Stop() cancels its context.
type Provider struct {
	identity Credentials
	signer   sas.Signer
	keyName  string
	renewal  RenewalConfig
	clock    clock.WithDelayedExecution
	log      *logrus.Entry

	flight singleflight.Group
	events events

	// ctx is handed to the signer and cancelled by Stop()
	ctx    context.Context
	cancel context.CancelFunc

	mutex       sync.Mutex
	state       State
	credentials Credentials
	renewAt     time.Time
	timer       clock.Timer
	timerSeq    uint64
}

// NewProvider returns a provider for the device or module named in identity. Only
// Host, GatewayHostName, DeviceID and ModuleID of identity are used.
func NewProvider(identity Credentials, signer sas.Signer, opts ...Option) (*Provider, error) {
	if len(identity.Host) == 0 {
		return nil, core.NewArgumentError("host", "must not be empty")
	}
	if len(identity.DeviceID) == 0 {
		return nil, core.NewArgumentError("deviceID", "must not be empty")
	}
	if signer == nil {
		return nil, core.NewArgumentError("signer", "must not be nil")
	}

	o := options{
		renewal: DefaultRenewalConfig(),
		clock:   clock.RealClock{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.renewal.Validate(); err != nil {
		return nil, err
	}
	if o.log == nil {
		o.log = logger.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		identity: Credentials{
			Host:            identity.Host,
			GatewayHostName: identity.GatewayHostName,
			DeviceID:        identity.DeviceID,
			ModuleID:        identity.ModuleID,
		},
		signer:  signer,
		keyName: o.keyName,
		renewal: o.renewal,
		clock:   o.clock,
		log: o.log.WithFields(logrus.Fields{
			"device_id": identity.DeviceID,
			"host":      identity.Host,
		}),
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
	}, nil
}

// State returns the current state
func (p *Provider) State() State {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.state
}

// RenewalConfig returns the renewal configuration
func (p *Provider) RenewalConfig() RenewalConfig {
	return p.renewal
}

// GetCredentials returns the current credentials. A new token is generated if there
// is none yet, if the last renewal failed, or if the token is inside its renewal margin.
//
// Signing errors are returned as the signer reported them. Cancelling ctx only stops
// waiting; a signing operation already started completes for the other callers.
func (p *Provider) GetCredentials(ctx context.Context) (Credentials, error) {
	p.mutex.Lock()
	switch {
	case p.state == StateStopped:
		p.mutex.Unlock()
		return Credentials{}, core.NewInvalidOperationError("GetCredentials", "provider is stopped")
	case p.state == StateActive && p.clock.Now().Before(p.renewAt):
		credentials := p.credentials
		p.mutex.Unlock()
		return credentials, nil
	}
	p.mutex.Unlock()

	result := p.flight.DoChan(flightKey, func() (interface{}, error) {
		return p.generate()
	})
	select {
	case r := <-result:
		if r.Err != nil {
			return Credentials{}, r.Err
		}
		return r.Val.(Credentials), nil
	case <-ctx.Done():
		return Credentials{}, ctx.Err()
	}
}

// UpdateSharedAccessSignature always fails, the provider signs its tokens itself
func (p *Provider) UpdateSharedAccessSignature(token string) error {
	return core.NewInvalidOperationError("UpdateSharedAccessSignature",
		"the provider generates its own tokens and cannot accept one")
}

// OnNewTokenAvailable registers a listener which is called with every new token,
// including the first one.
func (p *Provider) OnNewTokenAvailable(listener func(Credentials)) func() {
	return p.events.newToken.add(listener)
}

// OnError registers a listener which is called when a timer renewal fails. Failures of
// GetCredentials are returned to the caller instead.
func (p *Provider) OnError(listener func(error)) func() {
	return p.events.failures.add(listener)
}

// Stop cancels the renewal timer and any running signing operation. After Stop returns,
// no listener is called and GetCredentials fails. Stop is idempotent and may be called
// from a listener.
func (p *Provider) Stop() {
	p.mutex.Lock()
	if p.state != StateStopped {
		p.state = StateStopped
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
		p.timerSeq++
		p.cancel()
		p.log.Debug("token renewal stopped")
	}
	p.mutex.Unlock()
	p.events.stop()
}

// generate runs inside the flight
func (p *Provider) generate() (Credentials, error) {
	p.mutex.Lock()
	if p.state == StateStopped {
		p.mutex.Unlock()
		return Credentials{}, core.NewInvalidOperationError("GetCredentials", "provider is stopped")
	}
	p.state = StateGenerating
	now := p.clock.Now()
	p.mutex.Unlock()

	validUntil := now.Add(p.renewal.TokenValidity).Truncate(time.Second)
	expiry := uint64(validUntil.Unix())
	resourceURI := sas.DeviceResourceURI(p.identity.Host, p.identity.DeviceID, p.identity.ModuleID)
	token, err := sas.CreateWithSigner(p.ctx, resourceURI, p.keyName, expiry, p.signer)

	p.mutex.Lock()
	if p.state == StateStopped {
		p.mutex.Unlock()
		return Credentials{}, core.NewInvalidOperationError("GetCredentials", "provider was stopped while signing")
	}
	if err != nil {
		p.state = StateIdle
		p.mutex.Unlock()
		p.log.WithError(err).Error("cannot sign token")
		return Credentials{}, err
	}

	credentials := p.identity
	credentials.SharedAccessSignature = token.String()
	credentials.TokenValidUntil = validUntil
	p.credentials = credentials
	p.state = StateActive
	// derived from the truncated expiry, so a cached token is never past it
	p.renewAt = validUntil.Add(-p.renewal.RenewalMargin)
	p.armTimerLocked(p.renewAt.Sub(now))
	p.mutex.Unlock()

	p.log.WithField("expiry", expiry).Debug("new token")
	p.events.emitNewToken(credentials)
	return credentials, nil
}

func (p *Provider) armTimerLocked(d time.Duration) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timerSeq++
	seq := p.timerSeq
	// the callback must not block the clock
	p.timer = p.clock.AfterFunc(d, func() { go p.renew(seq) })
}

// renew is the timer path. It joins a running flight if there is one.
func (p *Provider) renew(seq uint64) {
	p.mutex.Lock()
	if p.state == StateStopped || seq != p.timerSeq {
		p.mutex.Unlock()
		return
	}
	p.timer = nil
	p.mutex.Unlock()

	r := <-p.flight.DoChan(flightKey, func() (interface{}, error) {
		return p.generate()
	})
	if r.Err != nil && p.State() != StateStopped {
		p.events.emitError(r.Err)
	}
}

var _ Authenticator = (*Provider)(nil)
