// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package mqtt sends device telemetry to the hub over MQTT.

The device authenticates with its shared access signature as password. When the
authenticator announces a new token, the transport reconnects so that the broker
sees the new token. A failed renewal leaves the authenticator without a renewal
timer, so the transport asks for new credentials itself once the token has expired,
on the next SendEvent or connection attempt.
*/
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/relabs-tech/kurbisio-device/core/logger"
	"github.com/relabs-tech/kurbisio-device/device/auth"
	"github.com/relabs-tech/kurbisio-device/device/transport"
)

const (
	defaultConnectTimeout    = 30 * time.Second
	defaultDisconnectQuiesce = 250
	eventQoS                 = 1
)

// Builder is a builder helper for the Transport
type Builder struct {
	// Authenticator provides the credentials. Mandatory.
	Authenticator auth.Authenticator
	// BrokerURL defaults to ssl://<host>:8883, or the gateway host if there is one
	BrokerURL string
	// TLSConfig is used for ssl:// brokers
	TLSConfig *tls.Config
	// ConnectTimeout defaults to 30 seconds
	ConnectTimeout time.Duration
	// NewClient creates the paho client, defaults to pahomqtt.NewClient
	NewClient func(*pahomqtt.ClientOptions) pahomqtt.Client
	// Logger defaults to logger.Default()
	Logger *logrus.Entry
	// Clock decides when a token has expired, defaults to the real clock
	Clock clock.PassiveClock
}

// Transport is an MQTT connection of a device or module
type Transport struct {
	authenticator  auth.Authenticator
	brokerURL      string
	tlsConfig      *tls.Config
	connectTimeout time.Duration
	newClient      func(*pahomqtt.ClientOptions) pahomqtt.Client
	log            *logrus.Entry
	clock          clock.PassiveClock

	mutex       sync.RWMutex
	client      pahomqtt.Client
	credentials auth.Credentials
	unsubscribe []func()
	closed      bool
}

// New returns a new transport. It panics if the builder has no Authenticator.
func New(b *Builder) *Transport {
	if b.Authenticator == nil {
		panic("Authenticator missing")
	}
	t := &Transport{
		authenticator:  b.Authenticator,
		brokerURL:      b.BrokerURL,
		tlsConfig:      b.TLSConfig,
		connectTimeout: b.ConnectTimeout,
		newClient:      b.NewClient,
		log:            b.Logger,
		clock:          b.Clock,
	}
	if t.connectTimeout == 0 {
		t.connectTimeout = defaultConnectTimeout
	}
	if t.newClient == nil {
		t.newClient = pahomqtt.NewClient
	}
	if t.log == nil {
		t.log = logger.Default()
	}
	if t.clock == nil {
		t.clock = clock.RealClock{}
	}
	return t
}

// Username returns the MQTT user name of a device or module
func Username(c auth.Credentials) string {
	target := c.DeviceID
	if len(c.ModuleID) > 0 {
		target += "/" + c.ModuleID
	}
	return c.Host + "/" + target + "/?api-version=" + transport.APIVersion
}

// ClientID returns the MQTT client id of a device or module
func ClientID(c auth.Credentials) string {
	if len(c.ModuleID) > 0 {
		return c.DeviceID + "/" + c.ModuleID
	}
	return c.DeviceID
}

// EventTopic returns the topic for telemetry of a device or module
func EventTopic(c auth.Credentials, m transport.Message) string {
	return transport.EventPath(c.DeviceID, c.ModuleID) + "/" + transport.EncodeProperties(m)
}

// Connect connects to the broker
func (t *Transport) Connect(ctx context.Context) error {
	credentials, err := t.authenticator.GetCredentials(ctx)
	if err != nil {
		return err
	}

	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return transport.ErrNotConnected
	}
	if t.client != nil {
		t.mutex.Unlock()
		return nil
	}
	t.credentials = credentials
	brokerURL := t.brokerURL
	if len(brokerURL) == 0 {
		host := credentials.Host
		if len(credentials.GatewayHostName) > 0 {
			host = credentials.GatewayHostName
		}
		brokerURL = "ssl://" + host + ":8883"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(ClientID(credentials)).
		SetCredentialsProvider(t.currentCredentials).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectTimeout(t.connectTimeout).
		SetProtocolVersion(4)
	if t.tlsConfig != nil {
		opts.SetTLSConfig(t.tlsConfig)
	}
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		t.log.Debug("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		t.log.WithError(err).Info("mqtt connection lost")
	})
	client := t.newClient(opts)
	t.client = client
	t.unsubscribe = []func(){
		t.authenticator.OnNewTokenAvailable(t.handleNewToken),
		t.authenticator.OnError(func(err error) {
			t.log.WithError(err).Error("token renewal failed, retrying once the token has expired")
		}),
	}
	t.mutex.Unlock()

	if err := wait(ctx, client.Connect()); err != nil {
		t.disconnect(false)
		return fmt.Errorf("%w: %v", transport.ErrNotConnected, err)
	}
	return nil
}

// currentCredentials is the paho credentials provider, called on every connect
func (t *Transport) currentCredentials() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.connectTimeout)
	defer cancel()
	c, err := t.validCredentials(ctx)
	if err != nil {
		t.log.WithError(err).Error("cannot renew expired token")
		t.mutex.RLock()
		c = t.credentials
		t.mutex.RUnlock()
	}
	return Username(c), c.SharedAccessSignature
}

// validCredentials returns the cached credentials, or new ones from the authenticator
// if the cached token has expired. Tokens of unknown expiry are never renewed here.
func (t *Transport) validCredentials(ctx context.Context) (auth.Credentials, error) {
	t.mutex.RLock()
	c := t.credentials
	t.mutex.RUnlock()
	if c.TokenValidUntil.IsZero() || t.clock.Now().Before(c.TokenValidUntil) {
		return c, nil
	}
	t.log.WithField("valid_until", c.TokenValidUntil).Info("token expired, requesting a new one")
	// a new token also reaches handleNewToken, which reconnects
	fresh, err := t.authenticator.GetCredentials(ctx)
	if err != nil {
		return auth.Credentials{}, err
	}
	t.mutex.Lock()
	if fresh.TokenValidUntil.After(t.credentials.TokenValidUntil) {
		t.credentials = fresh
	}
	t.mutex.Unlock()
	return fresh, nil
}

func (t *Transport) handleNewToken(c auth.Credentials) {
	t.mutex.Lock()
	t.credentials = c
	client := t.client
	closed := t.closed
	t.mutex.Unlock()
	if client == nil || closed || !client.IsConnected() {
		return
	}
	// listeners must not block the authenticator
	go t.reconnect(client)
}

// current returns true if client is still the client of an open transport
func (t *Transport) current(client pahomqtt.Client) bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return !t.closed && t.client == client
}

func (t *Transport) reconnect(client pahomqtt.Client) {
	client.Disconnect(defaultDisconnectQuiesce)
	if !t.current(client) {
		return
	}
	token := client.Connect()
	if !token.WaitTimeout(t.connectTimeout) {
		t.log.Error("reconnect with new token timed out")
		return
	}
	if err := token.Error(); err != nil {
		t.log.WithError(err).Error("cannot reconnect with new token")
		return
	}
	if !t.current(client) {
		// closed while connecting
		client.Disconnect(defaultDisconnectQuiesce)
		return
	}
	t.log.Debug("reconnected with new token")
}

// SendEvent publishes a telemetry message with QoS 1
func (t *Transport) SendEvent(ctx context.Context, m transport.Message) error {
	t.mutex.RLock()
	client := t.client
	t.mutex.RUnlock()
	if client == nil || !client.IsConnected() {
		return transport.ErrNotConnected
	}
	credentials, err := t.validCredentials(ctx)
	if err != nil {
		return fmt.Errorf("cannot renew expired token: %w", err)
	}
	topic := EventTopic(credentials, m)
	if err := wait(ctx, client.Publish(topic, eventQoS, false, m.Body)); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrPublishFailed, err)
	}
	return nil
}

// Close disconnects from the broker. It does not stop the authenticator.
func (t *Transport) Close() error {
	t.disconnect(true)
	return nil
}

func (t *Transport) disconnect(final bool) {
	t.mutex.Lock()
	client := t.client
	unsubscribe := t.unsubscribe
	t.client = nil
	t.unsubscribe = nil
	if final {
		t.closed = true
	}
	t.mutex.Unlock()

	for _, cancel := range unsubscribe {
		cancel()
	}
	if client != nil {
		client.Disconnect(defaultDisconnectQuiesce)
	}
}

func wait(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ transport.Sender = (*Transport)(nil)
