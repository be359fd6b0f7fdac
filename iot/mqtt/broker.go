// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/relabs-tech/kurbisio-device/core/access"
	"github.com/relabs-tech/kurbisio-device/core/logger"
	"github.com/relabs-tech/kurbisio-device/core/sas"
	"github.com/relabs-tech/kurbisio-device/device/transport"
	"github.com/relabs-tech/kurbisio-device/iot/forwarder"
)

// ErrTopicNotAllowed is returned for telemetry on a topic the client may not publish to
var ErrTopicNotAllowed = errors.New("topic not allowed")

// Broker is a MQTT broker for devices which authenticate with shared access signatures
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Listener accepts the MQTT connections. This is mandatory.
	Listener net.Listener
	// HostName is the host name of the hub. This is mandatory.
	HostName string
	// Authenticator verifies the passwords. This is mandatory.
	Authenticator *access.SasAuthenticator
	// Forwarder receives the telemetry. This is mandatory.
	Forwarder forwarder.Forwarder
	// Clock defaults to the real clock
	Clock clock.PassiveClock
}

// plugin is the plugin for GMQTT
type plugin struct {
	listener      net.Listener
	hostName      string
	authenticator *access.SasAuthenticator
	forwarder     forwarder.Forwarder
	clock         clock.PassiveClock
	log           *logrus.Entry

	mutex          sync.RWMutex
	authorizations map[string]*access.Authorization
	// connected maps open connections to the authorization they connected with
	connected map[gmqtt.Client]*access.Authorization

	service gmqtt.Server
}

// NewBroker returns a new broker. The broker will not actually run until you call Run().
// It panics if a mandatory field is missing.
func NewBroker(bb *Builder) *Broker {
	if bb.Listener == nil {
		panic("Listener missing")
	}
	if len(bb.HostName) == 0 {
		panic("HostName missing")
	}
	if bb.Authenticator == nil {
		panic("Authenticator missing")
	}
	if bb.Forwarder == nil {
		panic("Forwarder missing")
	}
	p := &plugin{
		listener:       bb.Listener,
		hostName:       bb.HostName,
		authenticator:  bb.Authenticator,
		forwarder:      bb.Forwarder,
		clock:          bb.Clock,
		log:            logger.Default().WithField("broker", bb.Listener.Addr().String()),
		authorizations: make(map[string]*access.Authorization),
		connected:      make(map[gmqtt.Client]*access.Authorization),
	}
	if p.clock == nil {
		p.clock = clock.RealClock{}
	}
	return &Broker{p: p}
}

// Run runs the server until ctx is done, then stops it gracefully
func (b *Broker) Run(ctx context.Context) {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.listener),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	b.p.log.Info("broker started")
	<-ctx.Done()
	s.Stop(context.Background())
	b.p.log.Info("broker stopped")
}

// SendToDevice publishes a cloud-to-device message with QoS 1 to
// devices/{device_id}/messages/devicebound/, with device_id escaped like in telemetry topics
func (b *Broker) SendToDevice(deviceID string, payload []byte) error {
	b.p.mutex.RLock()
	service := b.p.service
	b.p.mutex.RUnlock()
	if service == nil {
		return fmt.Errorf("broker is not running")
	}
	service.PublishService().Publish(gmqtt.NewMessage(DeviceBoundTopic(deviceID), payload, packets.QOS_1))
	return nil
}

// DeviceBoundTopic returns the topic prefix of cloud-to-device messages
func DeviceBoundTopic(deviceID string) string {
	return "devices/" + sas.Encode(deviceID) + "/messages/devicebound/"
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.mutex.Lock()
	p.service = service
	p.mutex.Unlock()
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "kurbisio device broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

// authorize checks the CONNECT credentials. The client id must be the device id, or
// device id and module id separated by a slash, and the password a token for it.
func (p *plugin) authorize(ctx context.Context, clientID, username, password string) (*access.Authorization, error) {
	if !strings.HasPrefix(username, p.hostName+"/"+clientID+"/") {
		return nil, fmt.Errorf("%w: user name %s does not match client %s", access.ErrUnauthorized, username, clientID)
	}
	auth, err := p.authenticator.Authenticate(ctx, password)
	if err != nil {
		return nil, err
	}
	if !auth.HasRole(access.RoleDevice) || auth.Identity() != clientID {
		return nil, fmt.Errorf("%w: token is not valid for client %s", access.ErrUnauthorized, clientID)
	}
	p.mutex.Lock()
	p.authorizations[clientID] = auth
	p.mutex.Unlock()
	return auth, nil
}

// track remembers the authorization of an open connection
func (p *plugin) track(client gmqtt.Client, auth *access.Authorization) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.connected[client] = auth
}

// release forgets a closed connection. The authorization of clientID is kept if a
// newer connection of the same client has replaced it.
func (p *plugin) release(client gmqtt.Client, clientID string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	auth, ok := p.connected[client]
	if !ok {
		return
	}
	delete(p.connected, client)
	if p.authorizations[clientID] == auth {
		delete(p.authorizations, clientID)
	}
}

func (p *plugin) authorization(clientID string) *access.Authorization {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.authorizations[clientID]
}

// OnConnectWrapper authenticates clients with the shared access signature in the password
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		options := client.OptionsReader()
		clientID := options.ClientID()
		ctx, rlog := logger.ContextWithLoggerIdentity(ctx, clientID)
		auth, err := p.authorize(ctx, clientID, options.Username(), options.Password())
		if err != nil {
			rlog.WithError(err).Info("connect denied")
			return packets.CodeNotAuthorized
		}
		p.track(client, auth)
		rlog.Debug("connect")
		return connect(ctx, client)
	}
}

// OnCloseWrapper drops the authorization of closed connections
func (p *plugin) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		clientID := client.OptionsReader().ClientID()
		p.release(client, clientID)
		p.log.WithField("identity", clientID).Debug("connection closed")
		closed(ctx, client, err)
	}
}

// OnMsgArrivedWrapper forwards telemetry
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		clientID := client.OptionsReader().ClientID()
		ctx, rlog := logger.ContextWithLoggerIdentity(ctx, clientID)
		if err := p.handleEvent(ctx, p.authorization(clientID), msg.Topic(), msg.Payload()); err != nil {
			rlog.WithError(err).Info("message dropped")
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		clientID := client.OptionsReader().ClientID()
		auth := p.authorization(clientID)
		if auth == nil || !strings.HasPrefix(topic.Name, DeviceBoundTopic(auth.DeviceID)) {
			p.log.WithField("identity", clientID).Infoln("subscribe", topic.Name, "denied")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// handleEvent forwards a telemetry message which arrived on topic
func (p *plugin) handleEvent(ctx context.Context, auth *access.Authorization, topic string, payload []byte) error {
	if auth == nil {
		return access.ErrUnauthorized
	}
	now := p.clock.Now()
	if auth.IsExpired(now) {
		return fmt.Errorf("%w: token expired", access.ErrUnauthorized)
	}
	deviceID, moduleID, properties, ok := ParseEventTopic(topic)
	if !ok || !auth.IsAuthorizedFor(deviceID, moduleID) {
		return fmt.Errorf("%w: %s", ErrTopicNotAllowed, topic)
	}
	m, err := transport.DecodeProperties(properties)
	if err != nil {
		return fmt.Errorf("invalid properties: %w", err)
	}
	return p.forwarder.Forward(ctx, forwarder.Telemetry{
		DeviceID:        deviceID,
		ModuleID:        moduleID,
		MessageID:       m.ID,
		ContentType:     m.ContentType,
		ContentEncoding: m.ContentEncoding,
		Properties:      m.Properties,
		Body:            payload,
		Transport:       forwarder.TransportMQTT,
		ReceivedAt:      now.UTC(),
	})
}

// ParseEventTopic splits a telemetry topic
// devices/{device_id}[/modules/{module_id}]/messages/events/{properties}
func ParseEventTopic(topic string) (deviceID, moduleID, properties string, ok bool) {
	segments := strings.SplitN(topic, "/", 7)
	if len(segments) < 4 || segments[0] != "devices" {
		return "", "", "", false
	}
	var err error
	if deviceID, err = url.PathUnescape(segments[1]); err != nil || len(deviceID) == 0 {
		return "", "", "", false
	}
	rest := segments[2:]
	if rest[0] == "modules" {
		if len(rest) < 4 {
			return "", "", "", false
		}
		if moduleID, err = url.PathUnescape(rest[1]); err != nil || len(moduleID) == 0 {
			return "", "", "", false
		}
		rest = rest[2:]
	}
	if len(rest) < 3 || rest[0] != "messages" || rest[1] != "events" {
		return "", "", "", false
	}
	properties = strings.Join(rest[2:], "/")
	return deviceID, moduleID, properties, true
}
