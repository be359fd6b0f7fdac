package api_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/relabs-tech/kurbisio-device/core/access"
	"github.com/relabs-tech/kurbisio-device/core/client"
	"github.com/relabs-tech/kurbisio-device/core/sas"
	"github.com/relabs-tech/kurbisio-device/core/schema"
	"github.com/relabs-tech/kurbisio-device/device/auth"
	"github.com/relabs-tech/kurbisio-device/device/transport"
	transporthttp "github.com/relabs-tech/kurbisio-device/device/transport/http"
	"github.com/relabs-tech/kurbisio-device/iot/api"
	"github.com/relabs-tech/kurbisio-device/iot/forwarder"
	"github.com/relabs-tech/kurbisio-device/iot/registry"
)

const (
	hostName  = "hub.example"
	deviceKey = "c2VjcmV0"
	ownerKey  = "b3duZXIta2V5"

	humiditySchema = `{
		"$id" : "http://schemas.example/humidity.json",
		"type" : "object",
		"required" : [ "humidity" ]
	}`
)

var testStart = time.Unix(1600000000, 0)

type fakeMessenger struct {
	sent map[string][]byte
	err  error
}

func (m *fakeMessenger) SendToDevice(deviceID string, payload []byte) error {
	if m.err != nil {
		return m.err
	}
	m.sent[deviceID] = payload
	return nil
}

type testHub struct {
	router    *mux.Router
	messenger *fakeMessenger
	clock     *clocktesting.FakePassiveClock
	registry  *registry.MemoryRegistry
	forwarder *forwarder.MemoryForwarder
}

func newHub(t *testing.T) *testHub {
	h := &testHub{
		router:    mux.NewRouter(),
		messenger: &fakeMessenger{sent: map[string][]byte{}},
		clock:     clocktesting.NewFakePassiveClock(testStart),
		registry:  registry.NewMemoryRegistry(),
		forwarder: forwarder.NewMemoryForwarder(),
	}
	for _, deviceID := range []string{"sensor-1", "sensor-2"} {
		_, err := h.registry.Create(context.Background(), registry.Device{DeviceID: deviceID, PrimaryKey: deviceKey})
		require.NoError(t, err)
	}
	owner, err := sas.DecodeKey(ownerKey)
	require.NoError(t, err)
	validator, err := schema.NewValidator([]string{humiditySchema}, nil)
	require.NoError(t, err)

	api.NewAPI(&api.Builder{
		Router: h.router,
		Authenticator: access.NewSasAuthenticator(&access.SasAuthenticatorBuilder{
			HostName: hostName,
			Keys:     registry.KeyResolver(h.registry),
			Policies: map[string][]byte{"owner": owner},
			Clock:    h.clock,
		}),
		Registry:  h.registry,
		Forwarder: h.forwarder,
		Messenger: h.messenger,
		Validator: validator,
		Clock:     h.clock,
	})
	return h
}

// device returns an http transport of a device whose provider lives at testStart
func (h *testHub) device(t *testing.T, connectionString string) *transporthttp.Transport {
	a, err := auth.FromConnectionString(connectionString, auth.WithClock(clocktesting.NewFakeClock(testStart)))
	require.NoError(t, err)
	t.Cleanup(a.Stop)
	return transporthttp.NewWithClient(a, client.NewWithRouter(h.router))
}

func (h *testHub) service(t *testing.T) client.Client {
	token, err := sas.Create(hostName, "owner", ownerKey, uint64(testStart.Add(time.Hour).Unix()))
	require.NoError(t, err)
	return client.NewWithRouter(h.router).WithAuthorization(token.String())
}

func status(err error) int {
	var statusErr *client.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	return 0
}

func TestSendEvent(t *testing.T) {
	h := newHub(t)
	device := h.device(t, "HostName=hub.example;DeviceId=sensor-1;SharedAccessKey="+deviceKey)

	m := transport.NewMessage([]byte(`{"temperature":21}`))
	m.ContentType = "application/json"
	m.Properties["alert"] = "no"
	require.NoError(t, device.SendEvent(context.Background(), m))

	telemetry := h.forwarder.Telemetry()
	require.Len(t, telemetry, 1)
	assert.Equal(t, "sensor-1", telemetry[0].DeviceID)
	assert.Empty(t, telemetry[0].ModuleID)
	assert.Equal(t, m.ID, telemetry[0].MessageID)
	assert.Equal(t, "application/json", telemetry[0].ContentType)
	assert.Equal(t, map[string]string{"alert": "no"}, telemetry[0].Properties)
	assert.Equal(t, m.Body, telemetry[0].Body)
	assert.Equal(t, forwarder.TransportHTTP, telemetry[0].Transport)
	assert.Equal(t, testStart.UTC(), telemetry[0].ReceivedAt)
}

func TestSendEventFromModule(t *testing.T) {
	h := newHub(t)
	device := h.device(t, "HostName=hub.example;DeviceId=sensor-1;ModuleId=camera;SharedAccessKey="+deviceKey)
	require.NoError(t, device.SendEvent(context.Background(), transport.NewMessage([]byte("frame"))))

	telemetry := h.forwarder.Telemetry()
	require.Len(t, telemetry, 1)
	assert.Equal(t, "camera", telemetry[0].ModuleID)
}

func TestSendEventRejected(t *testing.T) {
	h := newHub(t)
	m := transport.NewMessage([]byte("{}"))

	wrongKey := h.device(t, "HostName=hub.example;DeviceId=sensor-1;SharedAccessKey=b3RoZXI=")
	assert.ErrorIs(t, wrongKey.SendEvent(context.Background(), m), transport.ErrUnauthorized)

	unknown := h.device(t, "HostName=hub.example;DeviceId=sensor-9;SharedAccessKey="+deviceKey)
	assert.ErrorIs(t, unknown.SendEvent(context.Background(), m), transport.ErrUnauthorized)

	otherHub := h.device(t, "HostName=other.example;DeviceId=sensor-1;SharedAccessKey="+deviceKey)
	assert.ErrorIs(t, otherHub.SendEvent(context.Background(), m), transport.ErrUnauthorized)

	// the device's clock is two hours behind, its token expired an hour ago
	h.clock.SetTime(testStart.Add(2 * time.Hour))
	expired := h.device(t, "HostName=hub.example;DeviceId=sensor-1;SharedAccessKey="+deviceKey)
	assert.ErrorIs(t, expired.SendEvent(context.Background(), m), transport.ErrUnauthorized)

	assert.Empty(t, h.forwarder.Telemetry())
}

func TestSendEventForOtherDevice(t *testing.T) {
	h := newHub(t)
	token, err := sas.CreateForDevice(hostName, "sensor-2", deviceKey, uint64(testStart.Add(time.Hour).Unix()))
	require.NoError(t, err)
	c := client.NewWithRouter(h.router).WithAuthorization(token.String())

	_, err = c.RawPost("/devices/sensor-1/messages/events", []byte("{}"), nil)
	assert.Equal(t, http.StatusUnauthorized, status(err), "%v", err)
	_, err = c.RawPost("/devices/sensor-2/modules/camera/messages/events", []byte("{}"), nil)
	assert.Equal(t, http.StatusUnauthorized, status(err), "%v", err)
	_, err = c.RawPost("/devices/sensor-2/messages/events", []byte("{}"), nil)
	assert.NoError(t, err)

	_, err = client.NewWithRouter(h.router).RawPost("/devices/sensor-2/messages/events", []byte("{}"), nil)
	assert.Equal(t, http.StatusUnauthorized, status(err), "%v", err)
}

func TestSendEventValidation(t *testing.T) {
	h := newHub(t)
	device := h.device(t, "HostName=hub.example;DeviceId=sensor-1;SharedAccessKey="+deviceKey)

	m := transport.NewMessage([]byte(`{"temperature":21}`))
	m.ContentType = "application/json"
	m.Properties[api.SchemaProperty] = "http://schemas.example/humidity.json"
	assert.ErrorIs(t, device.SendEvent(context.Background(), m), transport.ErrPublishFailed)

	m.Body = []byte(`{"humidity":40}`)
	assert.NoError(t, device.SendEvent(context.Background(), m))

	m.Body = []byte("not json, not validated")
	m.ContentType = "text/plain"
	assert.NoError(t, device.SendEvent(context.Background(), m))
	assert.Len(t, h.forwarder.Telemetry(), 2)
}

func TestSendEventForwardFailure(t *testing.T) {
	h := newHub(t)
	device := h.device(t, "HostName=hub.example;DeviceId=sensor-1;SharedAccessKey="+deviceKey)
	h.forwarder.SetError(errors.New("kafka down"))

	err := device.SendEvent(context.Background(), transport.NewMessage([]byte("{}")))
	assert.ErrorIs(t, err, transport.ErrPublishFailed)
}

func TestDeviceManagement(t *testing.T) {
	h := newHub(t)
	service := h.service(t)

	var created registry.Device
	_, err := service.RawPut("/devices/sensor-3", registry.Device{}, &created)
	require.NoError(t, err)
	assert.Equal(t, "sensor-3", created.DeviceID)
	assert.NotEmpty(t, created.PrimaryKey)

	_, err = service.RawPut("/devices/sensor-3", registry.Device{}, nil)
	assert.Equal(t, http.StatusConflict, status(err), "%v", err)
	_, err = service.RawPut("/devices/sensor-4", registry.Device{PrimaryKey: "%%%"}, nil)
	assert.Equal(t, http.StatusBadRequest, status(err), "%v", err)

	var devices []registry.Device
	_, err = service.RawGet("/devices", &devices)
	require.NoError(t, err)
	assert.Len(t, devices, 3)

	device := h.device(t, "HostName=hub.example;DeviceId=sensor-3;SharedAccessKey="+created.PrimaryKey)
	require.NoError(t, device.SendEvent(context.Background(), transport.NewMessage([]byte("{}"))))

	_, err = service.RawDelete("/devices/sensor-3")
	require.NoError(t, err)
	_, err = service.RawGet("/devices/sensor-3", nil)
	assert.Equal(t, http.StatusNotFound, status(err), "%v", err)
	assert.ErrorIs(t, device.SendEvent(context.Background(), transport.NewMessage([]byte("{}"))),
		transport.ErrUnauthorized, "cached token of deleted device")
}

func TestDeviceManagementRequiresService(t *testing.T) {
	h := newHub(t)
	token, err := sas.CreateForDevice(hostName, "sensor-1", deviceKey, uint64(testStart.Add(time.Hour).Unix()))
	require.NoError(t, err)

	_, err = client.NewWithRouter(h.router).WithAuthorization(token.String()).RawGet("/devices", nil)
	assert.Equal(t, http.StatusForbidden, status(err), "%v", err)
	_, err = client.NewWithRouter(h.router).RawDelete("/devices/sensor-1")
	assert.Equal(t, http.StatusUnauthorized, status(err), "%v", err)
}

func TestSendToDevice(t *testing.T) {
	h := newHub(t)
	service := h.service(t)

	_, err := service.RawPost("/devices/sensor-1/messages/devicebound", []byte("reboot"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("reboot"), h.messenger.sent["sensor-1"])

	_, err = service.RawPost("/devices/sensor-9/messages/devicebound", []byte("reboot"), nil)
	assert.Equal(t, http.StatusNotFound, status(err), "%v", err)

	h.messenger.err = errors.New("broker down")
	_, err = service.RawPost("/devices/sensor-1/messages/devicebound", []byte("reboot"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, status(err), "%v", err)

	token, err := sas.CreateForDevice(hostName, "sensor-1", deviceKey, uint64(testStart.Add(time.Hour).Unix()))
	require.NoError(t, err)
	_, err = client.NewWithRouter(h.router).WithAuthorization(token.String()).
		RawPost("/devices/sensor-2/messages/devicebound", []byte("reboot"), nil)
	assert.Equal(t, http.StatusForbidden, status(err), "%v", err)
}

func TestNewAPIPanics(t *testing.T) {
	assert.Panics(t, func() { api.NewAPI(&api.Builder{Router: mux.NewRouter()}) })
}
