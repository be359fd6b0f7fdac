package http_test

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/kurbisio-device/core/client"
	"github.com/relabs-tech/kurbisio-device/core/sas"
	"github.com/relabs-tech/kurbisio-device/device/auth"
	"github.com/relabs-tech/kurbisio-device/device/transport"
	transporthttp "github.com/relabs-tech/kurbisio-device/device/transport/http"
)

const token = "SharedAccessSignature sr=hub%2Fdevices%2Fsensor-1&sig=c2lnbmF0dXJl&se=2000000000"

type received struct {
	authorization string
	header        http.Header
	body          []byte
	apiVersion    string
}

func hub(t *testing.T, status int, got *received) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/devices/{device_id}/messages/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sensor-1", mux.Vars(r)["device_id"])
		got.authorization = r.Header.Get("Authorization")
		got.header = r.Header
		got.body, _ = io.ReadAll(r.Body)
		got.apiVersion = r.URL.Query().Get("api-version")
		w.WriteHeader(status)
	}).Methods(http.MethodPost)
	return router
}

func newAuthenticator(t *testing.T) auth.Authenticator {
	a, err := auth.NewSharedAccessSignatureProvider(auth.Credentials{Host: "hub", DeviceID: "sensor-1"}, token)
	require.NoError(t, err)
	return a
}

func TestSendEvent(t *testing.T) {
	var got received
	tr := transporthttp.NewWithClient(newAuthenticator(t), client.NewWithRouter(hub(t, http.StatusNoContent, &got)))

	m := transport.NewMessage([]byte(`{"temperature":21}`))
	m.ContentType = "application/json"
	m.Properties["alert"] = "no"
	require.NoError(t, tr.SendEvent(context.Background(), m))

	assert.Equal(t, token, got.authorization)
	_, err := sas.Parse(got.authorization)
	assert.NoError(t, err)
	assert.Equal(t, `{"temperature":21}`, string(got.body))
	assert.Equal(t, m.ID, got.header.Get("iothub-messageid"))
	assert.Equal(t, "application/json", got.header.Get("iothub-contenttype"))
	assert.Equal(t, "no", got.header.Get("iothub-app-alert"))
	assert.Equal(t, transport.APIVersion, got.apiVersion)
	assert.NoError(t, tr.Close())
}

func TestSendEventUnauthorized(t *testing.T) {
	var got received
	tr := transporthttp.NewWithClient(newAuthenticator(t), client.NewWithRouter(hub(t, http.StatusUnauthorized, &got)))

	err := tr.SendEvent(context.Background(), transport.NewMessage([]byte("x")))
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
}

func TestSendEventFailure(t *testing.T) {
	var got received
	tr := transporthttp.NewWithClient(newAuthenticator(t), client.NewWithRouter(hub(t, http.StatusInternalServerError, &got)))

	err := tr.SendEvent(context.Background(), transport.NewMessage([]byte("x")))
	assert.ErrorIs(t, err, transport.ErrPublishFailed)
}

func TestSendEventAfterStop(t *testing.T) {
	var got received
	a := newAuthenticator(t)
	tr := transporthttp.NewWithClient(a, client.NewWithRouter(hub(t, http.StatusNoContent, &got)))
	a.Stop()

	err := tr.SendEvent(context.Background(), transport.NewMessage([]byte("x")))
	assert.Error(t, err)
	assert.Empty(t, got.authorization, "no request without credentials")
}
