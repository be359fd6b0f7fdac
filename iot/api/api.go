// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package api implements the RESTful interface of the hub

Devices and modules post telemetry with their shared access signature in the
Authorization header:

	POST /devices/{device_id}/messages/events
	POST /devices/{device_id}/modules/{module_id}/messages/events

Services manage device identities with a token of a shared access policy:

	GET    /devices
	GET    /devices/{device_id}
	PUT    /devices/{device_id}
	DELETE /devices/{device_id}
	POST   /devices/{device_id}/messages/devicebound

Telemetry bodies are forwarded unchanged. If the API has a schema validator, JSON
bodies are validated against the schema named in the application property "schema",
or against the default schema.
*/
package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"k8s.io/utils/clock"

	"github.com/relabs-tech/kurbisio-device/core"
	"github.com/relabs-tech/kurbisio-device/core/access"
	"github.com/relabs-tech/kurbisio-device/core/logger"
	"github.com/relabs-tech/kurbisio-device/core/schema"
	"github.com/relabs-tech/kurbisio-device/device/transport"
	"github.com/relabs-tech/kurbisio-device/iot"
	"github.com/relabs-tech/kurbisio-device/iot/forwarder"
	"github.com/relabs-tech/kurbisio-device/iot/registry"
)

const (
	defaultMaxMessageSize = 256 * 1024
	// SchemaProperty is the application property which selects the schema of a message
	SchemaProperty = "schema"
)

// Builder is a builder helper for the API
type Builder struct {
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Authenticator verifies shared access signatures. This is mandatory.
	Authenticator *access.SasAuthenticator
	// Registry stores the devices. This is mandatory.
	Registry registry.Registry
	// Forwarder receives the telemetry. This is mandatory.
	Forwarder forwarder.Forwarder
	// Messenger delivers cloud-to-device messages, optional
	Messenger iot.DeviceMessenger
	// Validator validates JSON telemetry, optional
	Validator *schema.Validator
	// DefaultSchemaID is used for messages without schema property, optional
	DefaultSchemaID string
	// MaxMessageSize defaults to 256 KiB
	MaxMessageSize int64
	// Clock defaults to the real clock
	Clock clock.PassiveClock
}

// API is the RESTful interface of the hub
type API struct {
	authenticator   *access.SasAuthenticator
	registry        registry.Registry
	forwarder       forwarder.Forwarder
	messenger       iot.DeviceMessenger
	validator       *schema.Validator
	defaultSchemaID string
	maxMessageSize  int64
	clock           clock.PassiveClock
}

// NewAPI adds the routes to the router. It installs request id, panic recovery and
// shared access signature middleware on the router.
// It panics if a mandatory field is missing.
func NewAPI(b *Builder) *API {
	if b.Router == nil {
		panic("Router missing")
	}
	if b.Authenticator == nil {
		panic("Authenticator missing")
	}
	if b.Registry == nil {
		panic("Registry missing")
	}
	if b.Forwarder == nil {
		panic("Forwarder missing")
	}
	a := &API{
		authenticator:   b.Authenticator,
		registry:        b.Registry,
		forwarder:       b.Forwarder,
		messenger:       b.Messenger,
		validator:       b.Validator,
		defaultSchemaID: b.DefaultSchemaID,
		maxMessageSize:  b.MaxMessageSize,
		clock:           b.Clock,
	}
	if a.maxMessageSize == 0 {
		a.maxMessageSize = defaultMaxMessageSize
	}
	if a.clock == nil {
		a.clock = clock.RealClock{}
	}

	logger.AddRequestID(b.Router)
	b.Router.Use(handlers.RecoveryHandler(handlers.RecoveryLogger(logger.Default())))
	b.Router.Use(access.NewSasMiddleware(a.authenticator))
	access.HandleAuthorizationRoute(b.Router)
	a.handleRoutes(b.Router)
	return a
}

func (a *API) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("api: handle route /devices/{device_id}/messages/events POST")
	rlog.Debugln("api: handle route /devices/{device_id}/modules/{module_id}/messages/events POST")
	rlog.Debugln("api: handle route /devices GET")
	rlog.Debugln("api: handle route /devices/{device_id} GET,PUT,DELETE")
	rlog.Debugln("api: handle route /devices/{device_id}/messages/devicebound POST")

	router.HandleFunc("/devices/{device_id}/messages/events", a.handleEvent).Methods(http.MethodPost)
	router.HandleFunc("/devices/{device_id}/modules/{module_id}/messages/events", a.handleEvent).Methods(http.MethodPost)

	router.Handle("/devices", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireService(w, r) {
			return
		}
		devices, err := a.registry.List(r.Context())
		if err != nil {
			logger.FromContext(r.Context()).WithError(err).Error("Error 4801: cannot list devices")
			http.Error(w, "Error 4801", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, devices)
	}))).Methods(http.MethodGet)

	router.HandleFunc("/devices/{device_id}", func(w http.ResponseWriter, r *http.Request) {
		if !requireService(w, r) {
			return
		}
		device, err := a.registry.Get(r.Context(), mux.Vars(r)["device_id"])
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, "no such device", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.FromContext(r.Context()).WithError(err).Error("Error 4802: cannot read device")
			http.Error(w, "Error 4802", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, device)
	}).Methods(http.MethodGet)

	router.HandleFunc("/devices/{device_id}", func(w http.ResponseWriter, r *http.Request) {
		if !requireService(w, r) {
			return
		}
		var device registry.Device
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxMessageSize))
		if err == nil && len(body) > 0 {
			err = json.Unmarshal(body, &device)
		}
		if err != nil {
			http.Error(w, "invalid device: "+err.Error(), http.StatusBadRequest)
			return
		}
		device.DeviceID = mux.Vars(r)["device_id"]
		created, err := a.registry.Create(r.Context(), device)
		switch {
		case errors.Is(err, registry.ErrExists):
			http.Error(w, "device exists", http.StatusConflict)
			return
		case core.IsArgument(err):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			logger.FromContext(r.Context()).WithError(err).Error("Error 4803: cannot create device")
			http.Error(w, "Error 4803", http.StatusInternalServerError)
			return
		}
		logger.FromContext(r.Context()).WithField("device_id", created.DeviceID).Info("device created")
		writeJSON(w, http.StatusCreated, created)
	}).Methods(http.MethodPut)

	router.HandleFunc("/devices/{device_id}", func(w http.ResponseWriter, r *http.Request) {
		if !requireService(w, r) {
			return
		}
		deviceID := mux.Vars(r)["device_id"]
		err := a.registry.Delete(r.Context(), deviceID)
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, "no such device", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.FromContext(r.Context()).WithError(err).Error("Error 4804: cannot delete device")
			http.Error(w, "Error 4804", http.StatusInternalServerError)
			return
		}
		a.authenticator.Cache().Forget(deviceID)
		logger.FromContext(r.Context()).WithField("device_id", deviceID).Info("device deleted")
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	router.HandleFunc("/devices/{device_id}/messages/devicebound", func(w http.ResponseWriter, r *http.Request) {
		if !requireService(w, r) {
			return
		}
		if a.messenger == nil {
			http.Error(w, "cloud-to-device messages are not supported", http.StatusNotImplemented)
			return
		}
		deviceID := mux.Vars(r)["device_id"]
		rlog := logger.FromContext(r.Context()).WithField("device_id", deviceID)
		_, err := a.registry.Get(r.Context(), deviceID)
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, "no such device", http.StatusNotFound)
			return
		}
		if err != nil {
			rlog.WithError(err).Error("Error 4806: cannot read device")
			http.Error(w, "Error 4806", http.StatusInternalServerError)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxMessageSize))
		if err != nil {
			http.Error(w, "cannot read message", http.StatusBadRequest)
			return
		}
		if err := a.messenger.SendToDevice(deviceID, body); err != nil {
			rlog.WithError(err).Error("Error 4807: cannot send to device")
			http.Error(w, "Error 4807", http.StatusServiceUnavailable)
			return
		}
		rlog.Debug("cloud-to-device message sent")
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)
}

func (a *API) handleEvent(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	deviceID, moduleID := params["device_id"], params["module_id"]
	auth := access.AuthorizationFromContext(r.Context())
	if auth == nil {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	if !auth.IsAuthorizedFor(deviceID, moduleID) {
		http.Error(w, "token is not valid for this device", http.StatusUnauthorized)
		return
	}
	rlog := logger.FromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxMessageSize))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		http.Error(w, "cannot read message", http.StatusBadRequest)
		return
	}

	telemetry := forwarder.Telemetry{
		DeviceID:   deviceID,
		ModuleID:   moduleID,
		Properties: map[string]string{},
		Body:       body,
		Transport:  forwarder.TransportHTTP,
		ReceivedAt: a.clock.Now().UTC(),
	}
	for name, values := range r.Header {
		name = strings.ToLower(name)
		switch {
		case len(values) == 0:
		case name == transport.HeaderMessageID:
			telemetry.MessageID = values[0]
		case name == transport.HeaderContentType:
			telemetry.ContentType = values[0]
		case name == transport.HeaderContentEncoding:
			telemetry.ContentEncoding = values[0]
		case strings.HasPrefix(name, transport.HeaderAppPrefix) && len(name) > len(transport.HeaderAppPrefix):
			telemetry.Properties[name[len(transport.HeaderAppPrefix):]] = values[0]
		}
	}

	if err := a.Validate(telemetry); err != nil {
		rlog.WithError(err).Info("rejected telemetry")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.forwarder.Forward(r.Context(), telemetry); err != nil {
		rlog.WithError(err).Error("Error 4805: cannot forward telemetry")
		http.Error(w, "Error 4805", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Validate validates the body of t if the API has a validator and t names a schema, either
// with the schema property or through the default schema. Only JSON bodies are validated.
func (a *API) Validate(t forwarder.Telemetry) error {
	if a.validator == nil {
		return nil
	}
	if len(t.ContentType) > 0 && !strings.HasPrefix(t.ContentType, "application/json") {
		return nil
	}
	schemaID := t.Properties[SchemaProperty]
	if len(schemaID) == 0 {
		schemaID = a.defaultSchemaID
	}
	if len(schemaID) == 0 {
		return nil
	}
	return a.validator.ValidateBytes(t.Body, schemaID)
}

func requireService(w http.ResponseWriter, r *http.Request) bool {
	auth := access.AuthorizationFromContext(r.Context())
	if auth == nil {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return false
	}
	if !auth.HasRole(access.RoleService) {
		http.Error(w, "service token required", http.StatusForbidden)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, value interface{}) {
	body, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
