// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package credentials

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"k8s.io/utils/clock"

	"github.com/relabs-tech/kurbisio-device/core/access"
	"github.com/relabs-tech/kurbisio-device/core/logger"
	"github.com/relabs-tech/kurbisio-device/core/sas"
	"github.com/relabs-tech/kurbisio-device/device/provisioning"
	"github.com/relabs-tech/kurbisio-device/iot/registry"
	"github.com/relabs-tech/kurbisio-device/security/symmetric"
)

// Registration states reported in the result
const (
	StatusAssigned = "assigned"
	StatusDisabled = "disabled"
)

const maxRequestSize = 4096

// API is the provisioning interface for devices of one enrollment group
type API struct {
	registry    registry.Registry
	idScope     string
	groupKey    string
	assignedHub string
	clock       clock.PassiveClock
}

// Builder is a builder helper for the API
type Builder struct {
	// Router is a mux router. This is mandatory. Do not share it with the hub API, whose
	// middleware rejects registration tokens.
	Router *mux.Router
	// Registry receives the registered devices. This is mandatory.
	Registry registry.Registry
	// IDScope identifies the enrollment group. This is mandatory.
	IDScope string
	// GroupKey is the base64 encoded key of the enrollment group. This is mandatory.
	GroupKey string
	// AssignedHub is the host name of the hub devices are assigned to. This is mandatory.
	AssignedHub string
	// Clock defaults to the real clock
	Clock clock.PassiveClock
}

// NewAPI adds the registration route to the router.
// It panics if a mandatory field is missing or the group key is not base64.
func NewAPI(b *Builder) *API {
	if b.Router == nil {
		panic("Router is missing")
	}
	if b.Registry == nil {
		panic("Registry is missing")
	}
	if len(b.IDScope) == 0 {
		panic("IDScope is missing")
	}
	if len(b.AssignedHub) == 0 {
		panic("AssignedHub is missing")
	}
	if _, err := sas.DecodeKey(b.GroupKey); err != nil || len(b.GroupKey) == 0 {
		panic("GroupKey is missing or invalid")
	}
	a := &API{
		registry:    b.Registry,
		idScope:     b.IDScope,
		groupKey:    b.GroupKey,
		assignedHub: b.AssignedHub,
		clock:       b.Clock,
	}
	if a.clock == nil {
		a.clock = clock.RealClock{}
	}
	logger.AddRequestID(b.Router)
	a.handleRoutes(b.Router)
	return a
}

func (a *API) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("device provisioning: handle route /{id_scope}/registrations/{registration_id}/register PUT")

	router.HandleFunc("/{id_scope}/registrations/{registration_id}/register", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		if params["id_scope"] != a.idScope {
			http.Error(w, "unknown id scope", http.StatusNotFound)
			return
		}
		registrationID := params["registration_id"]
		ctx, rlog := logger.ContextWithLoggerIdentity(r.Context(), registrationID)

		deviceKey, err := a.authenticate(r.Header.Get("Authorization"), registrationID)
		if err != nil {
			rlog.WithError(err).Info("registration denied")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		var request provisioning.RegistrationRequest
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestSize))
		if err == nil && len(body) > 0 {
			err = json.Unmarshal(body, &request)
		}
		if err != nil || (len(request.RegistrationID) > 0 && request.RegistrationID != registrationID) {
			http.Error(w, "invalid registration request", http.StatusBadRequest)
			return
		}

		result := provisioning.RegistrationResult{
			RegistrationID: registrationID,
			AssignedHub:    a.assignedHub,
			DeviceID:       registrationID,
			Status:         StatusAssigned,
		}
		status := http.StatusOK
		device, err := a.registry.Get(ctx, registrationID)
		if errors.Is(err, registry.ErrNotFound) {
			device, err = a.registry.Create(ctx, registry.Device{DeviceID: registrationID, PrimaryKey: deviceKey})
			status = http.StatusCreated
		}
		if errors.Is(err, registry.ErrExists) {
			// a concurrent registration of the same device won
			device, err = a.registry.Get(ctx, registrationID)
			status = http.StatusOK
		}
		if err != nil {
			rlog.WithError(err).Error("Error 2737: cannot register device")
			http.Error(w, "Error 2737", http.StatusInternalServerError)
			return
		}
		if device.PrimaryKey != deviceKey {
			rlog.Warn("device exists with a different key")
			http.Error(w, "device exists with a different key", http.StatusConflict)
			return
		}
		if device.Status != registry.StatusEnabled {
			result.Status = StatusDisabled
			result.AssignedHub = ""
			status = http.StatusForbidden
		}
		rlog.WithField("status", result.Status).Info("device registration")

		jsonData, _ := json.Marshal(result)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(jsonData)
	}).Methods(http.MethodPut)
}

// authenticate verifies a registration token and returns the derived device key
func (a *API) authenticate(token, registrationID string) (string, error) {
	signature, err := sas.Parse(token)
	if err != nil {
		return "", err
	}
	if signature.KeyName != symmetric.RegistrationKeyName {
		return "", fmt.Errorf("%w: key name '%s'", access.ErrUnauthorized, signature.KeyName)
	}
	if !strings.EqualFold(signature.ResourceURI, a.idScope+"/registrations/"+registrationID) {
		return "", fmt.Errorf("%w: resource %s", access.ErrUnauthorized, signature.ResourceURI)
	}
	deviceKey, err := symmetric.DeriveDeviceKey(a.groupKey, registrationID)
	if err != nil {
		return "", err
	}
	decoded, err := sas.DecodeKey(deviceKey)
	if err != nil {
		return "", err
	}
	if err := sas.Verify(signature, decoded, a.clock.Now()); err != nil {
		return "", err
	}
	return deviceKey, nil
}
