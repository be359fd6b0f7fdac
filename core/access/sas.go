// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"k8s.io/utils/clock"

	"github.com/relabs-tech/kurbisio-device/core/logger"
	"github.com/relabs-tech/kurbisio-device/core/sas"
)

// ErrUnauthorized is wrapped by all errors of Authenticate which are caused by the token
var ErrUnauthorized = errors.New("unauthorized")

// ErrUnknownDevice is returned by a KeyResolver for devices it does not know
var ErrUnknownDevice = errors.New("unknown device")

// KeyResolver looks up the keys a device may sign its tokens with
type KeyResolver interface {
	DeviceKeys(ctx context.Context, deviceID string) ([][]byte, error)
}

// SasAuthenticatorBuilder is a helper builder for the SasAuthenticator
type SasAuthenticatorBuilder struct {
	// HostName is the host name of the hub, the prefix of all resource URIs. Mandatory.
	HostName string
	// Keys resolves device keys. Mandatory.
	Keys KeyResolver
	// Policies maps the names of shared access policies to their decoded keys. Tokens
	// with a key name of one of these policies get the service role.
	Policies map[string][]byte
	// Clock defaults to the real clock
	Clock clock.PassiveClock
}

// SasAuthenticator verifies shared access signatures of devices and services
type SasAuthenticator struct {
	hostName string
	keys     KeyResolver
	policies map[string][]byte
	clock    clock.PassiveClock
	cache    *AuthorizationCache
}

// NewSasAuthenticator returns a new authenticator. It panics if a mandatory field is missing.
func NewSasAuthenticator(b *SasAuthenticatorBuilder) *SasAuthenticator {
	if len(b.HostName) == 0 {
		panic("HostName missing")
	}
	if b.Keys == nil {
		panic("Keys missing")
	}
	a := &SasAuthenticator{
		hostName: b.HostName,
		keys:     b.Keys,
		policies: b.Policies,
		clock:    b.Clock,
		cache:    NewAuthorizationCache(),
	}
	if a.clock == nil {
		a.clock = clock.RealClock{}
	}
	return a
}

// Cache returns the authorization cache
func (a *SasAuthenticator) Cache() *AuthorizationCache {
	return a.cache
}

// Authenticate verifies token and returns what it authorizes. Errors caused by the
// token wrap ErrUnauthorized, other errors come from the KeyResolver.
func (a *SasAuthenticator) Authenticate(ctx context.Context, token string) (*Authorization, error) {
	now := a.clock.Now()
	if auth := a.cache.Read(token, now); auth != nil {
		return auth, nil
	}

	signature, err := sas.Parse(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	validUntil, err := signature.ExpiresAt()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	var auth *Authorization
	if key, ok := a.policies[signature.KeyName]; ok && len(signature.KeyName) > 0 {
		if !strings.EqualFold(signature.ResourceURI, a.hostName) {
			return nil, fmt.Errorf("%w: resource %s is not the hub", ErrUnauthorized, signature.ResourceURI)
		}
		if err := sas.Verify(signature, key, now); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		auth = &Authorization{Roles: []string{RoleService}, Policy: signature.KeyName, ValidUntil: validUntil}
	} else {
		deviceID, moduleID, err := ParseDeviceResource(a.hostName, signature.ResourceURI)
		if err != nil {
			return nil, err
		}
		keys, err := a.keys.DeviceKeys(ctx, deviceID)
		if errors.Is(err, ErrUnknownDevice) {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		if err != nil {
			return nil, err
		}
		err = fmt.Errorf("%w: device has no keys", ErrUnauthorized)
		for _, key := range keys {
			if verr := sas.Verify(signature, key, now); verr != nil {
				err = fmt.Errorf("%w: %v", ErrUnauthorized, verr)
				continue
			}
			err = nil
			break
		}
		if err != nil {
			return nil, err
		}
		auth = &Authorization{
			Roles:      []string{RoleDevice},
			DeviceID:   deviceID,
			ModuleID:   moduleID,
			ValidUntil: validUntil,
		}
	}
	a.cache.Write(token, auth)
	return auth, nil
}

// ParseDeviceResource extracts device and module id from a resource URI
// <hostName>/devices/<deviceId>[/modules/<moduleId>]. The host name is compared case insensitive.
func ParseDeviceResource(hostName, resourceURI string) (deviceID, moduleID string, err error) {
	if len(resourceURI) <= len(hostName) || !strings.EqualFold(resourceURI[:len(hostName)], hostName) {
		return "", "", fmt.Errorf("%w: resource %s does not belong to %s", ErrUnauthorized, resourceURI, hostName)
	}
	segments := strings.Split(strings.TrimSuffix(resourceURI[len(hostName):], "/"), "/")
	// segments[0] is empty because the path starts with a slash
	valid := len(segments[0]) == 0 && len(segments) >= 3 && segments[1] == "devices" &&
		(len(segments) == 3 || (len(segments) == 5 && segments[3] == "modules"))
	if !valid {
		return "", "", fmt.Errorf("%w: resource %s is not a device", ErrUnauthorized, resourceURI)
	}
	if deviceID, err = url.PathUnescape(segments[2]); err != nil || len(deviceID) == 0 {
		return "", "", fmt.Errorf("%w: invalid device id in %s", ErrUnauthorized, resourceURI)
	}
	if len(segments) == 5 {
		if moduleID, err = url.PathUnescape(segments[4]); err != nil || len(moduleID) == 0 {
			return "", "", fmt.Errorf("%w: invalid module id in %s", ErrUnauthorized, resourceURI)
		}
	}
	return deviceID, moduleID, nil
}

// NewSasMiddleware returns a middleware handler which authenticates the shared access
// signature in the Authorization header.
//
// Requests without the header pass through without authorization. This is a final
// handler with regards to the token: it returns http.StatusUnauthorized when a token
// is present but not valid.
func NewSasMiddleware(authenticator *SasAuthenticator) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil {
				h.ServeHTTP(w, r)
				return
			}
			token := r.Header.Get("Authorization")
			if len(token) == 0 {
				h.ServeHTTP(w, r)
				return
			}

			rlog := logger.FromContext(r.Context())
			auth, err := authenticator.Authenticate(r.Context(), token)
			if errors.Is(err, ErrUnauthorized) {
				rlog.WithError(err).Info("rejected token")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err != nil {
				rlog.WithError(err).Error("Error 4723: cannot authenticate token")
				http.Error(w, "Error 4723", http.StatusInternalServerError)
				return
			}

			ctx, _ := logger.ContextWithLoggerIdentity(r.Context(), auth.Identity())
			ctx = auth.ContextWithAuthorization(ctx)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
