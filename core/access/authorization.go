// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package access provides utilities for access control of devices and services

An authorization is derived from a shared access signature. Device tokens are signed
with a key of the device and authorize exactly one device or module. Service tokens
carry a key name (skn) and are signed with the key of a shared access policy of the hub.

Authorizations are added to a request context with

  ctx = auth.ContextWithAuthorization(ctx)

and retrieved with

  auth := AuthorizationFromContext(ctx)

*/
package access

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/kurbisio-device/core/logger"
)

type contextKey string

const (
	contextKeyAuthorization contextKey = "_authorization_"
)

// The roles an authorization can have
const (
	RoleDevice  = "device"
	RoleService = "service"
)

// Authorization is a context object which stores what a verified token grants
type Authorization struct {
	Roles      []string  `json:"roles"`
	DeviceID   string    `json:"device_id,omitempty"`
	ModuleID   string    `json:"module_id,omitempty"`
	Policy     string    `json:"policy,omitempty"`
	ValidUntil time.Time `json:"valid_until"`
}

// HasRole returns true if the authorization contains the requested role;
// otherwise it returns false.
func (a *Authorization) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, hasRole := range a.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// IsAuthorizedFor returns true if the authorization may act as the device or module.
// Services may act as any device. A device token does not authorize its modules.
func (a *Authorization) IsAuthorizedFor(deviceID, moduleID string) bool {
	if a.HasRole(RoleService) {
		return true
	}
	return a.HasRole(RoleDevice) && a.DeviceID == deviceID && a.ModuleID == moduleID
}

// IsExpired returns true if the authorization is no longer valid at now
func (a *Authorization) IsExpired(now time.Time) bool {
	return !now.Before(a.ValidUntil)
}

// Identity returns the log identity, the device id, the module path or the policy name
func (a *Authorization) Identity() string {
	switch {
	case a == nil:
		return ""
	case len(a.Policy) > 0:
		return a.Policy
	case len(a.ModuleID) > 0:
		return a.DeviceID + "/" + a.ModuleID
	}
	return a.DeviceID
}

// ContextWithAuthorization returns a new context with this authorization added to it
func (a *Authorization) ContextWithAuthorization(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, _ := ctx.Value(contextKeyAuthorization).(*Authorization)
	return a
}

// AuthorizationCache is an in-memory cache for authorizations, keyed by the token they
// were derived from. Expired authorizations are never returned.
type AuthorizationCache struct {
	mutex sync.RWMutex
	cache map[string]*Authorization
}

// NewAuthorizationCache creates a new authorization cache
func NewAuthorizationCache() *AuthorizationCache {
	return &AuthorizationCache{cache: make(map[string]*Authorization)}
}

// Read returns the authorization for token if it is still valid at now.
// This function is go-routine safe
func (c *AuthorizationCache) Read(token string, now time.Time) *Authorization {
	c.mutex.RLock()
	auth, ok := c.cache[token]
	c.mutex.RUnlock()
	if !ok || auth.IsExpired(now) {
		return nil
	}
	return auth
}

// Write stores an authorization in the cache.
// This function is go-routine safe
func (c *AuthorizationCache) Write(token string, auth *Authorization) {
	c.mutex.Lock()
	c.cache[token] = auth
	c.mutex.Unlock()
}

// Forget removes all authorizations of a device, including those of its modules
func (c *AuthorizationCache) Forget(deviceID string) {
	c.mutex.Lock()
	for token, auth := range c.cache {
		if auth.DeviceID == deviceID {
			delete(c.cache, token)
		}
	}
	c.mutex.Unlock()
}

// Purge removes all authorizations which are expired at now and returns how many
// were removed
func (c *AuthorizationCache) Purge(now time.Time) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	purged := 0
	for token, auth := range c.cache {
		if auth.IsExpired(now) {
			delete(c.cache, token)
			purged++
		}
	}
	return purged
}

// Len returns the number of cached authorizations
func (c *AuthorizationCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.cache)
}

// HandleAuthorizationRoute adds a route /authorization GET to the router
//
// The route returns the authorization of the request's token.
func HandleAuthorizationRoute(router *mux.Router) {
	logger.Default().Debugln("  handle route: /authorization GET")
	router.HandleFunc("/authorization", func(w http.ResponseWriter, r *http.Request) {
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		jsonData, _ := json.MarshalIndent(auth, "", " ")
		w.Header().Set("Content-Type", "application/json")
		w.Write(jsonData)
	}).Methods(http.MethodGet)
}
