// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package provisioning registers a device with the provisioning service of the hub.

The device authenticates with a registration token from a symmetric.SecurityClient
and learns which hub it is assigned to and under which device id.
*/
package provisioning

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/relabs-tech/kurbisio-device/core"
	"github.com/relabs-tech/kurbisio-device/core/client"
	"github.com/relabs-tech/kurbisio-device/core/connectionstring"
	"github.com/relabs-tech/kurbisio-device/core/logger"
	"github.com/relabs-tech/kurbisio-device/device/transport"
	"github.com/relabs-tech/kurbisio-device/security/symmetric"
)

const registrationTokenValidity = time.Hour

// RegistrationRequest is the body of a registration
type RegistrationRequest struct {
	RegistrationID string `json:"registrationId"`
}

// RegistrationResult is the answer of the provisioning service
type RegistrationResult struct {
	RegistrationID string `json:"registrationId"`
	AssignedHub    string `json:"assignedHub"`
	DeviceID       string `json:"deviceId"`
	Status         string `json:"status"`
}

// ConnectionString returns the connection string for the assigned device, which
// authenticates with key
func (r *RegistrationResult) ConnectionString(key string) string {
	d := connectionstring.DeviceConnectionString{
		HostName:        r.AssignedHub,
		DeviceID:        r.DeviceID,
		SharedAccessKey: key,
		Authentication:  connectionstring.AuthenticationSharedAccessKey,
	}
	return d.String()
}

// Client registers devices
type Client struct {
	client   client.Client
	idScope  string
	security *symmetric.SecurityClient
	clock    clock.PassiveClock
	log      *logrus.Entry
}

// NewClient returns a provisioning client for the enrollment idScope
func NewClient(c client.Client, idScope string, security *symmetric.SecurityClient) (*Client, error) {
	if len(idScope) == 0 {
		return nil, core.NewArgumentError("idScope", "must not be empty")
	}
	if security == nil {
		return nil, core.NewArgumentError("security", "must not be nil")
	}
	return &Client{
		client:   c,
		idScope:  idScope,
		security: security,
		clock:    clock.RealClock{},
		log:      logger.Default().WithField("registration_id", security.RegistrationID()),
	}, nil
}

// WithClock returns the client with a different clock for token expiry
func (c *Client) WithClock(clk clock.PassiveClock) *Client {
	clone := *c
	clone.clock = clk
	return &clone
}

// Register registers the device and returns the assignment
func (c *Client) Register(ctx context.Context) (*RegistrationResult, error) {
	expiry := uint64(c.clock.Now().Add(registrationTokenValidity).Unix())
	token, err := c.security.CreateSharedAccessSignature(ctx, c.idScope, expiry)
	if err != nil {
		return nil, err
	}

	path := "/" + url.PathEscape(c.idScope) + "/registrations/" + url.PathEscape(c.security.RegistrationID()) +
		"/register?api-version=" + url.QueryEscape(transport.APIVersion)
	var result RegistrationResult
	_, _, err = c.client.WithContext(ctx).
		WithAuthorization(token.String()).
		Do(http.MethodPut, path, nil, RegistrationRequest{RegistrationID: c.security.RegistrationID()}, &result,
			http.StatusOK, http.StatusCreated)
	if err != nil {
		c.log.WithError(err).Error("registration failed")
		return nil, err
	}
	c.log.WithField("device_id", result.DeviceID).Info("device registered")
	return &result, nil
}
