// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package http sends device telemetry to the hub with HTTPS requests.

Every request carries the current shared access signature in the Authorization
header. Application properties travel as iothub-app- headers.
*/
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/kurbisio-device/core/client"
	"github.com/relabs-tech/kurbisio-device/core/logger"
	"github.com/relabs-tech/kurbisio-device/device/auth"
	"github.com/relabs-tech/kurbisio-device/device/transport"
)

// Transport sends telemetry over HTTP
type Transport struct {
	authenticator auth.Authenticator
	client        *client.Client
	log           *logrus.Entry
}

// New returns a transport which sends to https://<host>, or to the gateway if
// the credentials name one
func New(authenticator auth.Authenticator) *Transport {
	return &Transport{authenticator: authenticator, log: logger.Default()}
}

// NewWithClient returns a transport which sends with c. Use it with client.NewWithRouter
// to talk to an in-process hub.
func NewWithClient(authenticator auth.Authenticator, c client.Client) *Transport {
	return &Transport{authenticator: authenticator, client: &c, log: logger.Default()}
}

// SendEvent posts a telemetry message. It returns transport.ErrUnauthorized if the
// hub rejects the token.
func (t *Transport) SendEvent(ctx context.Context, m transport.Message) error {
	credentials, err := t.authenticator.GetCredentials(ctx)
	if err != nil {
		return err
	}

	var c client.Client
	if t.client != nil {
		c = *t.client
	} else {
		host := credentials.Host
		if len(credentials.GatewayHostName) > 0 {
			host = credentials.GatewayHostName
		}
		c = client.NewWithURL("https://" + host)
	}

	headers := map[string]string{}
	if len(m.ID) > 0 {
		headers[transport.HeaderMessageID] = m.ID
	}
	if len(m.ContentType) > 0 {
		headers[transport.HeaderContentType] = m.ContentType
		headers["Content-Type"] = m.ContentType
	}
	if len(m.ContentEncoding) > 0 {
		headers[transport.HeaderContentEncoding] = m.ContentEncoding
	}
	for k, v := range m.Properties {
		headers[transport.HeaderAppPrefix+k] = v
	}

	path := "/" + transport.EventPath(credentials.DeviceID, credentials.ModuleID) +
		"?api-version=" + url.QueryEscape(transport.APIVersion)
	body := m.Body
	if body == nil {
		body = []byte{}
	}
	_, _, err = c.WithContext(ctx).
		WithAuthorization(credentials.SharedAccessSignature).
		Do(http.MethodPost, path, headers, body, nil, http.StatusOK, http.StatusNoContent)

	var statusErr *client.StatusError
	if errors.As(err, &statusErr) && statusErr.Status == http.StatusUnauthorized {
		t.log.WithField("device_id", credentials.DeviceID).Warn("hub rejected token")
		return fmt.Errorf("%w: %s", transport.ErrUnauthorized, statusErr.Body)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrPublishFailed, err)
	}
	return nil
}

// Close does nothing, requests are independent
func (t *Transport) Close() error {
	return nil
}

var _ transport.Sender = (*Transport)(nil)
