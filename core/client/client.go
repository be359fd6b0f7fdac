// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client sends requests to the hub, either over HTTP or in-process

Instead of marshalling HTTP, a client created with NewWithRouter talks directly to the
router of the hub. This makes it perfectly suited for unit tests of devices and hub
alike. NewWithURL creates a client which talks to a remote hub.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Client provides access to the REST API of the hub
type Client struct {
	router        http.Handler
	httpClient    *http.Client
	url           string
	authorization string
	ctx           context.Context

	defaultHeaders map[string]string
}

// StatusError is returned when the hub answers with an unexpected status
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s got status=%d body=%s", e.Method, e.Path, e.Status, e.Body)
}

// NewWithRouter creates a client to make pseudo-REST requests to the hub,
// through its router
func NewWithRouter(router http.Handler) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the hub
func NewWithURL(url string) Client {
	return Client{
		url:            strings.TrimSuffix(url, "/"),
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHTTPClient returns a new client using httpClient, for example one with a
// custom TLS configuration
func (c Client) WithHTTPClient(httpClient *http.Client) Client {
	c.httpClient = httpClient
	return c
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := map[string]string{key: value}
	for k, v := range c.defaultHeaders {
		if k != key {
			headers[k] = v
		}
	}
	c.defaultHeaders = headers
	return c
}

// WithAuthorization returns a new client which sends authorization as Authorization header,
// typically a shared access signature
func (c Client) WithAuthorization(authorization string) Client {
	c.authorization = authorization
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context
func (c Client) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// RawGet gets a resource. Expects http.StatusOK.
//
// result can be a raw *[]byte.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, err := c.Do(http.MethodGet, path, nil, nil, result, http.StatusOK)
	return status, err
}

// RawPost posts body. Expects http.StatusOK, http.StatusCreated or http.StatusNoContent.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	return c.RawPostWithHeader(path, nil, body, result)
}

// RawPostWithHeader is RawPost with additional headers
func (c Client) RawPostWithHeader(path string, headers map[string]string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.Do(http.MethodPost, path, headers, body, result,
		http.StatusOK, http.StatusCreated, http.StatusNoContent)
	return status, err
}

// RawPut puts body. Expects http.StatusOK, http.StatusCreated or http.StatusNoContent.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.Do(http.MethodPut, path, nil, body, result,
		http.StatusOK, http.StatusCreated, http.StatusNoContent)
	return status, err
}

// RawDelete deletes a resource. Expects http.StatusNoContent.
func (c Client) RawDelete(path string) (int, error) {
	status, _, err := c.Do(http.MethodDelete, path, nil, nil, nil, http.StatusNoContent)
	return status, err
}

// Do sends a request. If the response status is not one of expected, it returns
// a *StatusError. A nil body sends no body, a []byte is sent as it is, everything
// else is marshalled to JSON.
func (c Client) Do(method, path string, headers map[string]string, body interface{}, result interface{}, expected ...int) (int, http.Header, error) {
	var reader io.Reader
	if body != nil {
		j, ok := body.([]byte)
		if !ok {
			var err error
			j, err = json.Marshal(body)
			if err != nil {
				return http.StatusBadRequest, nil, fmt.Errorf("%s to %s: %w", method, path, err)
			}
		}
		reader = bytes.NewBuffer(j)
	}

	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	for key, value := range c.defaultHeaders {
		r.Header.Set(key, value)
	}
	for key, value := range headers {
		r.Header.Set(key, value)
	}
	if c.authorization != "" {
		r.Header.Set("Authorization", c.authorization)
	}

	var res *http.Response
	var resBody []byte
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res = rec.Result()
		resBody = rec.Body.Bytes()
	} else {
		res, err = c.httpClient.Do(r)
		if err != nil {
			return http.StatusInternalServerError, nil, err
		}
		defer res.Body.Close()
		resBody, _ = io.ReadAll(res.Body)
	}

	status := res.StatusCode
	ok := false
	for _, e := range expected {
		if status == e {
			ok = true
			break
		}
	}
	if !ok {
		return status, res.Header, &StatusError{
			Method: method,
			Path:   path,
			Status: status,
			Body:   strings.TrimSpace(string(resBody)),
		}
	}

	if len(resBody) > 0 && result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = resBody
		} else {
			err = json.Unmarshal(resBody, result)
		}
	}
	return status, res.Header, err
}
