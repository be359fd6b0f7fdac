package client

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Authorization", r.Header.Get("Authorization"))
		w.Header().Set("X-Custom", r.Header.Get("X-Custom"))
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	}).Methods(http.MethodPost)
	router.HandleFunc("/denied", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusUnauthorized)
	})
	return router
}

func TestClientWithRouter(t *testing.T) {
	client := NewWithRouter(echoRouter()).
		WithAuthorization("SharedAccessSignature sr=a&sig=b&se=1").
		WithHeader("X-Custom", "yes")

	var result map[string]int
	status, header, err := client.Do(http.MethodPost, "/echo", nil, map[string]int{"a": 1}, &result, http.StatusCreated)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, 1, result["a"])
	assert.Equal(t, "SharedAccessSignature sr=a&sig=b&se=1", header.Get("X-Authorization"))
	assert.Equal(t, "yes", header.Get("X-Custom"))

	var raw []byte
	_, err = client.RawPost("/echo", []byte("raw"), &raw)
	require.NoError(t, err)
	assert.Equal(t, "raw", string(raw))
}

func TestClientStatusError(t *testing.T) {
	status, err := NewWithRouter(echoRouter()).RawGet("/denied", nil)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr), "expected StatusError, got %v", err)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Status)
	assert.Equal(t, "no", statusErr.Body)
}

func TestClientWithURL(t *testing.T) {
	server := httptest.NewServer(echoRouter())
	defer server.Close()

	var raw []byte
	status, err := NewWithURL(server.URL+"/").RawPost("/echo", []byte("over the wire"), &raw)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "over the wire", string(raw))
}

func TestWithHeaderDoesNotLeak(t *testing.T) {
	base := NewWithRouter(nil)
	_ = base.WithHeader("A", "1")
	assert.Empty(t, base.defaultHeaders, "WithHeader modified the original client")
}
