package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/settlement/internal/apperr"
)

func TestDoJSONStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, ErrRejected},
		{http.StatusNotFound, ErrRejected},
		{http.StatusTooManyRequests, apperr.ErrProviderUnavailable},
		{http.StatusBadGateway, apperr.ErrProviderUnavailable},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"status":false,"message":"nope"}`))
			}))
			defer srv.Close()

			c := &Client{Name: "test", BaseURL: srv.URL}
			err := c.DoJSON(context.Background(), http.MethodGet, "/x", nil, nil)
			require.ErrorIs(t, err, tc.want)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tc.status, apiErr.Status)
			assert.Equal(t, "nope", apiErr.Message)
		})
	}
}

func TestDoJSONDecodesAndAuthenticates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"value":42}`))
	}))
	defer srv.Close()

	c := &Client{Name: "test", BaseURL: srv.URL, Auth: func(r *http.Request) { r.Header.Set("Authorization", "Bearer sk") }}
	var out struct {
		Value int `json:"value"`
	}
	require.NoError(t, c.DoJSON(context.Background(), http.MethodPost, "/y", map[string]string{"a": "b"}, &out))
	assert.Equal(t, 42, out.Value)
}

func TestDoJSONNetworkErrorIsUnavailable(t *testing.T) {
	c := &Client{Name: "test", BaseURL: "http://127.0.0.1:1"}
	err := c.DoJSON(context.Background(), http.MethodGet, "/", nil, nil)
	assert.ErrorIs(t, err, apperr.ErrProviderUnavailable)
}
