package source_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/illmade-knight/go-swr/pkg/source"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/book/api/42", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "tenant-7", r.Header.Get("X-Page-Id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"Id":42,"Title":"Foo"}]`))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":"0123456789"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPSource_Fetch(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	src, err := source.NewHTTPSource(source.HTTPConfig{
		BaseURL: srv.URL,
		Timeout: 200 * time.Millisecond,
		Header:  http.Header{"X-Page-Id": []string{"tenant-7"}},
	}, srv.Client(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	t.Run("Relative URL resolves against base", func(t *testing.T) {
		body, err := src.Fetch(ctx, "/book/api/42")
		require.NoError(t, err)
		assert.JSONEq(t, `[{"Id":42,"Title":"Foo"}]`, string(body))
	})

	t.Run("Absolute URL is used as-is", func(t *testing.T) {
		body, err := src.Fetch(ctx, srv.URL+"/book/api/42")
		require.NoError(t, err)
		assert.NotEmpty(t, body)
	})

	t.Run("Non-2xx status is a StatusError", func(t *testing.T) {
		_, err := src.Fetch(ctx, "/broken")
		require.Error(t, err)
		var statusErr *source.StatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	})

	t.Run("Timeout aborts a slow request", func(t *testing.T) {
		_, err := src.Fetch(ctx, "/slow")
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestHTTPSource_BodyLimit(t *testing.T) {
	srv := newTestServer(t)
	src, err := source.NewHTTPSource(source.HTTPConfig{BaseURL: srv.URL, MaxBodyBytes: 8}, srv.Client(), zerolog.Nop())
	require.NoError(t, err)

	_, err = src.Fetch(context.Background(), "/big")
	assert.ErrorIs(t, err, source.ErrBodyTooLarge)
}

func TestHTTPSource_Resolve(t *testing.T) {
	t.Run("Relative without base fails", func(t *testing.T) {
		src, err := source.NewHTTPSource(source.HTTPConfig{}, nil, zerolog.Nop())
		require.NoError(t, err)
		_, err = src.Resolve("/book/api/1")
		require.Error(t, err)
	})

	t.Run("Relative base URL is rejected", func(t *testing.T) {
		_, err := source.NewHTTPSource(source.HTTPConfig{BaseURL: "/api"}, nil, zerolog.Nop())
		require.Error(t, err)
	})

	t.Run("Joins base and path", func(t *testing.T) {
		src, err := source.NewHTTPSource(source.HTTPConfig{BaseURL: "https://cms.example.com/"}, nil, zerolog.Nop())
		require.NoError(t, err)
		got, err := src.Resolve("/book/api/42?page=1")
		require.NoError(t, err)
		assert.Equal(t, "https://cms.example.com/book/api/42?page=1", got)
	})
}
