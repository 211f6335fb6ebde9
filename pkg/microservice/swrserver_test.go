package microservice_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-swr/pkg/cache"
	"github.com/illmade-knight/go-swr/pkg/microservice"
	"github.com/illmade-knight/go-swr/pkg/source"
	"github.com/illmade-knight/go-swr/pkg/swr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateBody struct {
	Data        json.RawMessage `json:"data"`
	Loading     bool            `json:"loading"`
	Error       *string         `json:"error"`
	IsFromCache bool            `json:"isFromCache"`
}

// recordingBroadcaster captures admin commands forwarded to peers.
type recordingBroadcaster struct {
	mu     sync.Mutex
	urls   []string
	clears int
}

func (b *recordingBroadcaster) Invalidate(_ context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.urls = append(b.urls, url)
	return nil
}

func (b *recordingBroadcaster) ClearAll(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clears++
	return nil
}

func setupServer(t *testing.T, fetch source.FetcherFunc, broadcaster microservice.Broadcaster) (*httptest.Server, *cache.InMemoryStore) {
	t.Helper()
	store := cache.NewInMemoryStore()
	client, err := swr.NewClient(swr.Config{}, store, fetch, zerolog.Nop())
	require.NoError(t, err)

	base := microservice.NewBaseServer(zerolog.Nop(), ":0")
	_, err = microservice.NewSWRServer(base, client, broadcaster, 5*time.Second, zerolog.Nop())
	require.NoError(t, err)

	srv := httptest.NewServer(base.Router())
	t.Cleanup(srv.Close)
	return srv, store
}

func bookSource(_ context.Context, u string) ([]byte, error) {
	if u == "/book/api/1" {
		return []byte(`{"data":{"title":"Dune","id":1}}`), nil
	}
	return nil, errors.New("connection refused")
}

func getResource(t *testing.T, srv *httptest.Server, query url.Values) (int, stateBody) {
	t.Helper()
	resp, err := http.Get(srv.URL + "/v1/resource?" + query.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()

	var body stateBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func doDelete(t *testing.T, srv *httptest.Server, path string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestSWRServer_Healthz(t *testing.T) {
	srv, _ := setupServer(t, bookSource, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSWRServer_ResourceWait(t *testing.T) {
	// --- Arrange ---
	srv, store := setupServer(t, bookSource, nil)

	// --- Act ---
	status, body := getResource(t, srv, url.Values{"url": {"/book/api/1"}, "wait": {"true"}})

	// --- Assert ---
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"id":1,"title":"Dune"}`, string(body.Data))
	assert.False(t, body.Loading)
	assert.False(t, body.IsFromCache)
	assert.Nil(t, body.Error)
	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSWRServer_ResourceServesCacheImmediately(t *testing.T) {
	gate := make(chan struct{})
	gated := func(ctx context.Context, u string) ([]byte, error) {
		<-gate
		return bookSource(ctx, u)
	}
	srv, store := setupServer(t, gated, nil)

	// A cold request without wait reports loading and fills the cache in the background.
	status, body := getResource(t, srv, url.Values{"url": {"/book/api/1"}})
	assert.Equal(t, http.StatusAccepted, status)
	assert.True(t, body.Loading)
	close(gate)
	require.Eventually(t, func() bool { return store.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	status, body = getResource(t, srv, url.Values{"url": {"/book/api/1"}})
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, body.IsFromCache)
	assert.JSONEq(t, `{"id":1,"title":"Dune"}`, string(body.Data))
}

func TestSWRServer_ResourceErrors(t *testing.T) {
	srv, _ := setupServer(t, bookSource, nil)

	t.Run("missing url", func(t *testing.T) {
		status, body := getResource(t, srv, url.Values{"wait": {"true"}})
		assert.Equal(t, http.StatusBadRequest, status)
		require.NotNil(t, body.Error)
		assert.Equal(t, swr.ErrNoURL.Error(), *body.Error)
	})

	t.Run("network failure without cache", func(t *testing.T) {
		status, body := getResource(t, srv, url.Values{"url": {"/missing"}, "wait": {"true"}})
		assert.Equal(t, http.StatusBadGateway, status)
		require.NotNil(t, body.Error)
		assert.Contains(t, *body.Error, "connection refused")
		assert.Equal(t, "null", string(body.Data))
	})
}

func TestSWRServer_DeleteCache(t *testing.T) {
	// --- Arrange ---
	broadcaster := &recordingBroadcaster{}
	srv, store := setupServer(t, bookSource, broadcaster)
	_, _ = getResource(t, srv, url.Values{"url": {"/book/api/1"}, "wait": {"true"}})
	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 10*time.Millisecond)

	// --- Act & Assert: single URL ---
	status, body := doDelete(t, srv, "/v1/cache?url="+url.QueryEscape("/book/api/1"))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/book/api/1", body["invalidated"])
	assert.Equal(t, 0, store.Len())

	// --- Act & Assert: everything ---
	_, _ = getResource(t, srv, url.Values{"url": {"/book/api/1"}, "wait": {"true"}})
	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 10*time.Millisecond)
	status, body = doDelete(t, srv, "/v1/cache")
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["removed"])
	assert.Equal(t, 0, store.Len())

	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	assert.Equal(t, []string{"/book/api/1"}, broadcaster.urls)
	assert.Equal(t, 1, broadcaster.clears)
}

func TestNewSWRServer_Validation(t *testing.T) {
	_, err := microservice.NewSWRServer(nil, nil, nil, 0, zerolog.Nop())
	assert.Error(t, err)
}
