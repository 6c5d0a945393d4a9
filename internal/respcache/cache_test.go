package respcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"collabkit/internal/httpclient"
	"collabkit/internal/logging"
	"collabkit/internal/network"
	"collabkit/internal/realtime"
)

type getterFunc func(ctx context.Context, url string) (*http.Response, error)

func (f getterFunc) Get(ctx context.Context, url string, _ ...httpclient.RequestOption) (*http.Response, error) {
	return f(ctx, url)
}

func okResponse(body string) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func openCache(t *testing.T, dir string) *Cache {
	t.Helper()
	c, err := Open(dir, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPutLookupSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	c := openCache(t, dir)
	ctx := context.Background()

	_, ok, err := c.Lookup(ctx, "/api/boards/1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Put(ctx, Entry{URL: "/api/boards/1", Status: 200, ContentType: "application/json", Body: []byte(`{"v":1}`)}))
	require.NoError(t, c.Put(ctx, Entry{URL: "/api/boards/1", Status: 200, ContentType: "application/json", Body: []byte(`{"v":2}`)}))
	require.NoError(t, c.Close())

	reopened := openCache(t, dir)
	got, ok, err := reopened.Lookup(ctx, "/api/boards/1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"v":2}`, string(got.Body))
	require.Equal(t, "application/json", got.ContentType)
	require.False(t, got.StoredAt.IsZero())
}

func TestOpenLockedDirectory(t *testing.T) {
	dir := t.TempDir()
	openCache(t, dir)

	_, err := Open(dir, logging.Discard())
	require.ErrorIs(t, err, ErrLocked)
}

func TestFetchStoresAndServesOffline(t *testing.T) {
	c := openCache(t, t.TempDir())
	agg := network.NewAggregator(true, realtime.StateConnected)
	c.Attach(agg)
	ctx := context.Background()

	calls := 0
	getter := getterFunc(func(ctx context.Context, url string) (*http.Response, error) {
		calls++
		return okResponse(`{"title":"Roadmap"}`), nil
	})

	entry, err := c.Fetch(ctx, getter, "/api/boards/1")
	require.NoError(t, err)
	require.False(t, entry.Cached)
	require.Equal(t, 1, calls)

	agg.SetOnline(false)
	require.True(t, c.Offline())

	entry, err = c.Fetch(ctx, getter, "/api/boards/1")
	require.NoError(t, err)
	require.True(t, entry.Cached)
	require.Equal(t, `{"title":"Roadmap"}`, string(entry.Body))
	require.Equal(t, 1, calls, "offline fetch must not hit the network")

	_, err = c.Fetch(ctx, getter, "/api/boards/2")
	require.ErrorIs(t, err, ErrMiss)

	agg.SetOnline(true)
	require.False(t, c.Offline())
}

func TestFetchFallsBackToCacheOnError(t *testing.T) {
	c := openCache(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, Entry{URL: "/api/me", Status: 200, Body: []byte(`{"id":"u1"}`)}))

	failing := getterFunc(func(context.Context, string) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	entry, err := c.Fetch(ctx, failing, "/api/me")
	require.NoError(t, err)
	require.True(t, entry.Cached)

	_, err = c.Fetch(ctx, failing, "/api/other")
	require.EqualError(t, err, "dial tcp: connection refused")
}

func TestFetchSkipsErrorResponses(t *testing.T) {
	c := openCache(t, t.TempDir())
	ctx := context.Background()

	entry, err := c.Fetch(ctx, getterFunc(func(context.Context, string) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusNotFound, Header: make(http.Header), Body: io.NopCloser(strings.NewReader("missing"))}, nil
	}), "/api/gone")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, entry.Status)

	_, ok, err := c.Lookup(ctx, "/api/gone")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCloseDetachesAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, logging.Discard())
	require.NoError(t, err)
	agg := network.NewAggregator(true, realtime.StateConnected)
	c.Attach(agg)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	agg.SetOnline(false)
	require.False(t, c.Offline(), "closed cache must not follow the network")

	_, _, err = c.Lookup(context.Background(), "/x")
	require.ErrorIs(t, err, ErrClosed)

	again, err := Open(dir, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, again.Close())
}
