package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"collabkit/internal/logging"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func response(r *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    r,
	}
}

// rotatingTokens hands out tok1 until a refresh is requested, then tok2.
type rotatingTokens struct {
	mu        sync.Mutex
	current   string
	refreshes int
	err       error
}

func (r *rotatingTokens) Token(_ context.Context, refresh bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	if refresh {
		r.refreshes++
		r.current = "tok2"
	}
	if r.current == "" {
		r.current = "tok1"
	}
	return r.current, nil
}

type recorded struct {
	method string
	url    string
	auth   string
	source string
	ctype  string
	body   string
}

func newTestClient(tokens TokenSource, statuses ...int) (*Client, *[]recorded) {
	var calls []recorded
	httpClient := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		var body string
		if r.Body != nil {
			data, _ := io.ReadAll(r.Body)
			body = string(data)
		}
		calls = append(calls, recorded{
			method: r.Method,
			url:    r.URL.String(),
			auth:   r.Header.Get("Authorization"),
			source: r.Header.Get(SourceHeader),
			ctype:  r.Header.Get("Content-Type"),
			body:   body,
		})
		status := statuses[len(statuses)-1]
		if len(calls) <= len(statuses) {
			status = statuses[len(calls)-1]
		}
		return response(r, status, `{"ok":true}`), nil
	})}
	c := New(Options{
		HTTP:    httpClient,
		Tokens:  tokens,
		BaseURL: func() string { return "https://x.test" },
		Source:  "collabkit-test",
		Logger:  logging.Discard(),
	})
	return c, &calls
}

func TestGetRetriesOnceAfterUnauthorized(t *testing.T) {
	tokens := &rotatingTokens{}
	c, calls := newTestClient(tokens, http.StatusUnauthorized, http.StatusOK)

	resp, err := c.Get(context.Background(), "/api/user")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, *calls, 2)
	require.Equal(t, "GET", (*calls)[0].method)
	require.Equal(t, "https://x.test/api/user", (*calls)[0].url)
	require.Equal(t, "Bearer tok1", (*calls)[0].auth)
	require.Equal(t, "Bearer tok2", (*calls)[1].auth)
	require.Equal(t, "collabkit-test", (*calls)[1].source)
	require.Equal(t, 1, tokens.refreshes)
}

func TestGetReturnsSecondAuthFailure(t *testing.T) {
	c, calls := newTestClient(&rotatingTokens{}, http.StatusForbidden, http.StatusUnauthorized)

	resp, err := c.Get(context.Background(), "/api/user")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Len(t, *calls, 2)
}

func TestNoRetryAndOtherErrorsReturnedAsIs(t *testing.T) {
	c, calls := newTestClient(&rotatingTokens{}, http.StatusUnauthorized)
	resp, err := c.Get(context.Background(), "/api/user", NoRetry())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Len(t, *calls, 1)

	c, calls = newTestClient(&rotatingTokens{}, http.StatusInternalServerError)
	resp, err = c.Get(context.Background(), "https://other.test/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Len(t, *calls, 1)
	require.Equal(t, "https://other.test/health", (*calls)[0].url)
}

func TestPostSendsBodyAndContentTypeOnRetry(t *testing.T) {
	c, calls := newTestClient(&rotatingTokens{}, http.StatusUnauthorized, http.StatusCreated)
	resp, err := c.Post(context.Background(), "/api/comments", "", []byte(`{"text":"hi"}`), ContentType("application/json"))
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, *calls, 2)
	for _, call := range *calls {
		require.Equal(t, http.MethodPost, call.method)
		require.Equal(t, "application/json", call.ctype)
		require.Equal(t, `{"text":"hi"}`, call.body)
	}
}

func TestUploadReportsProgress(t *testing.T) {
	c, calls := newTestClient(&rotatingTokens{}, http.StatusOK)
	payload := strings.Repeat("x", 100_000)
	var progress []int
	resp, err := c.Upload(context.Background(), "/api/files", http.MethodPut, Bytes([]byte(payload)),
		ContentType("application/octet-stream"),
		OnProgress(func(p int) { progress = append(progress, p) }),
	)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, *calls, 1)
	require.Equal(t, payload, (*calls)[0].body)
	require.NotEmpty(t, progress)
	require.Equal(t, 0, progress[0])
	require.Equal(t, 100, progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		require.Greater(t, progress[i], progress[i-1])
	}
}

func TestUploadEmptyBodyReportsComplete(t *testing.T) {
	c, _ := newTestClient(&rotatingTokens{}, http.StatusOK)
	var progress []int
	resp, err := c.Upload(context.Background(), "/api/files", "", Bytes(nil), OnProgress(func(p int) { progress = append(progress, p) }))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, []int{100}, progress)
}

func TestUploadFileIsReopenedForRetry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("file contents"), 0o600))
	body, err := File(path)
	require.NoError(t, err)
	require.Equal(t, int64(len("file contents")), body.Len())

	c, calls := newTestClient(&rotatingTokens{}, http.StatusUnauthorized, http.StatusOK)
	resp, err := c.Upload(context.Background(), "/api/files", "", body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Len(t, *calls, 2)
	require.Equal(t, "file contents", (*calls)[1].body)

	_, err = File(t.TempDir())
	require.Error(t, err)
}

func TestTokenFailureAndMissingBase(t *testing.T) {
	boom := errors.New("factory down")
	c, calls := newTestClient(&rotatingTokens{err: boom}, http.StatusOK)
	_, err := c.Get(context.Background(), "/api/user")
	require.ErrorIs(t, err, boom)
	require.Empty(t, *calls)

	noBase := New(Options{Tokens: &rotatingTokens{}, Logger: logging.Discard()})
	_, err = noBase.Get(context.Background(), "/api/user")
	require.ErrorIs(t, err, ErrNoBaseURL)
}
