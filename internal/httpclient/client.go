// Package httpclient issues authenticated requests against the collaboration
// API. A 401 or 403 triggers one token refresh and one retry.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"collabkit/internal/logging"
)

const SourceHeader = "X-Client-Source"

var ErrNoBaseURL = errors.New("httpclient: relative URL without a configured base URL")

type TokenSource interface {
	Token(ctx context.Context, refresh bool) (string, error)
}

type Options struct {
	HTTP   *http.Client
	Tokens TokenSource
	// BaseURL resolves relative request URLs. It is read on every request so
	// a reconfigured client picks up the new origin.
	BaseURL func() string
	Source  string
	Logger  *logging.Logger
}

type Client struct {
	http    *http.Client
	tokens  TokenSource
	baseURL func() string
	source  string
	logger  *logging.Logger
}

func New(opts Options) *Client {
	if opts.Logger == nil {
		panic("httpclient.New: logger must not be nil")
	}
	if opts.Tokens == nil {
		panic("httpclient.New: token source must not be nil")
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.BaseURL == nil {
		opts.BaseURL = func() string { return "" }
	}
	return &Client{
		http:    opts.HTTP,
		tokens:  opts.Tokens,
		baseURL: opts.BaseURL,
		source:  strings.TrimSpace(opts.Source),
		logger:  opts.Logger,
	}
}

type requestOptions struct {
	contentType string
	retry       bool
	onProgress  func(percent int)
}

type RequestOption func(*requestOptions)

func ContentType(contentType string) RequestOption {
	return func(o *requestOptions) { o.contentType = contentType }
}

// NoRetry disables the refresh-and-retry on 401/403.
func NoRetry() RequestOption {
	return func(o *requestOptions) { o.retry = false }
}

// OnProgress reports upload progress as a percentage from 0 to 100.
func OnProgress(fn func(percent int)) RequestOption {
	return func(o *requestOptions) { o.onProgress = fn }
}

func buildOptions(opts []RequestOption) requestOptions {
	o := requestOptions{retry: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Get returns the response as-is for any status; the caller closes the body.
func (c *Client) Get(ctx context.Context, rawURL string, opts ...RequestOption) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, rawURL, nil, buildOptions(opts))
}

// Post sends body with method, or POST when method is empty.
func (c *Client) Post(ctx context.Context, rawURL string, method string, body []byte, opts ...RequestOption) (*http.Response, error) {
	if method == "" {
		method = http.MethodPost
	}
	o := buildOptions(opts)
	o.onProgress = nil
	return c.do(ctx, method, rawURL, Bytes(body), o)
}

// Upload streams body with progress reporting. The body is reopened for the
// retry after a token refresh.
func (c *Client) Upload(ctx context.Context, rawURL string, method string, body UploadBody, opts ...RequestOption) (*http.Response, error) {
	if method == "" {
		method = http.MethodPost
	}
	if body == nil {
		body = Bytes(nil)
	}
	return c.do(ctx, method, rawURL, body, buildOptions(opts))
}

func (c *Client) do(ctx context.Context, method string, rawURL string, body UploadBody, o requestOptions) (*http.Response, error) {
	target, err := c.resolve(rawURL)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, method, target, body, o, false)
	if err != nil {
		return nil, err
	}
	if !o.retry || !isAuthFailure(resp.StatusCode) {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	c.logger.Info("request rejected; refreshing token and retrying once",
		logging.Field("method", method),
		logging.Field("url", target),
		logging.Field("status", resp.Status),
	)
	return c.send(ctx, method, target, body, o, true)
}

func (c *Client) send(ctx context.Context, method string, target string, body UploadBody, o requestOptions, refresh bool) (*http.Response, error) {
	token, err := c.tokens.Token(ctx, refresh)
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}

	var reader io.Reader
	var length int64
	if body != nil {
		rc, openErr := body.Open()
		if openErr != nil {
			return nil, fmt.Errorf("open request body: %w", openErr)
		}
		length = body.Len()
		reader = rc
		if o.onProgress != nil {
			reader = newProgressReader(rc, length, o.onProgress)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		if closer, ok := reader.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil, err
	}
	if body != nil {
		req.ContentLength = length
		if length == 0 {
			req.Body = http.NoBody
			if closer, ok := reader.(io.Closer); ok {
				_ = closer.Close()
			}
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if c.source != "" {
		req.Header.Set(SourceHeader, c.source)
	}
	if o.contentType != "" {
		req.Header.Set("Content-Type", o.contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	c.logger.Debugf("%s %s -> %s", method, target, resp.Status)
	if o.onProgress != nil && length == 0 {
		o.onProgress(100)
	}
	if resp.StatusCode >= http.StatusBadRequest && !isAuthFailure(resp.StatusCode) {
		c.logger.Warn("request returned error status",
			logging.Field("method", method),
			logging.Field("url", target),
			logging.Field("status", resp.Status),
		)
	}
	return resp, nil
}

func (c *Client) resolve(rawURL string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse request URL: %w", err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base := strings.TrimSpace(c.baseURL())
	if base == "" {
		return "", ErrNoBaseURL
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	return baseURL.ResolveReference(ref).String(), nil
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
