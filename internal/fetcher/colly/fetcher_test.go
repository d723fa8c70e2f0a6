package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/threadharvest/internal/crawler"
)

type countingLimiter struct {
	calls int
}

func (l *countingLimiter) Wait(context.Context, string) error {
	l.calls++
	return nil
}

func TestFetcherFetchSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "harvest-test", r.UserAgent())
		assert.Equal(t, "yes", r.Header.Get("X-Trace"))
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	limiter := &countingLimiter{}
	f := New(Config{
		UserAgent: "harvest-test",
		Timeout:   time.Second,
		Headers:   http.Header{"X-Trace": {"yes"}},
	}, limiter)

	resp, err := f.Fetch(context.Background(), srv.URL+"/t/1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "hello")
	assert.Equal(t, 1, limiter.calls)

	// Re-fetching the same URL is allowed.
	_, err = f.Fetch(context.Background(), srv.URL+"/t/1")
	require.NoError(t, err)
}

func TestFetcherFetchStatusErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second}, nil)

	_, err := f.Fetch(context.Background(), srv.URL+"/busy")
	var statusErr *crawler.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	assert.True(t, statusErr.Temporary())

	_, err = f.Fetch(context.Background(), srv.URL+"/missing")
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.False(t, statusErr.Temporary())
}

func TestFetcherFetchCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := New(Config{}, nil)
	_, err := f.Fetch(ctx, "http://127.0.0.1:1/")
	require.Error(t, err)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{Headers: http.Header{"X-Trace": {"yes"}}}, nil)
	start := time.Unix(0, 0)
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, start, &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	assert.Equal(t, "body", string(result.Body))
	assert.Equal(t, "https://example.com", result.URL)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")

	hooks.onError(&colly.Response{
		StatusCode: http.StatusTooManyRequests,
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/x")},
	}, errors.New("Too Many Requests"))
	var statusErr *crawler.StatusError
	require.ErrorAs(t, fetchErr, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.Code)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
