package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Forum.Example.com/t/1", "forum.example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveCounters(t *testing.T) {
	Init()
	Init()

	beforeAccepted := testutil.ToFloat64(harvestChunksTotal.WithLabelValues("accepted"))
	ObserveChunks("accepted", 3)
	ObserveChunks("accepted", 0)
	require.InDelta(t, beforeAccepted+3, testutil.ToFloat64(harvestChunksTotal.WithLabelValues("accepted")), 0.001)

	beforeItems := testutil.ToFloat64(harvestItemsTotal.WithLabelValues("forum", "known"))
	ObserveItem("forum", "known")
	require.InDelta(t, beforeItems+1, testutil.ToFloat64(harvestItemsTotal.WithLabelValues("forum", "known")), 0.001)

	beforeBytes := testutil.ToFloat64(harvestBytesTotal.WithLabelValues("example.com"))
	ObserveFetch("https://example.com/t/1", "200", 512)
	require.InDelta(t, beforeBytes+512, testutil.ToFloat64(harvestBytesTotal.WithLabelValues("example.com")), 0.001)
}

func TestRouter(t *testing.T) {
	ObserveBatch("delivered")
	srv := httptest.NewServer(NewRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok\n", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.Contains(string(body), "harvest_batches_total"))
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", nil) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://forum.example.org/t/9", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
