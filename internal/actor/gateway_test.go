package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitekraft/presence/internal/ingest"
)

func newTestGateway(t *testing.T, baseURL string) *Gateway {
	t.Helper()
	g, err := New(Config{
		BaseURL:      baseURL,
		Token:        "test-token",
		Actors:       map[string]string{"google-reviews": "acme~reviews"},
		PollInterval: 5 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return g
}

func TestRunHappyPath(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /acts/acme~reviews/runs", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-token", r.URL.Query().Get("token"))
		var input map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&input))
		require.Contains(t, input, "startUrls")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"data":{"id":"run-1"}}`)
	})
	mux.HandleFunc("GET /actor-runs/run-1", func(w http.ResponseWriter, _ *http.Request) {
		// First poll still running, second succeeds.
		if polls.Add(1) < 2 {
			fmt.Fprint(w, `{"data":{"status":"RUNNING"}}`)
			return
		}
		fmt.Fprint(w, `{"data":{"status":"SUCCEEDED","defaultDatasetId":"ds-1"}}`)
	})
	mux.HandleFunc("GET /datasets/ds-1/items", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[{"reviewId":"r1"},{"reviewId":"r2"}]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	input := map[string]any{"startUrls": []map[string]string{{"url": "https://maps.google.com/x"}}}
	items, err := g.Run(context.Background(), "google-reviews", input, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestRunFailedStatusIsUpstreamFailure(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /acts/acme~reviews/runs", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"data":{"id":"run-1"}}`)
	})
	mux.HandleFunc("GET /actor-runs/run-1", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":{"status":"FAILED"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	_, err := g.Run(context.Background(), "google-reviews", nil, time.Second)
	require.Error(t, err)
	require.Equal(t, ingest.KindUpstreamFailure, ingest.KindOf(err))
	require.False(t, ingest.Retryable(err))
}

func TestRunTimeoutIsUpstreamTimeout(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /acts/acme~reviews/runs", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"data":{"id":"run-1"}}`)
	})
	mux.HandleFunc("GET /actor-runs/run-1", func(w http.ResponseWriter, _ *http.Request) {
		// Never reaches a terminal status.
		fmt.Fprint(w, `{"data":{"status":"RUNNING"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	_, err := g.Run(context.Background(), "google-reviews", nil, 30*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, ingest.KindUpstreamTimeout, ingest.KindOf(err))
}

func TestRunUnknownActorIsValidation(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, "http://127.0.0.1:0")
	_, err := g.Run(context.Background(), "no-such-actor", nil, time.Second)
	require.Error(t, err)
	require.Equal(t, ingest.KindValidation, ingest.KindOf(err))
}

func TestRunConnectionRefusedIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // refuse all connections

	g := newTestGateway(t, srv.URL)
	_, err := g.Run(context.Background(), "google-reviews", nil, time.Second)
	require.Error(t, err)
	require.Equal(t, ingest.KindUpstreamUnavailable, ingest.KindOf(err))
	require.True(t, ingest.Retryable(err))
}

func TestRunStartRejectionIsUpstreamFailure(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /acts/acme~reviews/runs", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid input"}`, http.StatusBadRequest)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	_, err := g.Run(context.Background(), "google-reviews", nil, time.Second)
	require.Error(t, err)
	require.Equal(t, ingest.KindUpstreamFailure, ingest.KindOf(err))
}
