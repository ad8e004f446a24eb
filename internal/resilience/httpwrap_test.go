package resilience_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/enrollpay/internal/resilience"
)

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, `{"a":1}`, string(body))
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	cl := resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 3, BaseBackoff: time.Millisecond}
	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	resp, err := cl.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, "ok", string(body))
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPClientSingleAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	cl := resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 5, BaseBackoff: time.Millisecond}.WithAttempts(1)
	req, err := http.NewRequest(http.MethodPost, srv.URL, nil)
	require.NoError(t, err)
	_, err = cl.Do(context.Background(), req)
	require.ErrorIs(t, err, resilience.ErrUpstreamStatus)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPClientOpenBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	breakers := resilience.NewBreakerSet("upstream", 1, 0.5, time.Minute)
	cl := resilience.HTTPClient{Client: srv.Client(), Breakers: breakers, MaxAttempts: 3, BaseBackoff: time.Millisecond}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = cl.WithRoute("status").Do(context.Background(), req)
	require.True(t, errors.Is(err, resilience.ErrOpenCircuit))
	require.Equal(t, resilience.Open, breakers.For("status").State())
	require.Equal(t, resilience.Closed, breakers.For("charge").State())
}

func TestHTTPClientCallerCancelDoesNotTripBreaker(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	breakers := resilience.NewBreakerSet("upstream", 1, 0.5, time.Minute)
	cl := resilience.HTTPClient{Client: srv.Client(), Breakers: breakers, Route: "status", MaxAttempts: 3, BaseBackoff: time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = cl.Do(ctx, req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, resilience.Closed, breakers.For("status").State())
}

func TestHTTPClientPassesClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	cl := resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 3, Timeout: time.Second}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := cl.Do(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestHTTPClientCountsAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	cl := resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 2, BaseBackoff: time.Millisecond, Target: "attempts-test"}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := cl.Do(context.Background(), req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.InDelta(t, 1, testutil.ToFloat64(resilience.UpstreamAttemptsTotal.WithLabelValues("attempts-test", "failed")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(resilience.UpstreamAttemptsTotal.WithLabelValues("attempts-test", "ok")), 0)
}
