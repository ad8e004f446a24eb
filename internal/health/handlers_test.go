package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/enrollpay/internal/health"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestLive(t *testing.T) {
	rr := httptest.NewRecorder()
	health.Handler{}.Live(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

func TestReadySuccess(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	handler := health.Handler{Probes: []health.Probe{
		health.PingProbe("db", stubPinger{}, 50*time.Millisecond),
		health.RedisProbe(client, 50*time.Millisecond),
	}}
	rr := httptest.NewRecorder()
	handler.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	body := decode(t, rr)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, map[string]any{"db": "ok", "redis": "ok"}, body["checks"])
}

func TestReadyFailure(t *testing.T) {
	handler := health.Handler{Probes: []health.Probe{
		health.PingProbe("db", stubPinger{err: errors.New("db down")}, 10*time.Millisecond),
	}}
	rr := httptest.NewRecorder()
	handler.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decode(t, rr)
	require.Equal(t, "unavailable", body["status"])
	require.Equal(t, "db down", body["checks"].(map[string]any)["db"])
}

func TestReadyProbeTimeout(t *testing.T) {
	slow := health.Probe{Name: "gateway", Timeout: 10 * time.Millisecond, Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	rr := httptest.NewRecorder()
	health.Handler{Probes: []health.Probe{slow}}.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
