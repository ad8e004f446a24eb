package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultProbeTimeout = 500 * time.Millisecond

var draining atomic.Bool

// SetReady flips the readiness gate. The API clears it once shutdown starts.
func SetReady(ready bool) { draining.Store(!ready) }

// Probe checks one dependency.
type Probe struct {
	Name    string
	Timeout time.Duration
	Check   func(ctx context.Context) error
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe probes a dependency exposing Ping.
func PingProbe(name string, p Pinger, timeout time.Duration) Probe {
	return Probe{Name: name, Timeout: timeout, Check: p.Ping}
}

// RedisProbe probes a Redis client with PING.
func RedisProbe(client *redis.Client, timeout time.Duration) Probe {
	return Probe{Name: "redis", Timeout: timeout, Check: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Probes []Probe
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type readyBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Ready reports readiness based on dependency probes.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	body := readyBody{Status: "ok", Checks: make(map[string]string, len(h.Probes))}
	if draining.Load() {
		body.Status = "draining"
	}
	for _, p := range h.Probes {
		result := "ok"
		if err := runProbe(r.Context(), p); err != nil {
			result = err.Error()
			body.Status = "unavailable"
		}
		body.Checks[p.Name] = result
	}

	status := http.StatusOK
	if body.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func runProbe(ctx context.Context, p Probe) error {
	if p.Check == nil {
		return nil
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Check(ctx)
}
