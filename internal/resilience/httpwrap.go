package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ErrUpstreamStatus wraps 5xx responses that exhausted all attempts.
var ErrUpstreamStatus = errors.New("resilience: upstream error status")

// HTTPClient wraps an http.Client with retry, timeout and circuit-breaker logic.
// Each Route draws its own breaker from Breakers.
type HTTPClient struct {
	Client      *http.Client
	Breakers    *BreakerSet
	Route       string
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	Timeout     time.Duration
	Target      string
	Logger      *zerolog.Logger
}

// WithAttempts returns a copy of the client limited to n attempts. Non-idempotent
// calls use WithAttempts(1).
func (cl HTTPClient) WithAttempts(n int) HTTPClient {
	cl.MaxAttempts = n
	return cl
}

// WithRoute returns a copy of the client guarded by the breaker for route.
func (cl HTTPClient) WithRoute(route string) HTTPClient {
	cl.Route = route
	return cl
}

// Do executes the request applying retry semantics. The provided request body is
// buffered automatically to support retries. When the breaker is open
// ErrOpenCircuit is returned. Responses below 500 are returned to the caller
// as-is; the caller owns the body.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	maxAttempts := cl.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	baseBackoff := cl.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = 100 * time.Millisecond
	}

	originalBody, err := ensureReplayableBody(req)
	if err != nil {
		return nil, err
	}

	breaker := cl.breaker()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if breaker != nil && !breaker.Allow(ctx) {
			cl.countAttempt("rejected")
			lastErr = ErrOpenCircuit
			break
		}
		attemptReq, err := cloneRequestWithContext(ctx, req, originalBody)
		if err != nil {
			report(ctx, breaker, Neutral)
			return nil, err
		}
		resp, err := cl.doOnce(attemptReq)
		if err == nil && resp.StatusCode < 500 {
			report(ctx, breaker, Success)
			cl.countAttempt("ok")
			return resp, nil
		}
		if err == nil {
			lastErr = fmt.Errorf("%w: %s", ErrUpstreamStatus, resp.Status)
			drain(resp)
		} else {
			lastErr = err
		}
		if ctx.Err() != nil {
			report(ctx, breaker, Neutral)
			return nil, ctx.Err()
		}
		report(ctx, breaker, Failure)
		cl.countAttempt("failed")
		cl.logAttempt(attempt, maxAttempts, lastErr)
		if attempt == maxAttempts {
			break
		}
		sleepFor := Backoff(baseBackoff, attempt, cl.Jitter)
		timer := time.NewTimer(sleepFor)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func (cl HTTPClient) breaker() *Breaker {
	if cl.Breakers == nil {
		return nil
	}
	return cl.Breakers.For(cl.Route)
}

func report(ctx context.Context, b *Breaker, outcome Outcome) {
	if b != nil {
		b.Report(ctx, outcome)
	}
}

func (cl HTTPClient) doOnce(req *http.Request) (*http.Response, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		return cl.Client.Do(req)
	}
	callCtx, cancel := context.WithTimeout(req.Context(), timeout)
	resp, err := cl.Client.Do(req.WithContext(callCtx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (cl HTTPClient) target() string {
	if cl.Target == "" {
		return "default"
	}
	if cl.Route != "" {
		return cl.Target + "." + cl.Route
	}
	return cl.Target
}

func (cl HTTPClient) countAttempt(outcome string) {
	UpstreamAttemptsTotal.WithLabelValues(cl.target(), outcome).Inc()
}

func (cl HTTPClient) logAttempt(attempt, max int, err error) {
	if cl.Logger == nil {
		return
	}
	cl.Logger.Warn().Err(err).Str("target", cl.target()).Int("attempt", attempt).Int("max_attempts", max).Msg("upstream_attempt_failed")
}

// cancelOnClose keeps the per-attempt timeout context alive until the caller
// has finished reading the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func ensureReplayableBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		defer func() { _ = body.Close() }()
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(data))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
		return data, nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	_ = req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return data, nil
}

func cloneRequestWithContext(ctx context.Context, req *http.Request, body []byte) (*http.Request, error) {
	clone := req.Clone(ctx)
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	return clone, nil
}
