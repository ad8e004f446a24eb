package resilience

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var breakerNopLogger = zerolog.Nop()

// ErrOpenCircuit is returned when the circuit breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State represents the current breaker state.
type State int

const (
	// Closed accepts all requests and tracks outcomes.
	Closed State = iota
	// Open rejects requests until the cool-off period expires.
	Open
	// HalfOpen lets a single trial request through.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Outcome is what a caller reports back after a guarded request.
type Outcome int

const (
	// Success counts toward closing the breaker.
	Success Outcome = iota
	// Failure counts toward opening the breaker.
	Failure
	// Neutral says nothing about upstream health, for example when the
	// caller itself gave up. It only releases a half-open trial slot.
	Neutral
)

// Breaker opens when the failure ratio over its last outcomes reaches the
// threshold. Outcomes are kept in a fixed window of twice the minimum sample.
type Breaker struct {
	mu           sync.Mutex
	state        State
	window       []bool
	next         int
	filled       int
	failures     int
	minRequests  int
	failureRatio float64
	openedAt     time.Time
	openFor      time.Duration
	trial        bool
	target       string
	logger       *zerolog.Logger
	now          func() time.Time
}

// NewBreaker returns a closed breaker that needs at least minRequests
// outcomes before it can open.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	if minRequests <= 0 {
		minRequests = 1
	}
	if failureRatio <= 0 {
		failureRatio = 0.5
	}
	if failureRatio > 1 {
		failureRatio = 1
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		state:        Closed,
		window:       make([]bool, minRequests*2),
		minRequests:  minRequests,
		failureRatio: failureRatio,
		openFor:      openFor,
		now:          time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
	return b
}

// WithTarget sets the dependency label used for metrics and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	b.recordStateLocked()
	return b
}

// WithLogger configures the logger used for transition events.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = &logger
	return b
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a request may proceed. After the cool-off an open
// breaker admits exactly one trial request; others are refused until that
// trial is reported.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.openFor {
			return false
		}
		b.changeStateLocked(ctx, HalfOpen)
		b.trial = true
		return true
	case HalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	default:
		return true
	}
}

// Report records the outcome of a request admitted by Allow.
func (b *Breaker) Report(ctx context.Context, outcome Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		switch outcome {
		case Success:
			b.changeStateLocked(ctx, Closed)
		case Failure:
			b.changeStateLocked(ctx, Open)
		default:
			b.trial = false
		}
		return
	}
	if outcome == Neutral {
		return
	}

	failed := outcome == Failure
	if b.filled == len(b.window) {
		if b.window[b.next] {
			b.failures--
		}
	} else {
		b.filled++
	}
	b.window[b.next] = failed
	b.next = (b.next + 1) % len(b.window)
	if failed {
		b.failures++
	}

	if b.filled < b.minRequests {
		return
	}
	if float64(b.failures)/float64(b.filled) >= b.failureRatio {
		b.changeStateLocked(ctx, Open)
	}
}

func (b *Breaker) changeStateLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		b.recordStateLocked()
		return
	}
	b.state = next
	b.trial = false
	switch next {
	case Open:
		b.openedAt = b.now()
	case Closed:
		b.openedAt = time.Time{}
	}
	b.resetWindowLocked()
	b.recordStateLocked()
	b.recordTransition(ctx, prev, next)
}

func (b *Breaker) resetWindowLocked() {
	for i := range b.window {
		b.window[i] = false
	}
	b.next, b.filled, b.failures = 0, 0, 0
}

// BreakerSet hands out one breaker per route of a dependency so a failing
// route cannot block the others. Breakers are created on first use.
type BreakerSet struct {
	target       string
	minRequests  int
	failureRatio float64
	openFor      time.Duration
	logger       zerolog.Logger

	mu      sync.Mutex
	byRoute map[string]*Breaker
}

// NewBreakerSet returns a set whose breakers share the given thresholds.
func NewBreakerSet(target string, minRequests int, failureRatio float64, openFor time.Duration) *BreakerSet {
	return &BreakerSet{
		target:       strings.TrimSpace(target),
		minRequests:  minRequests,
		failureRatio: failureRatio,
		openFor:      openFor,
		logger:       breakerNopLogger,
		byRoute:      map[string]*Breaker{},
	}
}

// WithLogger sets the logger given to breakers created afterwards.
func (s *BreakerSet) WithLogger(logger zerolog.Logger) *BreakerSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
	return s
}

// For returns the breaker guarding route. Its metrics label is
// "<target>.<route>", or the bare target for an empty route.
func (s *BreakerSet) For(route string) *Breaker {
	route = strings.TrimSpace(route)
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.byRoute[route]; ok {
		return b
	}
	label := s.target
	if route != "" {
		label = strings.TrimPrefix(label+"."+route, ".")
	}
	b := NewBreaker(s.minRequests, s.failureRatio, s.openFor).
		WithTarget(label).
		WithLogger(s.logger)
	s.byRoute[route] = b
	return b
}

// Backoff returns an exponential backoff duration for the provided attempt.
// Jitter is expressed as a fraction (e.g. 0.2 == 20%).
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if jitterPct <= 0 {
		return d
	}
	jitter := float64(d) * jitterPct
	delta := (rand.Float64()*2 - 1) * jitter
	return d + time.Duration(delta)
}

func (b *Breaker) recordStateLocked() {
	if BreakerState == nil {
		return
	}
	BreakerState.WithLabelValues(b.targetLabel()).Set(stateGaugeValue(b.state))
}

func (b *Breaker) recordTransition(ctx context.Context, from, to State) {
	label := b.targetLabel()
	if BreakerTransitions != nil {
		BreakerTransitions.WithLabelValues(label, from.String(), to.String()).Inc()
	}
	if to == Open && BreakerOpenedTotal != nil {
		BreakerOpenedTotal.WithLabelValues(label).Inc()
	}
	evt := b.loggerFor(ctx).Info().Str("target", label).Str("from_state", from.String()).Str("to_state", to.String())
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		evt = evt.Str("trace_id", span.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) targetLabel() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}

func (b *Breaker) loggerFor(ctx context.Context) *zerolog.Logger {
	if ctxLogger := zerolog.Ctx(ctx); ctxLogger != nil && ctxLogger.GetLevel() != zerolog.Disabled {
		return ctxLogger
	}
	if b.logger == nil {
		return &breakerNopLogger
	}
	return b.logger
}

func stateGaugeValue(state State) float64 {
	switch state {
	case Closed:
		return 0
	case Open:
		return 1
	case HalfOpen:
		return 2
	default:
		return -1
	}
}
