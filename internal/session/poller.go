package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/enrollpay/internal/gateway"
	"github.com/noah-isme/enrollpay/internal/obs"
)

// DefaultPollInterval is the spacing between two scheduled status checks.
const DefaultPollInterval = 15 * time.Second

// StatusChecker is the slice of the gateway the poller needs.
type StatusChecker interface {
	CheckStatus(ctx context.Context, reference string) (gateway.Status, error)
}

// Update is the outcome of one status check.
type Update struct {
	Reference string
	Status    gateway.Status
	Err       error
	// Failures counts consecutive failed checks for Reference, including this one.
	Failures int
}

// Received reports whether the check produced a status.
func (u Update) Received() bool { return u.Err == nil && u.Status != "" }

// UpdateFunc receives poll outcomes. A check that completed just as Stop was
// called may still be delivered, so receivers must guard their own state.
type UpdateFunc func(Update)

// Poller issues status checks for one reference at a time on a fixed
// interval until a terminal status is seen or Stop is called. Checks are
// sequential: the next one is scheduled only after the previous returned.
type Poller struct {
	Checker      StatusChecker
	Interval     time.Duration
	CheckTimeout time.Duration
	Logger       zerolog.Logger

	mu       sync.Mutex
	run      *pollRun
	checkMu  sync.Mutex
	failures map[string]int
}

type pollRun struct {
	reference string
	cancel    context.CancelFunc
}

// Start begins polling reference. Starting for the reference already being
// polled is a no-op; a different reference replaces the old schedule.
func (p *Poller) Start(reference string, onUpdate UpdateFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run != nil {
		if p.run.reference == reference {
			return
		}
		p.stopLocked()
	}
	ctx, cancel := context.WithCancel(context.Background())
	run := &pollRun{reference: reference, cancel: cancel}
	p.run = run
	go p.loop(ctx, run, onUpdate)
}

// Stop cancels the current schedule. It is idempotent and does not wait for
// an in-flight check; that check's result is discarded.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if p.run == nil {
		return
	}
	p.run.cancel()
	p.run = nil
}

// Running reports whether a schedule is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run != nil
}

// Reference returns the reference being polled, if any.
func (p *Poller) Reference() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run == nil {
		return ""
	}
	return p.run.reference
}

// CheckNow performs one out-of-band status check. It shares the in-flight
// guard with the schedule so at most one check per poller runs at a time.
func (p *Poller) CheckNow(ctx context.Context, reference string) Update {
	return p.check(ctx, reference)
}

func (p *Poller) loop(ctx context.Context, run *pollRun, onUpdate UpdateFunc) {
	log := p.Logger.With().Str("trx_reference", run.reference).Logger()
	log.Debug().Dur("interval", p.interval()).Msg("poller_started")

	timer := time.NewTimer(p.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("poller_stopped")
			return
		case <-timer.C:
		}
		upd := p.check(ctx, run.reference)
		if ctx.Err() != nil {
			return
		}
		if upd.Err != nil {
			log.Warn().Err(upd.Err).Int("failures", upd.Failures).Msg("status_check_failed")
		}
		if onUpdate != nil {
			onUpdate(upd)
		}
		if upd.Received() && upd.Status.IsTerminal() {
			p.finish(run)
			log.Debug().Str("status", upd.Status.String()).Msg("poller_finished")
			return
		}
		timer.Reset(p.interval())
	}
}

func (p *Poller) finish(run *pollRun) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run == run {
		p.run.cancel()
		p.run = nil
	}
}

func (p *Poller) check(ctx context.Context, reference string) Update {
	p.checkMu.Lock()
	defer p.checkMu.Unlock()

	upd := Update{Reference: reference}
	if p.Checker == nil {
		upd.Err = errors.New("session: status checker not configured")
		upd.Failures = p.recordFailure(reference)
		return upd
	}
	callCtx := ctx
	if p.CheckTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.CheckTimeout)
		defer cancel()
	}
	status, err := p.Checker.CheckStatus(callCtx, reference)
	result := "ok"
	switch {
	case err == nil:
		upd.Status = status
		p.resetFailures(reference)
	case errors.Is(err, gateway.ErrNotFound):
		result = "not_found"
		upd.Err = err
		upd.Failures = p.recordFailure(reference)
	default:
		result = "transient"
		upd.Err = err
		upd.Failures = p.recordFailure(reference)
	}
	if obs.PaymentStatusCheckTotal != nil {
		obs.PaymentStatusCheckTotal.WithLabelValues(result).Inc()
	}
	return upd
}

func (p *Poller) recordFailure(reference string) int {
	if p.failures == nil {
		p.failures = map[string]int{}
	}
	p.failures[reference]++
	return p.failures[reference]
}

func (p *Poller) resetFailures(reference string) {
	delete(p.failures, reference)
}

func (p *Poller) interval() time.Duration {
	if p.Interval <= 0 {
		return DefaultPollInterval
	}
	return p.Interval
}
