package session

import (
	"context"
	"sync"
	"time"

	"github.com/noah-isme/enrollpay/internal/gateway"
)

type fakeGateway struct {
	mu sync.Mutex

	chargeResult gateway.ChargeResult
	chargeErr    error
	chargeGate   chan struct{}
	charges      []gateway.ChargeRequest

	statuses   []gateway.Status
	statusErr  []error
	checks     int
	checkDelay time.Duration
	inFlight   int
	maxFlight  int

	cancels   []string
	cancelErr error
}

func (f *fakeGateway) ChargeDirect(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
	f.mu.Lock()
	f.charges = append(f.charges, req)
	gate := f.chargeGate
	res, err := f.chargeResult, f.chargeErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return gateway.ChargeResult{}, ctx.Err()
		}
	}
	return res, err
}

// CheckStatus pops the next scripted answer. The last status repeats once the
// script runs out.
func (f *fakeGateway) CheckStatus(_ context.Context, _ string) (gateway.Status, error) {
	f.mu.Lock()
	f.checks++
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	var err error
	if len(f.statusErr) > 0 {
		err = f.statusErr[0]
		f.statusErr = f.statusErr[1:]
	}
	status := gateway.StatusWaiting
	if err == nil && len(f.statuses) > 0 {
		status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	delay := f.checkDelay
	f.mu.Unlock()

	time.Sleep(delay)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return status, nil
}

func (f *fakeGateway) Cancel(_ context.Context, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, reference)
	return f.cancelErr
}

func (f *fakeGateway) checkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

func (f *fakeGateway) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

func (f *fakeGateway) setStatuses(statuses ...gateway.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = statuses
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) observe(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

// states returns the observed states with repeats collapsed, so status-only
// updates do not show up as transitions.
func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.snaps))
	for _, s := range r.snaps {
		if n := len(out); n > 0 && out[n-1] == s.State {
			continue
		}
		out = append(out, s.State)
	}
	return out
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}
