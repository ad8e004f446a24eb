package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/noah-isme/enrollpay/internal/network"
)

// Sandbox is an in-memory gateway for local development. MTN numbers are
// charged directly; Orange numbers are sent to the hosted checkout. A
// transaction completes after SettleAfter status checks.
type Sandbox struct {
	CheckoutBaseURL string
	SettleAfter     int

	mu      sync.Mutex
	trx     map[string]*sandboxTrx
	outcome map[string]Status
}

type sandboxTrx struct {
	checks    int
	status    Status
	cancelled bool
}

// NewSandbox returns a sandbox that settles transactions after settleAfter checks.
func NewSandbox(checkoutBaseURL string, settleAfter int) *Sandbox {
	if settleAfter <= 0 {
		settleAfter = 2
	}
	return &Sandbox{CheckoutBaseURL: checkoutBaseURL, SettleAfter: settleAfter}
}

// SetOutcome forces the terminal status reported for phone numbers ending
// with suffix. Used to exercise failure paths by hand.
func (s *Sandbox) SetOutcome(suffix string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		s.outcome = map[string]Status{}
	}
	s.outcome[suffix] = status
}

// ChargeDirect implements Client.
func (s *Sandbox) ChargeDirect(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	if strings.TrimSpace(req.CartID) == "" {
		return ChargeResult{}, &Error{Code: "invalid_request", Message: "cart id is required", HTTPStatus: 400}
	}
	if req.Amount <= 0 {
		return ChargeResult{}, &Error{Code: "invalid_amount", Message: "amount must be positive", HTTPStatus: 400}
	}
	ref := "SBX-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])

	s.mu.Lock()
	if s.trx == nil {
		s.trx = map[string]*sandboxTrx{}
	}
	final := StatusComplete
	for suffix, st := range s.outcome {
		if strings.HasSuffix(req.Phone, suffix) {
			final = st
			break
		}
	}
	s.trx[ref] = &sandboxTrx{status: final}
	s.mu.Unlock()

	if req.Network == network.Orange {
		host := strings.TrimRight(strings.TrimSpace(s.CheckoutBaseURL), "/")
		if host == "" {
			host = "https://checkout.sandbox.local"
		}
		return ChargeResult{
			Reference:     ref,
			NeedsFallback: true,
			RedirectURL:   fmt.Sprintf("%s/pay/%s", host, ref),
		}, nil
	}
	return ChargeResult{Reference: ref}, nil
}

// CheckStatus implements Client.
func (s *Sandbox) CheckStatus(_ context.Context, reference string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trx[reference]
	if !ok {
		return "", ErrNotFound
	}
	if t.cancelled {
		return StatusCanceled, nil
	}
	t.checks++
	settle := s.SettleAfter
	if settle <= 0 {
		settle = 2
	}
	if t.checks >= settle {
		return t.status, nil
	}
	if t.checks == 1 {
		return StatusInitialized, nil
	}
	return StatusWaiting, nil
}

// Cancel implements Client.
func (s *Sandbox) Cancel(_ context.Context, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trx[reference]
	if !ok {
		return ErrNotFound
	}
	t.cancelled = true
	return nil
}
