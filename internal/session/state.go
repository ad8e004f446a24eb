package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/noah-isme/enrollpay/internal/gateway"
	"github.com/noah-isme/enrollpay/internal/network"
)

// State is the processing state of a checkout session.
type State string

const (
	StateIdle            State = "idle"
	StateProcessing      State = "processing"
	StateWaiting         State = "waiting"
	StateFallback        State = "fallback"
	StateBrowserRedirect State = "browser_redirect"
	StateCompleted       State = "completed"
	StateCanceled        State = "canceled"
	StateFailed          State = "failed"
)

// IsTerminal reports whether the state absorbs everything but Retry.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCanceled || s == StateFailed
}

// InFlight reports whether a transaction is pending settlement.
func (s State) InFlight() bool {
	return s == StateWaiting || s == StateFallback || s == StateBrowserRedirect
}

func (s State) String() string { return string(s) }

var (
	// ErrInvalidTransition is returned when an operation is not allowed in the current state.
	ErrInvalidTransition = errors.New("session: operation not allowed in current state")
	// ErrGatewayRejected wraps a charge the gateway refused.
	ErrGatewayRejected = errors.New("session: charge rejected by gateway")
	// ErrBrowserOpenFailed is returned when the hosted checkout could not be opened.
	ErrBrowserOpenFailed = errors.New("session: unable to open browser")
	// ErrSuperseded is returned when a retry or cancel overtook an operation in progress.
	ErrSuperseded = errors.New("session: attempt superseded")
)

// ValidationError reports bad start input. No state change accompanies it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StartRequest carries the input of a charge attempt.
type StartRequest struct {
	CartID  string
	Phone   string
	Amount  int64
	PromoID string
}

// Snapshot is an immutable view of the session handed to callers and observers.
type Snapshot struct {
	ID          string          `json:"id"`
	State       State           `json:"state"`
	CartID      string          `json:"cartId,omitempty"`
	Reference   string          `json:"reference,omitempty"`
	Network     network.Carrier `json:"network,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	Amount      int64           `json:"amount,omitempty"`
	PromoID     string          `json:"promoId,omitempty"`
	RedirectURL string          `json:"redirectUrl,omitempty"`
	LastStatus  gateway.Status  `json:"lastStatus,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	Advisory    string          `json:"advisory,omitempty"`
	Polling     bool            `json:"polling"`
	Version     uint64          `json:"version"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Observer receives every published snapshot in order. Observers run on the
// goroutine that performed the transition and must not call transition
// methods on the same Controller synchronously.
type Observer func(Snapshot)

// terminalState maps a terminal gateway status onto the session state.
func terminalState(s gateway.Status) (State, bool) {
	switch s {
	case gateway.StatusComplete:
		return StateCompleted, true
	case gateway.StatusCanceled:
		return StateCanceled, true
	case gateway.StatusFailed:
		return StateFailed, true
	default:
		return "", false
	}
}
