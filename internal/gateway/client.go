package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/noah-isme/enrollpay/internal/network"
)

var (
	// ErrTransient marks a failure the caller may retry (network error, timeout, 5xx).
	ErrTransient = errors.New("gateway: transient failure")
	// ErrNotFound is returned when the gateway does not know the transaction reference.
	ErrNotFound = errors.New("gateway: transaction not found")
)

// Error is a definitive rejection reported by the gateway.
type Error struct {
	Code       string
	Message    string
	HTTPStatus int
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return fmt.Sprintf("gateway rejected request: %s", e.Message)
	}
	return fmt.Sprintf("gateway rejected request: %s: %s", e.Code, e.Message)
}

// Status is the settlement state of a transaction as reported by the gateway.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusProcessing  Status = "processing"
	StatusWaiting     Status = "waiting"
	StatusComplete    Status = "complete"
	StatusCanceled    Status = "canceled"
	StatusFailed      Status = "failed"
)

// IsTerminal reports whether no further change is expected.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusCanceled || s == StatusFailed
}

func (s Status) String() string { return string(s) }

// ParseStatus normalises the vocabulary of the gateway and its operators into
// a Status. Unrecognised values are treated as still processing.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "initialized", "initialised", "initiated", "pending", "created":
		return StatusInitialized
	case "waiting", "waiting_for_customer", "awaiting":
		return StatusWaiting
	case "complete", "completed", "success", "successful", "paid", "settled":
		return StatusComplete
	case "canceled", "cancelled", "cancel":
		return StatusCanceled
	case "failed", "failure", "fail", "expired", "rejected":
		return StatusFailed
	default:
		return StatusProcessing
	}
}

// ChargeRequest captures a direct mobile-money debit.
type ChargeRequest struct {
	CartID  string
	Phone   string
	Amount  int64
	Network network.Carrier
	PromoID string
}

// ChargeResult is the gateway answer to a direct charge. When NeedsFallback is
// set, RedirectURL points to the hosted checkout and Reference may be empty.
type ChargeResult struct {
	Reference     string
	NeedsFallback bool
	RedirectURL   string
}

// Client is the payment gateway as seen by the session controller.
type Client interface {
	ChargeDirect(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	CheckStatus(ctx context.Context, reference string) (Status, error)
	Cancel(ctx context.Context, reference string) error
}
