package promo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/enrollpay/internal/obs"
)

// DefaultLookupTimeout bounds every store call made during a verification.
const DefaultLookupTimeout = 3 * time.Second

// ErrNotFound is returned by a Store when no active code matches.
var ErrNotFound = errors.New("promo: code not found")

// Reason explains why a code was refused.
type Reason string

const (
	ReasonAlreadyUsed  Reason = "ALREADY_USED"
	ReasonNotFound     Reason = "NOT_FOUND"
	ReasonExpired      Reason = "EXPIRED"
	ReasonLookupFailed Reason = "LOOKUP_FAILED"
)

// Code is an active promo code as stored.
type Code struct {
	ID                 string
	Code               string
	DiscountPercentage int
	ValidUntil         *time.Time
	OwnerName          string
}

// Store is the read-only persistence the validator depends on.
type Store interface {
	// HasConsumedPromo reports whether userID completed any payment that used a promo code.
	HasConsumedPromo(ctx context.Context, userID string) (bool, error)
	// FindActiveCode returns the active code matching code, or ErrNotFound.
	FindActiveCode(ctx context.Context, code string) (Code, error)
}

// Result is the outcome of a verification. Exactly one of Valid or Reason is
// meaningful.
type Result struct {
	Valid              bool   `json:"valid"`
	CodeID             string `json:"codeId,omitempty"`
	Code               string `json:"code,omitempty"`
	DiscountPercentage int    `json:"discountPercentage,omitempty"`
	OwnerName          string `json:"ownerName,omitempty"`
	Reason             Reason `json:"reason,omitempty"`
}

func invalid(reason Reason) Result { return Result{Reason: reason} }

// Validator applies the promo code rules against a Store.
type Validator struct {
	Store   Store
	Now     func() time.Time
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Verify checks code for userID. Rules short-circuit in order: prior promo use
// by the user, code lookup, expiry. Store failures and timeouts surface as
// ReasonLookupFailed; Verify never returns an error.
func (v *Validator) Verify(ctx context.Context, code, userID string) Result {
	ctx, span := otel.Tracer("promo.Validator").Start(ctx, "PromoValidator.Verify")
	defer span.End()

	res := v.verify(ctx, normalise(code), strings.TrimSpace(userID))
	result := "valid"
	if !res.Valid {
		result = strings.ToLower(string(res.Reason))
	}
	span.SetAttributes(attribute.String("promo.result", result))
	if obs.PromoVerifyTotal != nil {
		obs.PromoVerifyTotal.WithLabelValues(result).Inc()
	}
	return res
}

func (v *Validator) verify(ctx context.Context, code, userID string) Result {
	if v == nil || v.Store == nil {
		return invalid(ReasonLookupFailed)
	}
	if code == "" {
		return invalid(ReasonNotFound)
	}

	if userID != "" {
		lctx, cancel := v.lookupContext(ctx)
		used, err := v.Store.HasConsumedPromo(lctx, userID)
		cancel()
		if err != nil {
			v.Logger.Warn().Err(err).Str("user_id", userID).Msg("promo_usage_lookup_failed")
			return invalid(ReasonLookupFailed)
		}
		if used {
			return invalid(ReasonAlreadyUsed)
		}
	}

	lctx, cancel := v.lookupContext(ctx)
	found, err := v.Store.FindActiveCode(lctx, code)
	cancel()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalid(ReasonNotFound)
		}
		v.Logger.Warn().Err(err).Str("promo_code", code).Msg("promo_code_lookup_failed")
		return invalid(ReasonLookupFailed)
	}
	if found.ValidUntil != nil && !v.now().Before(*found.ValidUntil) {
		return invalid(ReasonExpired)
	}
	return Result{
		Valid:              true,
		CodeID:             found.ID,
		Code:               found.Code,
		DiscountPercentage: clampPercentage(found.DiscountPercentage),
		OwnerName:          found.OwnerName,
	}
}

func (v *Validator) lookupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// normalise strips all whitespace and folds case.
func normalise(code string) string {
	return strings.ToUpper(strings.Join(strings.Fields(code), ""))
}

func clampPercentage(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
