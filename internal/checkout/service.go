package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/enrollpay/internal/common"
	"github.com/noah-isme/enrollpay/internal/gateway"
	"github.com/noah-isme/enrollpay/internal/ledger"
	"github.com/noah-isme/enrollpay/internal/lock"
	"github.com/noah-isme/enrollpay/internal/pricing"
	"github.com/noah-isme/enrollpay/internal/promo"
	"github.com/noah-isme/enrollpay/internal/session"
)

// PromoVerifier checks promo codes for a buyer.
type PromoVerifier interface {
	Verify(ctx context.Context, code, userID string) promo.Result
}

// EnrollmentChecker reports whether a buyer already holds an enrollment,
// which switches pricing to the fixed per-item price.
type EnrollmentChecker interface {
	HasEnrollment(ctx context.Context, userID string) (bool, error)
}

// Locker serialises work on a key across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// SessionSettings are applied to every controller the service creates.
type SessionSettings struct {
	PollInterval  time.Duration
	CheckTimeout  time.Duration
	CancelTimeout time.Duration
	AdvisoryAfter int
	ReturnPattern *regexp.Regexp
	// StartTimeout bounds the direct charge independently of the request.
	StartTimeout time.Duration
}

// Service prices carts and drives checkout sessions for HTTP callers.
type Service struct {
	Gateway     gateway.Client
	Promo       PromoVerifier
	Enrollments EnrollmentChecker
	Ledger      *ledger.Writer
	Locker      Locker
	LockTTL     time.Duration
	Sessions    *Registry
	Settings    SessionSettings
	Logger      zerolog.Logger
}

// QuoteInput is the cart to price.
type QuoteInput struct {
	Items     []pricing.Item `json:"items" validate:"required,min=1,dive"`
	PromoCode string         `json:"promoCode" validate:"omitempty,max=64"`
}

// Quote is a priced cart. Promo is set when a code was submitted.
type Quote struct {
	Breakdown pricing.Breakdown `json:"breakdown"`
	Promo     *promo.Result     `json:"promo,omitempty"`
}

// StartInput opens a checkout session for a cart.
type StartInput struct {
	CartID    string         `json:"cartId" validate:"required,max=128"`
	Phone     string         `json:"phone" validate:"required,max=32"`
	Items     []pricing.Item `json:"items" validate:"required,min=1,dive"`
	PromoCode string         `json:"promoCode" validate:"omitempty,max=64"`
}

// StartOutput is the session as it stands after the charge was submitted.
type StartOutput struct {
	Session   session.Snapshot  `json:"session"`
	Breakdown pricing.Breakdown `json:"breakdown"`
}

// Quote prices items for userID, applying promoCode when it verifies.
func (s *Service) Quote(ctx context.Context, userID string, in QuoteInput) (Quote, error) {
	fixed := false
	if s.Enrollments != nil && userID != "" {
		has, err := s.Enrollments.HasEnrollment(ctx, userID)
		if err != nil {
			return Quote{}, common.NewAppError("DEPENDENCY_UNAVAILABLE", "unable to determine pricing mode", http.StatusServiceUnavailable, err)
		}
		fixed = has
	}
	var (
		out     Quote
		applied *pricing.Promo
	)
	if code := strings.TrimSpace(in.PromoCode); code != "" {
		res := s.verify(ctx, code, userID)
		out.Promo = &res
		if res.Valid {
			applied = &pricing.Promo{CodeID: res.CodeID, DiscountPercentage: res.DiscountPercentage}
		}
	}
	out.Breakdown = pricing.Compute(in.Items, fixed, applied)
	return out, nil
}

// VerifyPromo checks code for userID.
func (s *Service) VerifyPromo(ctx context.Context, userID, code string) promo.Result {
	return s.verify(ctx, code, userID)
}

func (s *Service) verify(ctx context.Context, code, userID string) promo.Result {
	if s.Promo == nil {
		return promo.Result{Reason: promo.ReasonLookupFailed}
	}
	return s.Promo.Verify(ctx, code, userID)
}

// Start prices the cart server-side and submits the charge. Starts by the same
// user are serialised. A cart with a charge already pending is refused, as is
// a promo start while another of the user's promo charges is pending.
func (s *Service) Start(ctx context.Context, userID string, in StartInput) (StartOutput, error) {
	if s.Gateway == nil || s.Sessions == nil {
		return StartOutput{}, errors.New("checkout service not configured")
	}
	var out StartOutput
	run := func(ctx context.Context) error {
		var err error
		out, err = s.start(ctx, userID, in)
		return err
	}
	if s.Locker == nil {
		return out, run(ctx)
	}
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	err := s.Locker.WithLock(ctx, "checkout:user:"+userID, ttl, run)
	if errors.Is(err, lock.ErrNotAcquired) {
		return StartOutput{}, common.NewAppError("CHECKOUT_IN_PROGRESS", "another checkout is already being started", http.StatusConflict, err)
	}
	return out, err
}

func (s *Service) start(ctx context.Context, userID string, in StartInput) (StartOutput, error) {
	if prev, ok := s.Sessions.ForCart(userID, in.CartID); ok {
		if snap := prev.Snapshot(); pending(snap) {
			return StartOutput{}, common.NewAppError("CHECKOUT_IN_PROGRESS", "a payment for this cart is already pending", http.StatusConflict, nil).
				WithDetails(map[string]any{"sessionId": snap.ID, "state": snap.State})
		}
	}
	if strings.TrimSpace(in.PromoCode) != "" {
		for _, other := range s.Sessions.Owned(userID) {
			if snap := other.Snapshot(); pending(snap) && snap.PromoID != "" {
				return StartOutput{}, common.NewAppError("PROMO_IN_USE", "a pending payment already uses a promo code", http.StatusConflict, nil).
					WithDetails(map[string]any{"sessionId": snap.ID, "field": "promoCode"})
			}
		}
	}

	q, err := s.Quote(ctx, userID, QuoteInput{Items: in.Items, PromoCode: in.PromoCode})
	if err != nil {
		return StartOutput{}, err
	}
	var promoID string
	if q.Promo != nil {
		if !q.Promo.Valid {
			return StartOutput{}, common.NewAppError("VALIDATION_FAILED", "promo code cannot be applied", http.StatusUnprocessableEntity, nil).
				WithDetails(map[string]any{"field": "promoCode", "reason": q.Promo.Reason})
		}
		promoID = q.Promo.CodeID
	}

	ctrl := session.NewController(session.Config{
		Gateway:       s.Gateway,
		Opener:        session.OpenerFunc(checkRedirectURL),
		PollInterval:  s.Settings.PollInterval,
		CheckTimeout:  s.Settings.CheckTimeout,
		CancelTimeout: s.Settings.CancelTimeout,
		AdvisoryAfter: s.Settings.AdvisoryAfter,
		ReturnPattern: s.Settings.ReturnPattern,
		Logger:        s.Logger.With().Str("user_id", userID).Logger(),
	})
	if s.Ledger != nil {
		ctrl.Subscribe(s.Ledger.Observer(userID))
	}
	s.Sessions.Add(ctrl, userID, in.CartID)

	// The charge outlives a dropped client connection.
	chargeCtx := context.WithoutCancel(ctx)
	if s.Settings.StartTimeout > 0 {
		var cancel context.CancelFunc
		chargeCtx, cancel = context.WithTimeout(chargeCtx, s.Settings.StartTimeout)
		defer cancel()
	}
	snap, err := ctrl.Start(chargeCtx, session.StartRequest{
		CartID:  in.CartID,
		Phone:   in.Phone,
		Amount:  q.Breakdown.FinalTotal,
		PromoID: promoID,
	})
	if err != nil {
		s.Sessions.Remove(ctrl.ID())
		return StartOutput{}, sessionError(err)
	}
	return StartOutput{Session: snap, Breakdown: q.Breakdown}, nil
}

func pending(snap session.Snapshot) bool {
	return snap.State == session.StateProcessing || snap.State.InFlight()
}

// Session returns the current snapshot of a session owned by userID.
func (s *Service) Session(userID, id string) (session.Snapshot, error) {
	ctrl, err := s.lookup(userID, id)
	if err != nil {
		return session.Snapshot{}, err
	}
	return ctrl.Snapshot(), nil
}

// Cancel abandons the session's transaction.
func (s *Service) Cancel(ctx context.Context, userID, id string) (session.Snapshot, error) {
	ctrl, err := s.lookup(userID, id)
	if err != nil {
		return session.Snapshot{}, err
	}
	return ctrl.Cancel(ctx), nil
}

// Retry returns the session to idle so the buyer can try again.
func (s *Service) Retry(ctx context.Context, userID, id string) (session.Snapshot, error) {
	ctrl, err := s.lookup(userID, id)
	if err != nil {
		return session.Snapshot{}, err
	}
	return ctrl.Retry(ctx), nil
}

// Redirect moves a fallback session to the hosted checkout.
func (s *Service) Redirect(ctx context.Context, userID, id string) (session.Snapshot, error) {
	ctrl, err := s.lookup(userID, id)
	if err != nil {
		return session.Snapshot{}, err
	}
	snap, err := ctrl.OpenRedirect(ctx)
	if err != nil {
		return snap, sessionError(err)
	}
	return snap, nil
}

// Resume reports that the buyer came back to the app.
func (s *Service) Resume(ctx context.Context, userID, id string) (session.Snapshot, error) {
	ctrl, err := s.lookup(userID, id)
	if err != nil {
		return session.Snapshot{}, err
	}
	return ctrl.NotifyResumed(ctx), nil
}

// DeepLink hands a return URL to the session.
func (s *Service) DeepLink(ctx context.Context, userID, id, rawURL string) (session.Snapshot, bool, error) {
	ctrl, err := s.lookup(userID, id)
	if err != nil {
		return session.Snapshot{}, false, err
	}
	snap, matched := ctrl.NotifyDeepLink(ctx, rawURL)
	return snap, matched, nil
}

func (s *Service) lookup(userID, id string) (*session.Controller, error) {
	if s.Sessions == nil {
		return nil, errors.New("checkout service not configured")
	}
	ctrl, ok := s.Sessions.Get(id, userID)
	if !ok {
		return nil, common.NewAppError("SESSION_NOT_FOUND", "checkout session not found", http.StatusNotFound, nil)
	}
	return ctrl, nil
}

// checkRedirectURL stands in for the browser on the server: the client opens
// the page, so the URL only has to be one a browser can load.
func checkRedirectURL(_ context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("not a browsable url: %q", raw)
	}
	return nil
}

func sessionError(err error) error {
	var verr *session.ValidationError
	switch {
	case errors.As(err, &verr):
		return common.NewAppError("VALIDATION_FAILED", verr.Error(), http.StatusUnprocessableEntity, err).
			WithDetails(map[string]any{"field": verr.Field, "reason": verr.Reason})
	case errors.Is(err, session.ErrGatewayRejected):
		return common.NewAppError("GATEWAY_REJECTED", gatewayMessage(err), http.StatusBadGateway, err)
	case errors.Is(err, session.ErrBrowserOpenFailed):
		return common.NewAppError("UNABLE_TO_OPEN_BROWSER", "unable to open the hosted checkout", http.StatusFailedDependency, err)
	case errors.Is(err, session.ErrInvalidTransition):
		return common.NewAppError("INVALID_TRANSITION", "operation not allowed in the current session state", http.StatusConflict, err)
	case errors.Is(err, session.ErrSuperseded):
		return common.NewAppError("SUPERSEDED", "the attempt was cancelled before the charge completed", http.StatusConflict, err)
	default:
		return err
	}
}

func gatewayMessage(err error) string {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) && gwErr.Message != "" {
		return gwErr.Message
	}
	return "the payment gateway refused the charge"
}
