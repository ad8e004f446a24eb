package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/enrollpay/internal/gateway"
	"github.com/noah-isme/enrollpay/internal/network"
	"github.com/noah-isme/enrollpay/internal/obs"
)

// DefaultReturnPattern matches the deep links the hosted checkout sends the
// buyer back through.
var DefaultReturnPattern = regexp.MustCompile(`^enrollpay://payment/(return|callback)`)

const advisoryDelayed = "payment status check delayed, still waiting for the operator"

// Opener opens the hosted checkout page in the buyer's browser.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, url string) error

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, url string) error { return f(ctx, url) }

// Config wires a Controller to its collaborators.
type Config struct {
	ID            string
	Gateway       gateway.Client
	Opener        Opener
	PollInterval  time.Duration
	CheckTimeout  time.Duration
	CancelTimeout time.Duration
	// AdvisoryAfter is the number of consecutive failed checks after which the
	// snapshot carries an advisory. Zero disables it.
	AdvisoryAfter int
	ReturnPattern *regexp.Regexp
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Controller owns one checkout attempt and drives it through its states.
// All mutations go through the controller's lock; observers are notified in
// transition order.
type Controller struct {
	id            string
	gw            gateway.Client
	opener        Opener
	poller        *Poller
	cancelTimeout time.Duration
	advisoryAfter int
	returnPattern *regexp.Regexp
	log           zerolog.Logger
	now           func() time.Time

	mu         sync.Mutex
	sess       state
	generation uint64
	version    uint64
	pending    []Snapshot
	observers  map[int]Observer
	nextObs    int
	closed     bool

	notifyMu sync.Mutex
}

type state struct {
	current     State
	cartID      string
	reference   string
	pollRef     string
	carrier     network.Carrier
	phone       string
	amount      int64
	promoID     string
	redirectURL string
	lastStatus  gateway.Status
	lastError   string
	advisory    string
	updatedAt   time.Time
}

// NewController returns an Idle controller.
func NewController(cfg Config) *Controller {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	pattern := cfg.ReturnPattern
	if pattern == nil {
		pattern = DefaultReturnPattern
	}
	cancelTimeout := cfg.CancelTimeout
	if cancelTimeout <= 0 {
		cancelTimeout = 10 * time.Second
	}
	log := cfg.Logger.With().Str("session_id", id).Logger()
	c := &Controller{
		id:            id,
		gw:            cfg.Gateway,
		opener:        cfg.Opener,
		cancelTimeout: cancelTimeout,
		advisoryAfter: cfg.AdvisoryAfter,
		returnPattern: pattern,
		log:           log,
		now:           now,
		observers:     map[int]Observer{},
	}
	c.poller = &Poller{
		Checker:      cfg.Gateway,
		Interval:     cfg.PollInterval,
		CheckTimeout: cfg.CheckTimeout,
		Logger:       log,
	}
	c.sess = state{current: StateIdle, updatedAt: now()}
	return c
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// Snapshot returns the current view of the session.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe registers fn for every subsequent snapshot and returns a function
// that removes it.
func (c *Controller) Subscribe(fn Observer) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

// Start validates the input and issues the direct charge. It is only allowed
// from Idle; validation and gateway rejection errors are returned to the
// caller and leave the session Idle.
func (c *Controller) Start(ctx context.Context, req StartRequest) (Snapshot, error) {
	c.mu.Lock()
	if c.closed || c.sess.current != StateIdle {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrInvalidTransition
	}
	phone := network.Normalise(req.Phone)
	if err := validateStart(req, phone); err != nil {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, err
	}
	if c.gw == nil {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, errors.New("session: gateway not configured")
	}
	carrier := network.Classify(phone)
	c.generation++
	gen := c.generation
	c.sess = state{
		current: StateProcessing,
		cartID:  strings.TrimSpace(req.CartID),
		carrier: carrier,
		phone:   phone,
		amount:  req.Amount,
		promoID: strings.TrimSpace(req.PromoID),
	}
	c.transitionLocked(StateIdle, StateProcessing)
	charge := gateway.ChargeRequest{
		CartID:  c.sess.cartID,
		Phone:   phone,
		Amount:  req.Amount,
		Network: carrier,
		PromoID: c.sess.promoID,
	}
	c.unlockAndNotify()

	res, err := c.gw.ChargeDirect(ctx, charge)

	c.mu.Lock()
	if c.generation != gen || c.sess.current != StateProcessing {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		if err == nil && res.Reference != "" {
			c.cancelRemote(ctx, res.Reference)
		}
		return snap, ErrSuperseded
	}
	var orphan string
	if err == nil {
		if err = checkChargeResult(res); err != nil {
			orphan = res.Reference
		}
	}
	if err != nil {
		c.log.Warn().Err(err).Str("network", carrier.String()).Msg("charge_rejected")
		lastErr := err.Error()
		c.sess = state{current: StateIdle, lastError: lastErr}
		c.transitionLocked(StateProcessing, StateIdle)
		snap := c.snapshotLocked()
		c.unlockAndNotify()
		if orphan != "" {
			c.cancelRemote(ctx, orphan)
		}
		return snap, fmt.Errorf("%w: %w", ErrGatewayRejected, err)
	}

	c.sess.reference = res.Reference
	c.sess.pollRef = res.Reference
	if res.NeedsFallback {
		c.sess.redirectURL = res.RedirectURL
		c.transitionLocked(StateProcessing, StateFallback)
	} else {
		c.transitionLocked(StateProcessing, StateWaiting)
	}
	if c.sess.pollRef != "" {
		c.startPollerLocked(gen)
	}
	snap := c.snapshotLocked()
	c.unlockAndNotify()
	c.log.Info().Str("trx_reference", res.Reference).Bool("needs_fallback", res.NeedsFallback).Msg("charge_accepted")
	return snap, nil
}

// OpenRedirect moves a Fallback session to BrowserRedirect and opens the
// hosted checkout. When the browser cannot be opened the session reverts to
// Fallback and ErrBrowserOpenFailed is returned.
func (c *Controller) OpenRedirect(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if c.sess.current != StateFallback {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrInvalidTransition
	}
	gen := c.generation
	url := c.sess.redirectURL
	c.sess.lastError = ""
	c.transitionLocked(StateFallback, StateBrowserRedirect)
	if c.sess.pollRef == "" {
		// Without a gateway reference the hosted checkout is tracked by cart.
		c.sess.pollRef = c.sess.cartID
	}
	c.startPollerLocked(gen)
	c.unlockAndNotify()

	var err error
	if c.opener != nil {
		err = c.opener.Open(ctx, url)
	}

	c.mu.Lock()
	defer c.unlockAndNotify()
	if c.generation != gen {
		return c.snapshotLocked(), ErrSuperseded
	}
	if err != nil {
		if c.sess.current == StateBrowserRedirect {
			c.sess.lastError = ErrBrowserOpenFailed.Error()
			c.transitionLocked(StateBrowserRedirect, StateFallback)
		}
		c.log.Warn().Err(err).Msg("open_redirect_failed")
		return c.snapshotLocked(), fmt.Errorf("%w: %w", ErrBrowserOpenFailed, err)
	}
	return c.snapshotLocked(), nil
}

// Cancel abandons the current attempt and returns the session to Idle. The
// poller is stopped before the best-effort gateway cancel is issued; a charge
// still in progress is discarded and cancelled when it returns. Cancelling an
// Idle session is a no-op.
func (c *Controller) Cancel(ctx context.Context) Snapshot {
	return c.reset(ctx, "cancel")
}

// Retry resets the session to Idle from any state so a new attempt can be
// started. It behaves like Cancel for sessions still in flight.
func (c *Controller) Retry(ctx context.Context) Snapshot {
	return c.reset(ctx, "retry")
}

func (c *Controller) reset(ctx context.Context, reason string) Snapshot {
	c.mu.Lock()
	if c.sess.current == StateIdle {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap
	}
	inFlight := c.sess.current.InFlight()
	ref := c.resetLocked()
	snap := c.snapshotLocked()
	c.unlockAndNotify()

	c.log.Info().Str("reason", reason).Bool("in_flight", inFlight).Msg("session_reset")
	if inFlight && ref != "" {
		c.cancelRemote(ctx, ref)
	}
	return snap
}

// NotifyResumed tells the controller the buyer came back to the app. An
// in-flight session gets one immediate status check and its poller is
// restarted if it had stopped.
func (c *Controller) NotifyResumed(ctx context.Context) Snapshot {
	c.mu.Lock()
	if !c.sess.current.InFlight() || c.sess.pollRef == "" {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap
	}
	gen := c.generation
	ref := c.sess.pollRef
	c.mu.Unlock()

	c.log.Debug().Str("trx_reference", ref).Msg("resume_status_check")
	upd := c.poller.CheckNow(ctx, ref)
	c.applyUpdate(gen, upd)

	c.mu.Lock()
	if c.generation == gen && c.sess.current.InFlight() {
		c.startPollerLocked(gen)
	}
	snap := c.snapshotLocked()
	c.unlockAndNotify()
	return snap
}

// NotifyDeepLink handles an inbound deep link. Links not matching the
// checkout return pattern are ignored and reported as unmatched.
func (c *Controller) NotifyDeepLink(ctx context.Context, rawURL string) (Snapshot, bool) {
	if !c.returnPattern.MatchString(strings.TrimSpace(rawURL)) {
		return c.Snapshot(), false
	}
	return c.NotifyResumed(ctx), true
}

// Close stops the poller and detaches observers. The controller rejects
// further starts.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.generation++
	c.poller.Stop()
	c.observers = map[int]Observer{}
}

// Polling reports whether the status poller is active.
func (c *Controller) Polling() bool { return c.poller.Running() }

func (c *Controller) startPollerLocked(gen uint64) {
	ref := c.sess.pollRef
	c.poller.Start(ref, func(upd Update) {
		c.applyUpdate(gen, upd)
	})
}

// applyUpdate folds a poll result into the session unless the session moved
// on since the poll was scheduled.
func (c *Controller) applyUpdate(gen uint64, upd Update) {
	c.mu.Lock()
	defer c.unlockAndNotify()
	if c.generation != gen || !c.sess.current.InFlight() || upd.Reference != c.sess.pollRef {
		return
	}
	if !upd.Received() {
		if c.advisoryAfter > 0 && upd.Failures >= c.advisoryAfter && c.sess.advisory == "" {
			c.sess.advisory = advisoryDelayed
			c.publishLocked()
		}
		return
	}
	changed := c.sess.lastStatus != upd.Status || c.sess.advisory != ""
	c.sess.lastStatus = upd.Status
	c.sess.advisory = ""
	if next, ok := terminalState(upd.Status); ok {
		c.poller.Stop()
		c.transitionLocked(c.sess.current, next)
		c.log.Info().Str("trx_reference", upd.Reference).Str("status", upd.Status.String()).Msg("payment_settled")
		return
	}
	if changed {
		c.publishLocked()
	}
}

// resetLocked stops polling, clears the session and returns the reference
// that was in flight.
func (c *Controller) resetLocked() string {
	c.poller.Stop()
	c.generation++
	from := c.sess.current
	ref := c.sess.reference
	c.sess = state{current: StateIdle}
	c.transitionLocked(from, StateIdle)
	return ref
}

func (c *Controller) cancelRemote(ctx context.Context, ref string) {
	if c.gw == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cancelTimeout)
	defer cancel()
	if err := c.gw.Cancel(cctx, ref); err != nil {
		c.log.Warn().Err(err).Str("trx_reference", ref).Msg("gateway_cancel_failed")
	}
}

func (c *Controller) transitionLocked(from, to State) {
	c.sess.current = to
	if obs.PaymentSessionTransitionTotal != nil {
		obs.PaymentSessionTransitionTotal.WithLabelValues(from.String(), to.String()).Inc()
	}
	c.log.Info().Str("from_state", from.String()).Str("to_state", to.String()).Msg("session_transition")
	c.publishLocked()
}

func (c *Controller) publishLocked() {
	c.version++
	c.sess.updatedAt = c.now()
	c.pending = append(c.pending, c.snapshotLocked())
}

// unlockAndNotify hands the pending snapshots to observers. notifyMu is taken
// before mu is released so deliveries keep transition order.
func (c *Controller) unlockAndNotify() {
	pending := c.pending
	c.pending = nil
	if len(pending) == 0 || len(c.observers) == 0 {
		c.mu.Unlock()
		return
	}
	observers := make([]Observer, 0, len(c.observers))
	for i := 0; i < c.nextObs; i++ {
		if fn, ok := c.observers[i]; ok {
			observers = append(observers, fn)
		}
	}
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()
	for _, snap := range pending {
		for _, fn := range observers {
			fn(snap)
		}
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		ID:          c.id,
		State:       c.sess.current,
		CartID:      c.sess.cartID,
		Reference:   c.sess.reference,
		Network:     c.sess.carrier,
		Phone:       c.sess.phone,
		Amount:      c.sess.amount,
		PromoID:     c.sess.promoID,
		RedirectURL: c.sess.redirectURL,
		LastStatus:  c.sess.lastStatus,
		LastError:   c.sess.lastError,
		Advisory:    c.sess.advisory,
		Polling:     c.poller.Running(),
		Version:     c.version,
		UpdatedAt:   c.sess.updatedAt,
	}
}

func validateStart(req StartRequest, phone string) error {
	if strings.TrimSpace(req.CartID) == "" {
		return &ValidationError{Field: "cartId", Reason: "is required"}
	}
	if len(phone) != network.NumberLength || phone[0] != '6' {
		return &ValidationError{Field: "phone", Reason: "must be a 9-digit number starting with 6"}
	}
	if !network.Validate(phone) {
		return &ValidationError{Field: "phone", Reason: "network not recognised"}
	}
	if req.Amount <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	return nil
}

func checkChargeResult(res gateway.ChargeResult) error {
	if res.NeedsFallback {
		if res.RedirectURL == "" {
			return errors.New("gateway requested hosted checkout without a redirect url")
		}
		return nil
	}
	if res.Reference == "" {
		return errors.New("gateway accepted the charge without a transaction reference")
	}
	return nil
}
