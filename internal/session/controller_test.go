package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/enrollpay/internal/gateway"
	"github.com/noah-isme/enrollpay/internal/network"
)

const testPhone = "650123456"

func newTestController(t *testing.T, gw *fakeGateway, opener Opener) *Controller {
	t.Helper()
	c := NewController(Config{
		ID:            "sess-1",
		Gateway:       gw,
		Opener:        opener,
		PollInterval:  5 * time.Millisecond,
		CheckTimeout:  time.Second,
		AdvisoryAfter: 3,
		Logger:        zerolog.Nop(),
	})
	t.Cleanup(c.Close)
	return c
}

func startRequest() StartRequest {
	return StartRequest{CartID: "cart-1", Phone: testPhone, Amount: 14_900}
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Snapshot().State == want }, time.Second, 2*time.Millisecond)
}

func TestStartValidation(t *testing.T) {
	cases := []struct {
		name  string
		req   StartRequest
		field string
	}{
		{name: "missing cart", req: StartRequest{Phone: testPhone, Amount: 100}, field: "cartId"},
		{name: "short phone", req: StartRequest{CartID: "c", Phone: "65012", Amount: 100}, field: "phone"},
		{name: "unknown network", req: StartRequest{CartID: "c", Phone: "600123456", Amount: 100}, field: "phone"},
		{name: "zero amount", req: StartRequest{CartID: "c", Phone: testPhone}, field: "amount"},
		{name: "negative amount", req: StartRequest{CartID: "c", Phone: testPhone, Amount: -5}, field: "amount"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := &fakeGateway{}
			c := newTestController(t, gw, nil)
			var rec recorder
			c.Subscribe(rec.observe)

			snap, err := c.Start(context.Background(), tc.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)
			require.Equal(t, StateIdle, snap.State)
			require.Empty(t, gw.charges)
			require.Empty(t, rec.all())
		})
	}
}

func TestStartChargeAcceptedPollsToCompletion(t *testing.T) {
	gw := &fakeGateway{
		chargeResult: gateway.ChargeResult{Reference: "trx-1"},
		statuses:     []gateway.Status{gateway.StatusWaiting, gateway.StatusComplete},
	}
	c := newTestController(t, gw, nil)
	var rec recorder
	c.Subscribe(rec.observe)

	snap, err := c.Start(context.Background(), StartRequest{CartID: "cart-1", Phone: "+237 650 12 34 56", Amount: 14_900, PromoID: "promo-1"})
	require.NoError(t, err)
	require.Equal(t, StateWaiting, snap.State)
	require.Equal(t, "trx-1", snap.Reference)
	require.Equal(t, network.MTN, snap.Network)
	require.True(t, snap.Polling)

	require.Len(t, gw.charges, 1)
	require.Equal(t, gateway.ChargeRequest{CartID: "cart-1", Phone: testPhone, Amount: 14_900, Network: network.MTN, PromoID: "promo-1"}, gw.charges[0])

	waitState(t, c, StateCompleted)
	require.Eventually(t, func() bool { return !c.Polling() }, time.Second, 2*time.Millisecond)
	require.Equal(t, []State{StateProcessing, StateWaiting, StateCompleted}, rec.states())
	require.Equal(t, gateway.StatusComplete, c.Snapshot().LastStatus)
}

func TestTerminalStatusesMapToStates(t *testing.T) {
	cases := map[gateway.Status]State{
		gateway.StatusComplete: StateCompleted,
		gateway.StatusCanceled: StateCanceled,
		gateway.StatusFailed:   StateFailed,
	}
	for status, want := range cases {
		t.Run(status.String(), func(t *testing.T) {
			gw := &fakeGateway{
				chargeResult: gateway.ChargeResult{Reference: "trx-1"},
				statuses:     []gateway.Status{gateway.StatusProcessing, status},
			}
			c := newTestController(t, gw, nil)
			_, err := c.Start(context.Background(), startRequest())
			require.NoError(t, err)
			waitState(t, c, want)
		})
	}
}

func TestStartGatewayRejected(t *testing.T) {
	gw := &fakeGateway{chargeErr: &gateway.Error{Code: "INVALID_CREDENTIALS", Message: "bad key"}}
	c := newTestController(t, gw, nil)
	var rec recorder
	c.Subscribe(rec.observe)

	snap, err := c.Start(context.Background(), startRequest())
	require.ErrorIs(t, err, ErrGatewayRejected)
	var gerr *gateway.Error
	require.ErrorAs(t, err, &gerr)
	require.Equal(t, StateIdle, snap.State)
	require.Empty(t, snap.Reference)
	require.NotEmpty(t, snap.LastError)
	require.False(t, snap.Polling)
	require.Equal(t, []State{StateProcessing, StateIdle}, rec.states())
}

func TestStartAcceptedWithoutReferenceIsRejected(t *testing.T) {
	gw := &fakeGateway{chargeResult: gateway.ChargeResult{}}
	c := newTestController(t, gw, nil)

	snap, err := c.Start(context.Background(), startRequest())
	require.ErrorIs(t, err, ErrGatewayRejected)
	require.Equal(t, StateIdle, snap.State)
}

func TestStartFallbackWithoutRedirectCancelsReference(t *testing.T) {
	gw := &fakeGateway{chargeResult: gateway.ChargeResult{Reference: "trx-7", NeedsFallback: true}}
	c := newTestController(t, gw, nil)

	snap, err := c.Start(context.Background(), startRequest())
	require.ErrorIs(t, err, ErrGatewayRejected)
	require.Equal(t, StateIdle, snap.State)
	require.Equal(t, []string{"trx-7"}, gw.cancelled())
	require.False(t, c.Polling())
}

func TestStartWhileNotIdleIsRejected(t *testing.T) {
	gw := &fakeGateway{chargeResult: gateway.ChargeResult{Reference: "trx-1"}}
	c := NewController(Config{Gateway: gw, PollInterval: time.Hour, Logger: zerolog.Nop()})
	t.Cleanup(c.Close)
	_, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)
	before := c.Snapshot()

	snap, err := c.Start(context.Background(), startRequest())
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, StateWaiting, snap.State)
	require.Len(t, gw.charges, 1)
	require.Equal(t, before.Version, c.Snapshot().Version)
}

func TestFallbackRedirectToCompletion(t *testing.T) {
	gw := &fakeGateway{chargeResult: gateway.ChargeResult{NeedsFallback: true, RedirectURL: "https://pay.example/checkout/1"}}
	gw.setStatuses(gateway.StatusWaiting, gateway.StatusComplete)
	var opened []string
	opener := OpenerFunc(func(_ context.Context, url string) error {
		opened = append(opened, url)
		return nil
	})
	c := newTestController(t, gw, opener)
	var rec recorder
	c.Subscribe(rec.observe)

	snap, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)
	require.Equal(t, StateFallback, snap.State)
	require.Equal(t, "https://pay.example/checkout/1", snap.RedirectURL)
	require.False(t, snap.Polling)

	snap, err = c.OpenRedirect(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateBrowserRedirect, snap.State)
	require.Equal(t, []string{"https://pay.example/checkout/1"}, opened)

	waitState(t, c, StateCompleted)
	require.Eventually(t, func() bool { return !c.Polling() }, time.Second, 2*time.Millisecond)
	require.Equal(t, []State{StateProcessing, StateFallback, StateBrowserRedirect, StateCompleted}, rec.states())
}

func TestFallbackWithReferencePollsImmediately(t *testing.T) {
	gw := &fakeGateway{chargeResult: gateway.ChargeResult{Reference: "trx-9", NeedsFallback: true, RedirectURL: "https://pay.example/9"}}
	gw.setStatuses(gateway.StatusComplete)
	c := newTestController(t, gw, nil)

	snap, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)
	require.Equal(t, StateFallback, snap.State)
	require.True(t, snap.Polling)
	waitState(t, c, StateCompleted)
}

func TestOpenRedirectFailureRevertsToFallback(t *testing.T) {
	gw := &fakeGateway{chargeResult: gateway.ChargeResult{NeedsFallback: true, RedirectURL: "https://pay.example/1"}}
	fail := true
	opener := OpenerFunc(func(context.Context, string) error {
		if fail {
			return errors.New("no browser")
		}
		return nil
	})
	c := newTestController(t, gw, opener)
	_, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)

	snap, err := c.OpenRedirect(context.Background())
	require.ErrorIs(t, err, ErrBrowserOpenFailed)
	require.Equal(t, StateFallback, snap.State)

	fail = false
	snap, err = c.OpenRedirect(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateBrowserRedirect, snap.State)
}

func TestOpenRedirectOutsideFallback(t *testing.T) {
	c := newTestController(t, &fakeGateway{}, nil)
	_, err := c.OpenRedirect(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelStopsPollerAndClearsSession(t *testing.T) {
	gw := &fakeGateway{chargeResult: gateway.ChargeResult{Reference: "trx-1"}, cancelErr: errors.New("gateway down")}
	c := newTestController(t, gw, nil)
	_, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)

	snap := c.Cancel(context.Background())
	require.Equal(t, StateIdle, snap.State)
	require.Empty(t, snap.Reference)
	require.Empty(t, snap.Phone)
	require.False(t, snap.Polling)
	require.Equal(t, []string{"trx-1"}, gw.cancelled())

	// A cancel on an Idle session does nothing.
	again := c.Cancel(context.Background())
	require.Equal(t, snap.Version, again.Version)
	require.Equal(t, []string{"trx-1"}, gw.cancelled())
}

func TestStaleUpdateAfterCancelIsIgnored(t *testing.T) {
	gw := &fakeGateway{chargeResult: gateway.ChargeResult{Reference: "trx-1"}}
	c := newTestController(t, gw, nil)
	_, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)
	gen := c.generation

	c.Cancel(context.Background())
	c.applyUpdate(gen, Update{Reference: "trx-1", Status: gateway.StatusComplete})

	require.Equal(t, StateIdle, c.Snapshot().State)
}

func TestRetryFromTerminalState(t *testing.T) {
	gw := &fakeGateway{
		chargeResult: gateway.ChargeResult{Reference: "trx-1"},
		statuses:     []gateway.Status{gateway.StatusFailed},
	}
	c := newTestController(t, gw, nil)
	_, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)
	waitState(t, c, StateFailed)

	snap := c.Retry(context.Background())
	require.Equal(t, StateIdle, snap.State)
	require.Empty(t, gw.cancelled())

	gw.setStatuses(gateway.StatusComplete)
	_, err = c.Start(context.Background(), startRequest())
	require.NoError(t, err)
	waitState(t, c, StateCompleted)
}

func TestRetryDuringProcessingDiscardsCharge(t *testing.T) {
	gate := make(chan struct{})
	gw := &fakeGateway{chargeResult: gateway.ChargeResult{Reference: "trx-late"}, chargeGate: gate}
	c := newTestController(t, gw, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Start(context.Background(), startRequest())
		errCh <- err
	}()
	waitState(t, c, StateProcessing)

	snap := c.Retry(context.Background())
	require.Equal(t, StateIdle, snap.State)
	close(gate)

	require.ErrorIs(t, <-errCh, ErrSuperseded)
	require.Equal(t, StateIdle, c.Snapshot().State)
	require.False(t, c.Polling())
	require.Equal(t, []string{"trx-late"}, gw.cancelled())
}

func TestAdvisoryAfterRepeatedFailures(t *testing.T) {
	gw := &fakeGateway{
		chargeResult: gateway.ChargeResult{Reference: "trx-1"},
		statusErr:    []error{gateway.ErrTransient, gateway.ErrTransient, gateway.ErrTransient, gateway.ErrTransient},
	}
	c := newTestController(t, gw, nil)
	_, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.Snapshot().Advisory != "" }, time.Second, 2*time.Millisecond)
	require.Equal(t, StateWaiting, c.Snapshot().State)

	// The script falls back to "waiting" once the errors run out.
	require.Eventually(t, func() bool { return c.Snapshot().Advisory == "" }, time.Second, 2*time.Millisecond)
	require.Equal(t, StateWaiting, c.Snapshot().State)
	require.True(t, c.Polling())
}

func TestNotifyResumedChecksImmediately(t *testing.T) {
	gw := &fakeGateway{chargeResult: gateway.ChargeResult{Reference: "trx-1"}}
	c := NewController(Config{Gateway: gw, PollInterval: time.Hour, Logger: zerolog.Nop()})
	t.Cleanup(c.Close)
	_, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)

	gw.setStatuses(gateway.StatusComplete)
	snap := c.NotifyResumed(context.Background())
	require.Equal(t, StateCompleted, snap.State)
	require.Equal(t, 1, gw.checkCount())
	require.False(t, snap.Polling)
}

func TestNotifyResumedRestartsPoller(t *testing.T) {
	gw := &fakeGateway{chargeResult: gateway.ChargeResult{Reference: "trx-1"}}
	c := NewController(Config{Gateway: gw, PollInterval: time.Hour, Logger: zerolog.Nop()})
	t.Cleanup(c.Close)
	_, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)
	c.poller.Stop()
	require.False(t, c.Polling())

	snap := c.NotifyResumed(context.Background())
	require.Equal(t, StateWaiting, snap.State)
	require.True(t, snap.Polling)
}

func TestNotifyDeepLink(t *testing.T) {
	gw := &fakeGateway{chargeResult: gateway.ChargeResult{Reference: "trx-1"}}
	c := NewController(Config{Gateway: gw, PollInterval: time.Hour, Logger: zerolog.Nop()})
	t.Cleanup(c.Close)
	_, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)

	_, matched := c.NotifyDeepLink(context.Background(), "otherapp://payment/return")
	require.False(t, matched)
	require.Zero(t, gw.checkCount())

	gw.setStatuses(gateway.StatusCanceled)
	snap, matched := c.NotifyDeepLink(context.Background(), "enrollpay://payment/return?ref=trx-1")
	require.True(t, matched)
	require.Equal(t, StateCanceled, snap.State)
}

func TestNotifyResumedIdleIsNoop(t *testing.T) {
	gw := &fakeGateway{}
	c := newTestController(t, gw, nil)

	snap := c.NotifyResumed(context.Background())
	require.Equal(t, StateIdle, snap.State)
	require.Zero(t, gw.checkCount())
}

func TestSubscribeUnsubscribe(t *testing.T) {
	gw := &fakeGateway{chargeErr: &gateway.Error{Message: "nope"}}
	c := newTestController(t, gw, nil)
	var rec recorder
	unsubscribe := c.Subscribe(rec.observe)
	unsubscribe()

	_, _ = c.Start(context.Background(), startRequest())
	require.Empty(t, rec.all())
}

func TestSnapshotVersionsIncrease(t *testing.T) {
	gw := &fakeGateway{
		chargeResult: gateway.ChargeResult{Reference: "trx-1"},
		statuses:     []gateway.Status{gateway.StatusComplete},
	}
	c := newTestController(t, gw, nil)
	var rec recorder
	c.Subscribe(rec.observe)
	_, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)
	waitState(t, c, StateCompleted)

	snaps := rec.all()
	for i := 1; i < len(snaps); i++ {
		require.Greater(t, snaps[i].Version, snaps[i-1].Version)
	}
}

func TestStartAfterCloseRejected(t *testing.T) {
	c := newTestController(t, &fakeGateway{}, nil)
	c.Close()
	_, err := c.Start(context.Background(), startRequest())
	require.ErrorIs(t, err, ErrInvalidTransition)
}
