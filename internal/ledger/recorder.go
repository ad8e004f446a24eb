package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/enrollpay/internal/resilience"
	"github.com/noah-isme/enrollpay/internal/session"
)

const (
	defaultAttemptTimeout = 5 * time.Second
	defaultRetryBackoff   = 500 * time.Millisecond
	defaultMaxElapsed     = 2 * time.Minute
	maxRetryBackoff       = 30 * time.Second
)

// Recorder is the subset of Store used by Writer.
type Recorder interface {
	Record(ctx context.Context, p Payment) (bool, error)
}

// Writer records terminal session outcomes. The first write runs inline; when
// it fails the payment is retried in the background with exponential backoff
// until MaxElapsed. Records are keyed on the transaction reference, so a
// retried write never duplicates a row.
type Writer struct {
	Recorder Recorder
	// Timeout bounds each attempt.
	Timeout     time.Duration
	BaseBackoff time.Duration
	MaxElapsed  time.Duration
	Logger      zerolog.Logger

	wg sync.WaitGroup
}

// Observer returns a session.Observer recording the terminal snapshots of a
// session owned by userID.
func (w *Writer) Observer(userID string) session.Observer {
	return func(snap session.Snapshot) {
		status, ok := terminalStatus(snap.State)
		if !ok {
			return
		}
		ref := snap.Reference
		if ref == "" {
			ref = snap.CartID
		}
		w.Write(Payment{
			ID:           uuid.NewString(),
			SessionID:    snap.ID,
			UserID:       userID,
			CartID:       snap.CartID,
			TrxReference: ref,
			Amount:       snap.Amount,
			Network:      snap.Network.String(),
			PromoCodeID:  snap.PromoID,
			Status:       status,
			CreatedAt:    snap.UpdatedAt,
		})
	}
}

// Write records p, scheduling background retries when the first attempt
// fails. It reports whether p was stored by the inline attempt.
func (w *Writer) Write(p Payment) bool {
	if w.Recorder == nil {
		return false
	}
	err := w.attempt(context.Background(), p)
	if err == nil {
		return true
	}
	log := w.paymentLogger(p)
	if errors.Is(err, ErrInvalidPayment) {
		log.Error().Err(err).Msg("ledger_record_rejected")
		return false
	}
	log.Warn().Err(err).Msg("ledger_record_failed")
	w.wg.Add(1)
	go w.retry(p)
	return false
}

// Wait blocks until pending retries finish or ctx is done.
func (w *Writer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) retry(p Payment) {
	defer w.wg.Done()
	log := w.paymentLogger(p)
	ctx, cancel := context.WithTimeout(context.Background(), w.maxElapsed())
	defer cancel()

	for attempt := 1; ; attempt++ {
		wait := resilience.Backoff(w.baseBackoff(), attempt, 0.2)
		if wait > maxRetryBackoff {
			wait = maxRetryBackoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Error().Int("attempts", attempt).Int64("amount", p.Amount).Str("user_id", p.UserID).
				Str("promo_code_id", p.PromoCodeID).Msg("ledger_record_abandoned")
			return
		case <-timer.C:
		}
		err := w.attempt(ctx, p)
		if err == nil {
			log.Info().Int("retries", attempt).Msg("ledger_record_recovered")
			return
		}
		if errors.Is(err, ErrInvalidPayment) {
			log.Error().Err(err).Msg("ledger_record_rejected")
			return
		}
		log.Warn().Err(err).Int("retries", attempt).Msg("ledger_record_failed")
	}
}

func (w *Writer) attempt(ctx context.Context, p Payment) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout())
	defer cancel()
	created, err := w.Recorder.Record(ctx, p)
	if err != nil {
		return err
	}
	if created {
		log := w.paymentLogger(p)
		log.Info().Str("status", p.Status).Msg("ledger_recorded")
	}
	return nil
}

func (w *Writer) paymentLogger(p Payment) zerolog.Logger {
	return w.Logger.With().Str("session_id", p.SessionID).Str("trx_reference", p.TrxReference).Logger()
}

func (w *Writer) timeout() time.Duration {
	if w.Timeout <= 0 {
		return defaultAttemptTimeout
	}
	return w.Timeout
}

func (w *Writer) baseBackoff() time.Duration {
	if w.BaseBackoff <= 0 {
		return defaultRetryBackoff
	}
	return w.BaseBackoff
}

func (w *Writer) maxElapsed() time.Duration {
	if w.MaxElapsed <= 0 {
		return defaultMaxElapsed
	}
	return w.MaxElapsed
}

func terminalStatus(s session.State) (string, bool) {
	switch s {
	case session.StateCompleted:
		return StatusCompleted, true
	case session.StateCanceled:
		return StatusCanceled, true
	case session.StateFailed:
		return StatusFailed, true
	default:
		return "", false
	}
}
