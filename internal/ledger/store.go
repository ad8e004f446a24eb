package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Status values stored in payments.status.
const (
	StatusCompleted = "completed"
	StatusCanceled  = "canceled"
	StatusFailed    = "failed"
)

// ErrInvalidPayment is returned when a payment is missing the fields needed to record it.
var ErrInvalidPayment = errors.New("ledger: invalid payment")

// Payment is one settled checkout attempt.
type Payment struct {
	ID           string
	SessionID    string
	UserID       string
	CartID       string
	TrxReference string
	Amount       int64
	Network      string
	PromoCodeID  string
	Status       string
	CreatedAt    time.Time
}

// DBTX is the subset of pgxpool.Pool and pgx.Tx used by Store.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists terminal payment outcomes.
type Store struct {
	DB  DBTX
	Now func() time.Time
}

const insertPayment = `
INSERT INTO payments (id, session_id, user_id, cart_id, trx_reference, amount, network, promo_code_id, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, '')::uuid, $9, $10)
ON CONFLICT (trx_reference) DO NOTHING`

// Record inserts p. Recording the same transaction reference twice is a no-op
// and reports false.
func (s *Store) Record(ctx context.Context, p Payment) (bool, error) {
	if strings.TrimSpace(p.TrxReference) == "" || strings.TrimSpace(p.UserID) == "" || p.Status == "" {
		return false, ErrInvalidPayment
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	tag, err := s.DB.Exec(ctx, insertPayment,
		p.ID, p.SessionID, p.UserID, p.CartID, p.TrxReference, p.Amount, p.Network, p.PromoCodeID, p.Status, p.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const hasEnrollment = `
SELECT EXISTS (SELECT 1 FROM payments WHERE user_id = $1 AND status = 'completed')`

// HasEnrollment reports whether userID already completed a payment.
func (s *Store) HasEnrollment(ctx context.Context, userID string) (bool, error) {
	var ok bool
	if err := s.DB.QueryRow(ctx, hasEnrollment, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("query enrollment: %w", err)
	}
	return ok, nil
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
