package promo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is the subset of pgxpool.Pool and pgx.Tx used by PGStore.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore reads promo codes and promo usage from Postgres.
type PGStore struct {
	DB DBTX
}

const hasConsumedPromo = `
SELECT EXISTS (
    SELECT 1 FROM payments
    WHERE user_id = $1 AND status = 'completed' AND promo_code_id IS NOT NULL
)`

// HasConsumedPromo implements Store.
func (s PGStore) HasConsumedPromo(ctx context.Context, userID string) (bool, error) {
	var used bool
	if err := s.DB.QueryRow(ctx, hasConsumedPromo, userID).Scan(&used); err != nil {
		return false, fmt.Errorf("query promo usage: %w", err)
	}
	return used, nil
}

const findActiveCode = `
SELECT id::text, code, discount_percentage, valid_until, owner_name
FROM promo_codes
WHERE upper(code) = $1 AND active
LIMIT 1`

// FindActiveCode implements Store. Matching ignores case and whitespace.
func (s PGStore) FindActiveCode(ctx context.Context, code string) (Code, error) {
	var (
		out        Code
		pct        int32
		validUntil pgtype.Timestamptz
	)
	err := s.DB.QueryRow(ctx, findActiveCode, normalise(code)).Scan(&out.ID, &out.Code, &pct, &validUntil, &out.OwnerName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Code{}, ErrNotFound
		}
		return Code{}, fmt.Errorf("query promo code: %w", err)
	}
	out.DiscountPercentage = int(pct)
	if validUntil.Valid {
		t := validUntil.Time
		out.ValidUntil = &t
	}
	return out, nil
}
