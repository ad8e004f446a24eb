package promo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeDB struct {
	sql  string
	args []any
	row  fakeRow
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.sql = sql
	f.args = args
	return f.row
}

func TestPGStoreFindActiveCode(t *testing.T) {
	until := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	db := &fakeDB{row: fakeRow{scan: func(dest ...any) error {
		*dest[0].(*string) = "5d0f3c52-0000-4000-8000-000000000001"
		*dest[1].(*string) = "AMINA10"
		*dest[2].(*int32) = 10
		*dest[3].(*pgtype.Timestamptz) = pgtype.Timestamptz{Time: until, Valid: true}
		*dest[4].(*string) = "Amina"
		return nil
	}}}

	code, err := PGStore{DB: db}.FindActiveCode(context.Background(), " amina10 ")
	require.NoError(t, err)
	require.Equal(t, []any{"AMINA10"}, db.args)
	require.Equal(t, 10, code.DiscountPercentage)
	require.Equal(t, "Amina", code.OwnerName)
	require.NotNil(t, code.ValidUntil)
	require.True(t, code.ValidUntil.Equal(until))
}

func TestPGStoreFindActiveCodeNoRows(t *testing.T) {
	db := &fakeDB{row: fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}}
	_, err := PGStore{DB: db}.FindActiveCode(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPGStoreHasConsumedPromo(t *testing.T) {
	db := &fakeDB{row: fakeRow{scan: func(dest ...any) error {
		*dest[0].(*bool) = true
		return nil
	}}}
	used, err := PGStore{DB: db}.HasConsumedPromo(context.Background(), "user-1")
	require.NoError(t, err)
	require.True(t, used)
	require.Equal(t, []any{"user-1"}, db.args)

	db.row = fakeRow{scan: func(...any) error { return errors.New("boom") }}
	_, err = PGStore{DB: db}.HasConsumedPromo(context.Background(), "user-1")
	require.Error(t, err)
}
