package redisledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/renderflow/internal/domain"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb)
}

func TestDeductAndBalance(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.SetBalance(ctx, "owner-1", 100))

	bal, err := l.Deduct(ctx, "owner-1", 1, "job-1:deduct")
	require.NoError(t, err)
	assert.Equal(t, int64(99), bal)

	bal, err = l.Balance(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(99), bal)
}

func TestDeductInsufficient(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.SetBalance(ctx, "owner-1", 2))

	_, err := l.Deduct(ctx, "owner-1", 5, "job-1:deduct")
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)

	// balance untouched on a rejected deduct
	bal, err := l.Balance(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal)
}

func TestDeductFromZeroBalance(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Deduct(context.Background(), "unknown-owner", 1, "ref-1")
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
}

func TestDeductIdempotentByRef(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.SetBalance(ctx, "owner-1", 10))

	_, err := l.Deduct(ctx, "owner-1", 3, "job-1:deduct")
	require.NoError(t, err)
	bal, err := l.Deduct(ctx, "owner-1", 3, "job-1:deduct")
	require.NoError(t, err)
	assert.Equal(t, int64(7), bal)
}

func TestRefundIdempotentByRef(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.SetBalance(ctx, "owner-1", 10))

	bal, err := l.Refund(ctx, "owner-1", 5, "job-1:cancel")
	require.NoError(t, err)
	assert.Equal(t, int64(15), bal)

	// a duplicate refund with the same ref does not credit twice
	bal, err = l.Refund(ctx, "owner-1", 5, "job-1:cancel")
	require.NoError(t, err)
	assert.Equal(t, int64(15), bal)
}

func TestCreditConservationOnDeductRefundCycle(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.SetBalance(ctx, "owner-1", 100))

	_, err := l.Deduct(ctx, "owner-1", 7, "job-9:deduct")
	require.NoError(t, err)
	_, err = l.Refund(ctx, "owner-1", 7, "job-9:fail")
	require.NoError(t, err)

	bal, err := l.Balance(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

func TestDailyCount(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	n, err := l.DailyCount(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for i := 1; i <= 3; i++ {
		n, err = l.IncrDailyCount(ctx, "owner-1")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	n, err = l.DailyCount(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// counters are per owner
	n, err = l.DailyCount(ctx, "owner-2")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReleaseDailyIdempotentAndFloored(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	day := time.Now()

	for i := 0; i < 2; i++ {
		_, err := l.IncrDailyCount(ctx, "owner-1")
		require.NoError(t, err)
	}

	require.NoError(t, l.ReleaseDaily(ctx, "owner-1", day, "job-1:daily"))
	n, err := l.DailyCount(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// a duplicate release with the same ref frees nothing further
	require.NoError(t, l.ReleaseDaily(ctx, "owner-1", day, "job-1:daily"))
	n, err = l.DailyCount(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the counter never goes negative
	require.NoError(t, l.ReleaseDaily(ctx, "owner-1", day, "job-2:daily"))
	require.NoError(t, l.ReleaseDaily(ctx, "owner-1", day, "job-3:daily"))
	n, err = l.DailyCount(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNegativeAmountsRejected(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Deduct(ctx, "o", -1, "r")
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = l.Refund(ctx, "o", -1, "r")
	require.ErrorIs(t, err, domain.ErrValidation)
}
