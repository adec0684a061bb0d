// Package redisledger implements the credit ledger on Redis.
//
// Deduct is a single-script compare-and-decrement; refunds are idempotent by
// ref via a marker key. Daily render counters are date-keyed per owner.
package redisledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/renderflow/internal/domain"
)

// refTTL bounds how long a deduct/refund ref marker is kept. Seven days
// matches the failed-job retention window.
const refTTL = 7 * 24 * time.Hour

const deductScript = `
local bal = tonumber(redis.call("GET", KEYS[1]) or "0")
if redis.call("EXISTS", KEYS[2]) == 1 then
  return { 1, bal }
end
local amount = tonumber(ARGV[1])
if bal < amount then
  return { 0, bal }
end
bal = bal - amount
redis.call("SET", KEYS[1], bal)
redis.call("SET", KEYS[2], "deduct", "EX", tonumber(ARGV[2]))
return { 1, bal }
`

const refundScript = `
local bal = tonumber(redis.call("GET", KEYS[1]) or "0")
if redis.call("EXISTS", KEYS[2]) == 1 then
  return bal
end
bal = bal + tonumber(ARGV[1])
redis.call("SET", KEYS[1], bal)
redis.call("SET", KEYS[2], "refund", "EX", tonumber(ARGV[2]))
return bal
`

const releaseDailyScript = `
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if n > 0 then
  redis.call("DECR", KEYS[1])
end
redis.call("SET", KEYS[2], "released", "EX", tonumber(ARGV[1]))
return 1
`

// Ledger implements domain.CreditLedger.
type Ledger struct {
	rdb          *redis.Client
	deduct       *redis.Script
	refund       *redis.Script
	releaseDaily *redis.Script
}

// New constructs a Ledger over an existing Redis client.
func New(rdb *redis.Client) *Ledger {
	return &Ledger{
		rdb:          rdb,
		deduct:       redis.NewScript(deductScript),
		refund:       redis.NewScript(refundScript),
		releaseDaily: redis.NewScript(releaseDailyScript),
	}
}

func balanceKey(owner string) string { return "credits:balance:" + owner }
func refKey(ref string) string       { return "credits:ref:" + ref }

func dailyKey(owner string, now time.Time) string {
	return "credits:daily:" + owner + ":" + now.UTC().Format("20060102")
}

// Deduct decrements the owner's balance conditional on balance >= amount.
// A repeated call with the same ref is a no-op returning the current balance.
func (l *Ledger) Deduct(ctx context.Context, ownerID string, amount int64, ref string) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("op=ledger.deduct: %w: negative amount", domain.ErrValidation)
	}
	res, err := l.deduct.Run(ctx, l.rdb,
		[]string{balanceKey(ownerID), refKey(ref)},
		amount, int(refTTL.Seconds()),
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("op=ledger.deduct: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("op=ledger.deduct: unexpected script result %v", res)
	}
	if res[0] != 1 {
		return res[1], fmt.Errorf("op=ledger.deduct owner=%s: %w", ownerID, domain.ErrInsufficientCredits)
	}
	return res[1], nil
}

// Refund credits the owner's balance; idempotent by ref.
func (l *Ledger) Refund(ctx context.Context, ownerID string, amount int64, ref string) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("op=ledger.refund: %w: negative amount", domain.ErrValidation)
	}
	bal, err := l.refund.Run(ctx, l.rdb,
		[]string{balanceKey(ownerID), refKey(ref)},
		amount, int(refTTL.Seconds()),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("op=ledger.refund: %w", err)
	}
	return bal, nil
}

// Balance returns the owner's current balance.
func (l *Ledger) Balance(ctx context.Context, ownerID string) (int64, error) {
	bal, err := l.rdb.Get(ctx, balanceKey(ownerID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("op=ledger.balance: %w", err)
	}
	return bal, nil
}

// SetBalance overwrites the owner's balance. Used by seeding and tests.
func (l *Ledger) SetBalance(ctx context.Context, ownerID string, amount int64) error {
	if err := l.rdb.Set(ctx, balanceKey(ownerID), amount, 0).Err(); err != nil {
		return fmt.Errorf("op=ledger.set_balance: %w", err)
	}
	return nil
}

// DailyCount returns renders submitted by the owner in the current UTC day.
func (l *Ledger) DailyCount(ctx context.Context, ownerID string) (int, error) {
	n, err := l.rdb.Get(ctx, dailyKey(ownerID, time.Now())).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("op=ledger.daily_count: %w", err)
	}
	return n, nil
}

// ReleaseDaily returns a daily quota slot consumed at admission. Cancelled
// and failed jobs stop counting against the day they were submitted on; day
// selects that day's counter. Idempotent by ref, and the counter never goes
// below zero.
func (l *Ledger) ReleaseDaily(ctx context.Context, ownerID string, day time.Time, ref string) error {
	if _, err := l.releaseDaily.Run(ctx, l.rdb,
		[]string{dailyKey(ownerID, day), refKey(ref)},
		int(refTTL.Seconds()),
	).Result(); err != nil {
		return fmt.Errorf("op=ledger.release_daily: %w", err)
	}
	return nil
}

// IncrDailyCount bumps the owner's daily render counter and returns it.
func (l *Ledger) IncrDailyCount(ctx context.Context, ownerID string) (int, error) {
	key := dailyKey(ownerID, time.Now())
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// the date is in the key, so the TTL only has to outlive the day
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("op=ledger.incr_daily: %w", err)
	}
	return int(incr.Val()), nil
}
