package pool

import (
	"context"
	"strconv"
	"time"
)

// qpsBucketTTL keeps per-second buckets around a little past their second to
// absorb clock skew between replicas sharing the store.
const qpsBucketTTL = 2 * time.Second

// QuotaLimiter enforces the two consumption ceilings: a monthly count per
// credential and a per-second rate. Counters live in the shared store so the
// ceilings hold across replicas. Checks never mutate state; Record does.
type QuotaLimiter struct {
	store        Store
	monthlyLimit int
	qpsLimit     int

	now func() time.Time
}

func NewQuotaLimiter(store Store, monthlyLimit, qpsLimit int) *QuotaLimiter {
	return &QuotaLimiter{
		store:        store,
		monthlyLimit: monthlyLimit,
		qpsLimit:     qpsLimit,
		now:          time.Now,
	}
}

// MonthlyOK reports whether the credential is under its monthly ceiling.
func (l *QuotaLimiter) MonthlyOK(ctx context.Context, credentialID string) (bool, error) {
	usage, err := l.MonthlyUsage(ctx, credentialID)
	if err != nil {
		return false, err
	}
	return usage < l.monthlyLimit, nil
}

// QPSOK reports whether the current unix-second bucket is under the rate
// ceiling.
func (l *QuotaLimiter) QPSOK(ctx context.Context, credentialID string) (bool, error) {
	usage, err := l.currentQPS(ctx, credentialID)
	if err != nil {
		return false, err
	}
	return usage < l.qpsLimit, nil
}

// Record counts one consumption against both dimensions. The monthly
// counter's expiry lands on the first instant of the next UTC month; the
// per-second bucket evaporates after qpsBucketTTL. The counter increment and
// its expiry are separate writes; a crash in between leaves a counter
// without expiry, superseded once the time bucket rolls over.
func (l *QuotaLimiter) Record(ctx context.Context, credentialID string) error {
	now := l.now()

	mk := monthlyKey(credentialID, now)
	if _, err := l.store.Incr(ctx, mk); err != nil {
		return err
	}
	if err := l.store.ExpireAt(ctx, mk, nextMonthStart(now)); err != nil {
		return err
	}

	qk := qpsKey(credentialID, now)
	if _, err := l.store.Incr(ctx, qk); err != nil {
		return err
	}
	return l.store.Expire(ctx, qk, qpsBucketTTL)
}

// MonthlyUsage returns the current month's consumption count.
func (l *QuotaLimiter) MonthlyUsage(ctx context.Context, credentialID string) (int, error) {
	return l.counter(ctx, monthlyKey(credentialID, l.now()))
}

func (l *QuotaLimiter) currentQPS(ctx context.Context, credentialID string) (int, error) {
	return l.counter(ctx, qpsKey(credentialID, l.now()))
}

// CurrentQPS exposes the live per-second count for the admin surface.
func (l *QuotaLimiter) CurrentQPS(ctx context.Context, credentialID string) (int, error) {
	return l.currentQPS(ctx, credentialID)
}

func (l *QuotaLimiter) counter(ctx context.Context, key string) (int, error) {
	raw, ok, err := l.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// MonthlyLimit and QPSLimit expose the configured ceilings for reporting.
func (l *QuotaLimiter) MonthlyLimit() int { return l.monthlyLimit }
func (l *QuotaLimiter) QPSLimit() int     { return l.qpsLimit }
