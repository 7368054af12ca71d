// Package quota implements the monthly quota ledger (spec component C2):
// an atomic read-modify-write against a shared, durable singleton counter,
// enforcing the provider's hard monthly call ceiling across all gateway
// replicas.
package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/skygateio/skygate/internal/gwerrors"
	"github.com/skygateio/skygate/internal/telemetry"
)

// Outcome is the result of a reservation attempt.
type Outcome int

const (
	// OK means the reservation was admitted and the ledger was incremented.
	OK Outcome = iota
	// QuotaExceeded means the monthly ceiling has been reached.
	QuotaExceeded
)

// quotaStore is the subset of internal/store's Store this package needs,
// kept narrow so tests can fake it without pulling in Postgres.
type quotaStore interface {
	QuotaLoad(ctx context.Context) (monthTag string, count int, ok bool, err error)
	QuotaReserve(ctx context.Context, currentMonth string, maxCalls int) (admitted bool, usedAfter int, err error)
}

// Ledger reserves against the monthly quota ceiling.
type Ledger struct {
	store   quotaStore
	ceiling int
	logger  *slog.Logger
}

// New creates a Ledger with the given monthly ceiling.
func New(store quotaStore, ceiling int, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, ceiling: ceiling, logger: logger}
}

// Snapshot is a point-in-time view of the ledger, exported for /health,
// /stats, /usage, and the rate_limit_used/rate_limit_remaining gauges.
type Snapshot struct {
	Month     string
	Used      int
	Ceiling   int
	Remaining int
}

// currentMonth returns the spec's "UTC(now).YYYY-MM" month tag.
func currentMonth() string {
	return time.Now().UTC().Format("2006-01")
}

// Reserve performs the spec §4.2 algorithm. The month-rollover reset, the
// ceiling check, and the increment are all executed by the store as one
// atomic statement (see internal/store.Store.QuotaReserve), so the
// "at most ceiling admissions per month across all replicas" invariant
// holds without any process-local lock.
func (l *Ledger) Reserve(ctx context.Context) (Outcome, error) {
	admitted, used, err := l.store.QuotaReserve(ctx, currentMonth(), l.ceiling)
	if err != nil {
		return OK, err
	}
	if !admitted {
		l.logger.Warn("quota exceeded", "ceiling", l.ceiling)
		return QuotaExceeded, gwerrors.ErrQuotaExceeded
	}

	l.logger.Debug("quota reserved", "month", currentMonth(), "used", used, "ceiling", l.ceiling)
	telemetry.RateLimitUsed.Set(float64(used))
	telemetry.RateLimitRemaining.Set(float64(l.ceiling - used))
	return OK, nil
}

// Snapshot returns the current ledger state for reporting, without
// mutating it. A missing document (no reservation has ever happened)
// reports a zeroed, current-month snapshot.
func (l *Ledger) Snapshot(ctx context.Context) (Snapshot, error) {
	monthTag, count, ok, err := l.store.QuotaLoad(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if !ok || monthTag != currentMonth() {
		monthTag = currentMonth()
		count = 0
	}

	snap := Snapshot{
		Month:     monthTag,
		Used:      count,
		Ceiling:   l.ceiling,
		Remaining: l.ceiling - count,
	}
	telemetry.RateLimitUsed.Set(float64(snap.Used))
	telemetry.RateLimitRemaining.Set(float64(snap.Remaining))
	return snap, nil
}
