package rate

import (
	"context"
	"sync"
	"time"

	"postflow/internal/domain"
)

// Ledger is the durable side of rate accounting: one monotonically growing
// counter per (period, bucket) pair. Satisfied by store.Repository.
type Ledger interface {
	GetUsed(ctx context.Context, period domain.Period, bucket string) (int, error)
	IncrementUsed(ctx context.Context, period domain.Period, bucket string, by int) error
}

type Limits struct {
	Day    int
	Hour   int
	Minute int
}

func DefaultLimits() Limits { return Limits{Day: 150, Hour: 25, Minute: 3} }

func (l Limits) For(p domain.Period) int {
	switch p {
	case domain.PeriodDay:
		return l.Day
	case domain.PeriodHour:
		return l.Hour
	default:
		return l.Minute
	}
}

// Denial names the most restrictive exhausted period and how long until its
// bucket rolls over.
type Denial struct {
	Period     domain.Period
	RetryAfter time.Duration
}

// window is the in-memory view of one period's current bucket. used mirrors
// the durable counter; reserved counts in-flight attempts that passed the
// check but have not committed yet.
type window struct {
	bucket   string
	used     int
	reserved int
}

// Budget enforces the three-tier limit check. The in-memory state is a cache
// over the ledger: used is reloaded whenever the bucket key changes, so the
// view is always reconstructible from durable truth.
type Budget struct {
	mu      sync.Mutex
	ledger  Ledger
	limits  Limits
	loc     *time.Location
	windows map[domain.Period]*window
}

func NewBudget(ledger Ledger, limits Limits, loc *time.Location) *Budget {
	ws := make(map[domain.Period]*window, len(domain.Periods))
	for _, p := range domain.Periods {
		ws[p] = &window{}
	}
	return &Budget{ledger: ledger, limits: limits, loc: loc, windows: ws}
}

// Reconcile loads the current buckets' used counts from the ledger. Called at
// startup so restarts resume with the same remaining budget.
func (b *Budget) Reconcile(ctx context.Context, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshLocked(ctx, now)
}

// CheckAndReserve checks day, then hour, then minute, short-circuiting on the
// first exhausted period. On success one unit is reserved in every period;
// the durable counters are untouched until Commit.
func (b *Budget) CheckAndReserve(ctx context.Context, now time.Time) (*Denial, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.refreshLocked(ctx, now); err != nil {
		return nil, err
	}
	for _, p := range domain.Periods {
		w := b.windows[p]
		if w.used+w.reserved >= b.limits.For(p) {
			return &Denial{Period: p, RetryAfter: BucketEnd(p, now, b.loc).Sub(now)}, nil
		}
	}
	for _, p := range domain.Periods {
		b.windows[p].reserved++
	}
	return nil, nil
}

// Release drops an uncommitted reservation after a dispatch that did not
// succeed, so a failed attempt does not permanently consume budget.
func (b *Budget) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range domain.Periods {
		if w := b.windows[p]; w.reserved > 0 {
			w.reserved--
		}
	}
}

// Commit converts one reservation into durable usage for the buckets derived
// from now. Called only after a dispatch actually succeeded. The reservation
// is dropped in every period even when a ledger write fails, so an I/O error
// never leaves the in-memory view tighter than durable truth.
func (b *Budget) Commit(ctx context.Context, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, p := range domain.Periods {
		w := b.windows[p]
		if w.reserved > 0 {
			w.reserved--
		}
		if firstErr != nil {
			continue
		}
		key := BucketKey(p, now, b.loc)
		if err := b.ledger.IncrementUsed(ctx, p, key, 1); err != nil {
			firstErr = err
			continue
		}
		if w.bucket == key {
			w.used++
		}
	}
	return firstErr
}

// Snapshot reports used/limit/remaining and time to rollover per period.
func (b *Budget) Snapshot(ctx context.Context, now time.Time) (domain.RateSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.refreshLocked(ctx, now); err != nil {
		return nil, err
	}
	snap := make(domain.RateSnapshot, len(domain.Periods))
	for _, p := range domain.Periods {
		w := b.windows[p]
		limit := b.limits.For(p)
		remaining := limit - w.used - w.reserved
		if remaining < 0 {
			remaining = 0
		}
		snap[p] = domain.PeriodUsage{
			Used:      w.used,
			Limit:     limit,
			Remaining: remaining,
			ResetIn:   BucketEnd(p, now, b.loc).Sub(now),
		}
	}
	return snap, nil
}

// refreshLocked reloads any window whose bucket key rolled over. A missing
// ledger row means zero used: each bucket is a fresh allowance.
func (b *Budget) refreshLocked(ctx context.Context, now time.Time) error {
	for _, p := range domain.Periods {
		key := BucketKey(p, now, b.loc)
		w := b.windows[p]
		if w.bucket == key {
			continue
		}
		used, err := b.ledger.GetUsed(ctx, p, key)
		if err != nil {
			return err
		}
		w.bucket = key
		w.used = used
		w.reserved = 0
	}
	return nil
}
