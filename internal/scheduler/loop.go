package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"postflow/internal/clock"
	"postflow/internal/dispatch"
	"postflow/internal/domain"
	"postflow/internal/rate"
)

// ItemStore is the slice of the repository the loop needs.
type ItemStore interface {
	ListByStatus(ctx context.Context, status domain.Status) ([]domain.Post, error)
	Update(ctx context.Context, p domain.Post) error
}

type Config struct {
	MaxAttempts     int
	RateLimitBase   time.Duration
	ServerErrorBase time.Duration
	BackoffCap      time.Duration
	// DenialFallback defers a budget-denied item when the denial carries no
	// usable rollover hint.
	DenialFallback time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		RateLimitBase:   time.Second,
		ServerErrorBase: 5 * time.Second,
		BackoffCap:      5 * time.Minute,
		DenialFallback:  time.Minute,
	}
}

type TickStats struct {
	Selected   int `json:"selected"`
	Posted     int `json:"posted"`
	Deferred   int `json:"deferred"`
	Failed     int `json:"failed"`
	Duplicates int `json:"duplicates"`
}

// Loop drives every due post through budget check, dedupe guard and dispatch,
// one item at a time. Sequential processing is what keeps the budget's
// check-then-reserve atomic across items.
type Loop struct {
	store  ItemStore
	budget *rate.Budget
	client dispatch.Client
	guard  *DedupeGuard
	clk    clock.Clock
	cfg    Config
	loc    *time.Location

	cron   *cron.Cron
	tickMu sync.Mutex
}

func New(store ItemStore, budget *rate.Budget, client dispatch.Client, clk clock.Clock, cfg Config, loc *time.Location) *Loop {
	return &Loop{
		store:  store,
		budget: budget,
		client: client,
		guard:  NewDedupeGuard(),
		clk:    clk,
		cfg:    cfg,
		loc:    loc,
	}
}

// Start reconciles the budget, drains any backlog accumulated while the
// process was down, then ticks at every minute boundary.
func (l *Loop) Start(ctx context.Context) error {
	if err := l.budget.Reconcile(ctx, l.clk.Now()); err != nil {
		return fmt.Errorf("reconcile rate budget: %w", err)
	}
	l.RunTick(ctx)

	c := cron.New(cron.WithLocation(l.loc))
	if _, err := c.AddFunc("* * * * *", func() { l.RunTick(ctx) }); err != nil {
		return err
	}
	l.cron = c
	c.Start()
	log.Info().Str("tz", l.loc.String()).Msg("scheduler started")
	return nil
}

// Stop halts the minute trigger and waits for any in-flight tick to finish
// persisting.
func (l *Loop) Stop() {
	if l.cron != nil {
		<-l.cron.Stop().Done()
	}
	l.tickMu.Lock()
	l.tickMu.Unlock()
	log.Info().Msg("scheduler stopped")
}

// RunTick executes one tick now. Manual triggers and the minute cron share
// the same mutex, so ticks never overlap.
func (l *Loop) RunTick(ctx context.Context) TickStats {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()
	return l.tick(ctx, l.clk.Now())
}

func (l *Loop) tick(ctx context.Context, now time.Time) TickStats {
	var stats TickStats

	pending, err := l.store.ListByStatus(ctx, domain.StatusPending)
	if err != nil {
		// Store-wide failure: abort the whole tick, next one retries.
		log.Error().Err(err).Msg("tick aborted: list pending posts")
		return stats
	}

	var due []domain.Post
	for _, p := range pending {
		if p.DueAt.After(now) {
			continue
		}
		if p.NextRetryAt != nil && p.NextRetryAt.After(now) {
			continue
		}
		due = append(due, p)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].DueAt.Before(due[j].DueAt)
		}
		return due[i].ID < due[j].ID
	})
	stats.Selected = len(due)

	for i := range due {
		l.process(ctx, &due[i], now, &stats)
	}

	if stats.Selected > 0 {
		log.Info().
			Int("selected", stats.Selected).
			Int("posted", stats.Posted).
			Int("deferred", stats.Deferred).
			Int("failed", stats.Failed).
			Int("duplicates", stats.Duplicates).
			Msg("tick complete")
	}
	return stats
}

func (l *Loop) process(ctx context.Context, p *domain.Post, now time.Time, stats *TickStats) {
	fp := Fingerprint(p.Content)
	if l.guard.Seen(fp) {
		// Identical content already went out this run: resolve silently,
		// no external id.
		log.Warn().Str("post_id", p.ID).Msg("duplicate content, skipping dispatch")
		p.Status = domain.StatusPosted
		p.NextRetryAt = nil
		p.LastError = nil
		t := now
		p.PostedAt = &t
		stats.Duplicates++
		l.persist(ctx, p)
		return
	}

	denial, err := l.budget.CheckAndReserve(ctx, now)
	if err != nil {
		// Ledger read failed; leave the item untouched for the next tick.
		log.Error().Err(err).Str("post_id", p.ID).Msg("rate budget check failed")
		return
	}
	if denial != nil {
		delay := denial.RetryAfter
		if delay <= 0 {
			delay = l.cfg.DenialFallback
		}
		t := now.Add(delay)
		p.NextRetryAt = &t
		stats.Deferred++
		log.Debug().
			Str("post_id", p.ID).
			Str("period", string(denial.Period)).
			Dur("retry_in", delay).
			Msg("rate budget exhausted, deferring")
		l.persist(ctx, p)
		return
	}

	res := l.client.Publish(ctx, p.Content)
	p.Attempts++

	switch res.Kind {
	case dispatch.Posted:
		if err := l.budget.Commit(ctx, now); err != nil {
			log.Error().Err(err).Str("post_id", p.ID).Msg("rate budget commit failed")
		}
		l.guard.MarkSeen(fp)
		p.Status = domain.StatusPosted
		p.NextRetryAt = nil
		p.LastError = nil
		if res.ExternalID != "" {
			s := res.ExternalID
			p.ExternalID = &s
		}
		t := now
		p.PostedAt = &t
		stats.Posted++
		log.Info().Str("post_id", p.ID).Str("external_id", res.ExternalID).Int("attempts", p.Attempts).Msg("posted")

	case dispatch.RateLimited, dispatch.RetryableError:
		l.budget.Release()
		msg := res.Message
		p.LastError = &msg
		if p.Attempts >= l.cfg.MaxAttempts {
			p.Status = domain.StatusFailed
			p.NextRetryAt = nil
			stats.Failed++
			log.Error().Str("post_id", p.ID).Int("attempts", p.Attempts).Str("error", msg).Msg("retries exhausted")
			break
		}
		base := l.cfg.ServerErrorBase
		if res.Kind == dispatch.RateLimited {
			base = l.cfg.RateLimitBase
		}
		delay := Backoff(base, l.cfg.BackoffCap, p.Attempts)
		// Never retry sooner than the remote asked.
		if res.Kind == dispatch.RateLimited && res.RetryAfter > delay {
			delay = res.RetryAfter
		}
		t := now.Add(delay)
		p.NextRetryAt = &t
		stats.Deferred++
		log.Warn().Str("post_id", p.ID).Int("attempts", p.Attempts).Dur("retry_in", delay).Str("error", msg).Msg("dispatch failed, backing off")

	case dispatch.Fatal:
		l.budget.Release()
		msg := res.Message
		p.Status = domain.StatusFailed
		p.NextRetryAt = nil
		p.LastError = &msg
		stats.Failed++
		log.Error().Str("post_id", p.ID).Str("error", msg).Msg("dispatch rejected, not retryable")
	}

	l.persist(ctx, p)
}

func (l *Loop) persist(ctx context.Context, p *domain.Post) {
	if err := l.store.Update(ctx, *p); err != nil {
		// Item-scoped: other due posts still get processed this tick.
		log.Error().Err(err).Str("post_id", p.ID).Msg("persist post state")
	}
}

// Backoff returns min(base * 2^(attempt-1), max) for attempt >= 1.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	if shift > 20 {
		return max
	}
	d := base << shift
	if d <= 0 || d > max {
		return max
	}
	return d
}
