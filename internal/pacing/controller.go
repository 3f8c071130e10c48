// Package pacing implements the adaptive crawl delay controller. It keeps a
// rolling log of fetch outcomes, derives daily and hourly aggregates from it,
// and adjusts a single delay multiplier so the monitor slows down when the
// source pushes back and cautiously speeds up when everything is healthy.
package pacing

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/baraktamir/yadwatch/internal/domain"
)

// Config holds the controller tunables. Zero values are replaced by the
// documented defaults in New.
type Config struct {
	PageDelayMin  time.Duration
	PageDelayMax  time.Duration
	CycleDelayMin time.Duration
	CycleDelayMax time.Duration
	// RiskyHourThreshold is the problem share above which an hour bucket
	// qualifies as risky, given at least RiskyHourMinSamples observations.
	RiskyHourThreshold  float64
	RiskyHourMinSamples int
	// MinRecentEvents is the minimum trailing-24h sample size before
	// re-analysis will touch the strategy.
	MinRecentEvents int
}

// riskyHourFactor is the extra slowdown applied at query time during hours
// with historically elevated block/rate-limit incidence.
const riskyHourFactor = 1.5

// Controller owns the outcome event log, its aggregates, and the current
// pacing strategy. It is written only by the monitor loop; it is not safe for
// concurrent writers.
type Controller struct {
	cfg    Config
	store  domain.HistoryStore
	logger *slog.Logger

	events   []domain.OutcomeEvent
	daily    map[string]*domain.KindCounts // keyed by "2006-01-02"
	hourly   map[int]*domain.KindCounts    // keyed by hour-of-day
	strategy domain.Strategy

	rng *rand.Rand
	now func() time.Time
}

// New creates a Controller with an empty history and the neutral strategy.
// Call Load to hydrate it from the history store.
func New(cfg Config, store domain.HistoryStore, logger *slog.Logger) *Controller {
	if cfg.PageDelayMin <= 0 {
		cfg.PageDelayMin = 5 * time.Second
	}
	if cfg.PageDelayMax <= 0 {
		cfg.PageDelayMax = 15 * time.Second
	}
	if cfg.CycleDelayMin <= 0 {
		cfg.CycleDelayMin = 60 * time.Minute
	}
	if cfg.CycleDelayMax <= 0 {
		cfg.CycleDelayMax = 90 * time.Minute
	}
	if cfg.RiskyHourThreshold <= 0 {
		cfg.RiskyHourThreshold = 0.20
	}
	if cfg.RiskyHourMinSamples <= 0 {
		cfg.RiskyHourMinSamples = 3
	}
	if cfg.MinRecentEvents <= 0 {
		cfg.MinRecentEvents = 5
	}

	return &Controller{
		cfg:      cfg,
		store:    store,
		logger:   logger.With(slog.String("component", "pacing")),
		daily:    map[string]*domain.KindCounts{},
		hourly:   map[int]*domain.KindCounts{},
		strategy: domain.DefaultStrategy(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// Load hydrates the event log from the history store and rebuilds the
// aggregates and strategy. Absent or corrupt history is not fatal: the
// controller starts fresh with the neutral strategy and logs the problem.
func (c *Controller) Load(ctx context.Context) {
	events, err := c.store.LoadEvents(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "outcome history unavailable, starting fresh",
			slog.String("error", err.Error()),
		)
		return
	}

	c.events = events
	for _, e := range events {
		c.aggregate(e)
	}
	c.Reanalyze()

	c.logger.InfoContext(ctx, "outcome history loaded",
		slog.Int("events", len(events)),
		slog.Float64("multiplier", c.strategy.DelayMultiplier),
	)
}

// RecordOutcome appends an event to the log and updates the aggregates.
// Rate-limit and block outcomes trigger an immediate synchronous re-analysis;
// every other kind leaves the strategy as-is until the next scheduled pass.
func (c *Controller) RecordOutcome(kind domain.OutcomeKind, detail map[string]string) {
	e := domain.NewOutcomeEvent(c.now(), kind, detail)
	c.events = append(c.events, e)
	c.aggregate(e)

	if e.IsProblem() {
		c.Reanalyze()
	}
}

// aggregate folds one event into the daily and hourly count buckets.
func (c *Controller) aggregate(e domain.OutcomeEvent) {
	day := e.Timestamp.Format("2006-01-02")
	dc, ok := c.daily[day]
	if !ok {
		dc = &domain.KindCounts{}
		c.daily[day] = dc
	}
	dc.Observe(e.Kind)

	hc, ok := c.hourly[e.Hour]
	if !ok {
		hc = &domain.KindCounts{}
		c.hourly[e.Hour] = hc
	}
	hc.Observe(e.Kind)
}

// Reanalyze recomputes the strategy from the trailing 24 hours of events.
// With fewer than MinRecentEvents recent observations the current strategy is
// left untouched. The multiplier adjustment ladder is applied first match
// wins:
//
//	problemRate > 0.30           -> x1.5, capped at 5.0
//	problemRate > 0.10           -> x1.2, capped at 3.0
//	problemRate < 0.05 && >90% ok -> x0.9, floored at 0.5
//	otherwise                     -> unchanged
func (c *Controller) Reanalyze() {
	recent := c.recentCounts()
	total := recent.Total()
	if total < c.cfg.MinRecentEvents {
		c.logger.Debug("insufficient recent events for re-analysis",
			slog.Int("recent", total),
			slog.Int("required", c.cfg.MinRecentEvents),
		)
		return
	}

	successRate := float64(recent.Success) / float64(total)
	problemRate := float64(recent.Problems()) / float64(total)

	mult := c.strategy.DelayMultiplier
	reason := "maintaining strategy"

	switch {
	case problemRate > 0.30:
		mult = clamp(mult*1.5, domain.MinDelayMultiplier, domain.MaxDelayMultiplier)
		reason = "high problem rate"
	case problemRate > 0.10:
		mult = clamp(mult*1.2, domain.MinDelayMultiplier, 3.0)
		reason = "moderate problem rate"
	case problemRate < 0.05 && successRate > 0.90:
		mult = clamp(mult*0.9, domain.MinDelayMultiplier, domain.MaxDelayMultiplier)
		reason = "optimizing"
	}

	c.strategy = domain.Strategy{
		DelayMultiplier: mult,
		LastUpdated:     c.now(),
		Reason:          reason,
		SuccessRate:     successRate,
		ProblemRate:     problemRate,
		RiskyHours:      c.riskyHours(),
	}

	c.logger.Info("strategy re-analyzed",
		slog.Float64("multiplier", mult),
		slog.String("reason", reason),
		slog.Float64("success_rate", successRate),
		slog.Float64("problem_rate", problemRate),
		slog.Int("risky_hours", len(c.strategy.RiskyHours)),
	)
}

// recentCounts sums events inside the trailing 24-hour window.
func (c *Controller) recentCounts() domain.KindCounts {
	cutoff := c.now().Add(-24 * time.Hour)
	var counts domain.KindCounts
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Timestamp.Before(cutoff) {
			break
		}
		counts.Observe(c.events[i].Kind)
	}
	return counts
}

// riskyHours scans the all-time hourly aggregates and flags hours whose
// problem share exceeds the threshold over at least the minimum sample size.
func (c *Controller) riskyHours() map[int]bool {
	risky := map[int]bool{}
	for hour, counts := range c.hourly {
		total := counts.Total()
		if total < c.cfg.RiskyHourMinSamples {
			continue
		}
		if float64(counts.Problems())/float64(total) > c.cfg.RiskyHourThreshold {
			risky[hour] = true
		}
	}
	return risky
}

// PageDelay returns the randomized delay to sleep between page fetches.
// Fixed intervals are a detectable fingerprint, so every delay is drawn
// uniformly from the multiplier-scaled base range.
func (c *Controller) PageDelay() time.Duration {
	return c.randomDelay(c.cfg.PageDelayMin, c.cfg.PageDelayMax)
}

// CycleDelay returns the randomized delay to sleep between full polling
// cycles.
func (c *Controller) CycleDelay() time.Duration {
	return c.randomDelay(c.cfg.CycleDelayMin, c.cfg.CycleDelayMax)
}

// randomDelay draws uniformly from [min*m, max*m], where m is the current
// multiplier, further scaled when the current hour is risky.
func (c *Controller) randomDelay(min, max time.Duration) time.Duration {
	factor := c.strategy.DelayMultiplier
	if c.strategy.IsRiskyHour(c.now().Hour()) {
		factor *= riskyHourFactor
	}

	lo := time.Duration(float64(min) * factor)
	hi := time.Duration(float64(max) * factor)
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(c.rng.Int63n(int64(hi-lo)))
}

// RetryBackoff returns the pause before retrying a transient fetch failure,
// growing linearly with the attempt number and scaled by the current
// multiplier.
func (c *Controller) RetryBackoff(attempt int) time.Duration {
	base := time.Duration(attempt+1) * 2 * time.Second
	return time.Duration(float64(base) * c.strategy.DelayMultiplier)
}

// RateLimitCooldown returns the extended pause after a 429, growing with the
// attempt number and the current multiplier.
func (c *Controller) RateLimitCooldown(attempt int) time.Duration {
	base := 5 * time.Minute * time.Duration(attempt+1)
	return time.Duration(float64(base) * c.strategy.DelayMultiplier)
}

// BlockCooldown returns the randomized pause after an anti-bot interstitial,
// longer than a rate-limit cooldown and jittered so recovery attempts do not
// land on a predictable schedule.
func (c *Controller) BlockCooldown(attempt int) time.Duration {
	lo := time.Duration(attempt+1) * time.Minute
	span := time.Duration(attempt+1) * 2 * time.Minute
	d := lo + time.Duration(c.rng.Int63n(int64(span)))
	return time.Duration(float64(d) * c.strategy.DelayMultiplier)
}

// Strategy returns a copy of the current strategy.
func (c *Controller) Strategy() domain.Strategy {
	s := c.strategy
	s.RiskyHours = make(map[int]bool, len(c.strategy.RiskyHours))
	for h := range c.strategy.RiskyHours {
		s.RiskyHours[h] = true
	}
	return s
}

// RecentStats returns the per-kind counts over the trailing 24 hours, for
// status reporting.
func (c *Controller) RecentStats() domain.KindCounts {
	return c.recentCounts()
}

// Save persists the event log, truncated to the retention cap, and returns
// the events that fell off the front so the caller can archive them.
func (c *Controller) Save(ctx context.Context) ([]domain.OutcomeEvent, error) {
	var dropped []domain.OutcomeEvent
	if len(c.events) > domain.MaxOutcomeEvents {
		cut := len(c.events) - domain.MaxOutcomeEvents
		dropped = append(dropped, c.events[:cut]...)
		c.events = append(c.events[:0:0], c.events[cut:]...)
	}

	if err := c.store.SaveEvents(ctx, c.events); err != nil {
		return dropped, fmt.Errorf("pacing: save events: %w", err)
	}
	return dropped, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
