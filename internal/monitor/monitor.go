// Package monitor owns the polling run loop: crawl, diff, persist, notify,
// sleep, repeat. One Monitor instance runs on a single goroutine; the only
// concurrency underneath it is the notification dispatcher's worker pool.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/baraktamir/yadwatch/internal/crawl"
	"github.com/baraktamir/yadwatch/internal/domain"
	"github.com/baraktamir/yadwatch/internal/notify"
)

// Crawler runs one pagination pass.
type Crawler interface {
	Run(ctx context.Context, watermark int64, hasWatermark bool) *crawl.Result
}

// Differ classifies a fresh snapshot against the active map.
type Differ interface {
	Compare(active, fresh map[string]domain.Listing, fullSnapshot bool) domain.DiffResult
}

// Pacer is the slice of the pacing controller the run loop needs.
type Pacer interface {
	Load(ctx context.Context)
	CycleDelay() time.Duration
	BlockCooldown(attempt int) time.Duration
	Strategy() domain.Strategy
	RecentStats() domain.KindCounts
	Save(ctx context.Context) ([]domain.OutcomeEvent, error)
}

// Dispatcher delivers rendered message batches.
type Dispatcher interface {
	Dispatch(ctx context.Context, msgs []notify.Message) error
	Sequential() bool
}

// EventArchiver receives outcome events that fell out of the retention
// window. Optional.
type EventArchiver interface {
	ArchiveEvents(ctx context.Context, events []domain.OutcomeEvent) error
}

// SnapshotExporter uploads a CSV snapshot of the listing set. Optional; when
// present the monitor exports once per day at rollover.
type SnapshotExporter interface {
	ExportListings(ctx context.Context) (string, error)
}

// Config holds the run-loop tunables.
type Config struct {
	SearchURL     string
	StatusEvery   int
	ErrorCooldown time.Duration
	SleepSlice    time.Duration
}

// Deps collects the monitor's collaborators. Cache, Bus, Archiver and
// Exporter may be nil; the corresponding step is skipped.
type Deps struct {
	Crawler    Crawler
	Differ     Differ
	Pacer      Pacer
	Dispatcher Dispatcher
	Listings   domain.ListingStore
	History    domain.HistoryStore
	Cache      domain.SnapshotCache
	Bus        domain.SignalBus
	Archiver   EventArchiver
	Exporter   SnapshotExporter
}

type dayCounters struct {
	date      string
	newCount  int
	drops     int
	increases int
	removed   int
}

// Monitor is the top-level run loop.
type Monitor struct {
	cfg    Config
	deps   Deps
	render notify.Renderer
	logger *slog.Logger

	active    map[string]domain.Listing
	iteration int
	day       dayCounters
	now       func() time.Time
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Monitor {
	if cfg.StatusEvery <= 0 {
		cfg.StatusEvery = 10
	}
	if cfg.ErrorCooldown <= 0 {
		cfg.ErrorCooldown = 5 * time.Minute
	}
	if cfg.SleepSlice <= 0 {
		cfg.SleepSlice = time.Minute
	}
	return &Monitor{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "monitor")),
		now:    time.Now,
	}
}

// Run executes the polling loop until ctx is canceled. Iteration failures
// never terminate the loop; they are logged, reported through the
// notification channels, and followed by a fixed cooldown.
func (m *Monitor) Run(ctx context.Context) error {
	started := m.now()

	active, err := m.deps.Listings.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("monitor: load active listings: %w", err)
	}
	m.active = active
	m.day.date = m.now().Format("2006-01-02")
	m.deps.Pacer.Load(ctx)

	m.logger.InfoContext(ctx, "monitor starting",
		slog.Int("active_listings", len(m.active)),
		slog.String("search_url", m.cfg.SearchURL),
	)
	m.dispatch(ctx, m.render.RenderStartup(m.cfg.SearchURL, m.deps.Pacer.Strategy()))

	for ctx.Err() == nil {
		m.iteration++
		cycleStart := m.now()

		if err := m.safeIteration(ctx); err != nil && ctx.Err() == nil {
			m.logger.ErrorContext(ctx, "iteration failed",
				slog.Int("iteration", m.iteration),
				slog.String("error", err.Error()),
			)
			m.dispatch(ctx, m.render.RenderAlert("Monitor error", err))
			if sleepErr := m.sleepSliced(ctx, m.cfg.ErrorCooldown); sleepErr != nil {
				break
			}
			continue
		}

		if m.iteration%m.cfg.StatusEvery == 0 {
			m.dispatch(ctx, m.render.RenderStatus(notify.StatusReport{
				Iteration:      m.iteration,
				ActiveListings: len(m.active),
				Strategy:       m.deps.Pacer.Strategy(),
				Recent:         m.deps.Pacer.RecentStats(),
				LastCycle:      m.now().Sub(cycleStart),
				Sequential:     m.deps.Dispatcher.Sequential(),
			}))
		}

		if err := m.sleepSliced(ctx, m.deps.Pacer.CycleDelay()); err != nil {
			break
		}
	}

	// Shutdown path: persist what we can and say goodbye. The parent ctx is
	// done, so give the farewell work its own short deadline.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	m.saveHistory(flushCtx)
	m.dispatch(flushCtx, m.render.RenderShutdown(m.iteration, m.now().Sub(started)))
	m.logger.Info("monitor stopped", slog.Int("iterations", m.iteration))
	return nil
}

// safeIteration runs one iteration, converting a panic into an error so a
// bug in one cycle cannot take the loop down.
func (m *Monitor) safeIteration(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor: iteration panic: %v", r)
		}
	}()
	return m.iterate(ctx)
}

// RunOnce performs a single crawl-diff-persist-notify cycle. Used by the
// one-shot mode.
func (m *Monitor) RunOnce(ctx context.Context) error {
	active, err := m.deps.Listings.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("monitor: load active listings: %w", err)
	}
	m.active = active
	if m.day.date == "" {
		m.day.date = m.now().Format("2006-01-02")
	}
	m.deps.Pacer.Load(ctx)
	m.iteration++

	// iterate persists the event log itself, so nothing is left to flush.
	return m.safeIteration(ctx)
}

func (m *Monitor) iterate(ctx context.Context) error {
	m.rolloverDay(ctx)

	// runID correlates this cycle's log lines with its stream summary.
	runID := uuid.NewString()

	watermark, hasWatermark, err := m.deps.History.RunWatermark(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "watermark unavailable, full crawl",
			slog.String("error", err.Error()),
		)
		hasWatermark = false
	}

	// The watermark advances at run start, not completion: a crash mid-run
	// re-scans a wider window next time instead of silently skipping items.
	if err := m.deps.History.SetRunWatermark(ctx, m.now().UnixMilli()); err != nil {
		m.logger.WarnContext(ctx, "watermark update failed",
			slog.String("error", err.Error()),
		)
	}

	res := m.deps.Crawler.Run(ctx, watermark, hasWatermark)
	if res.Stop == crawl.StopCanceled {
		return nil
	}

	m.logger.InfoContext(ctx, "crawl finished",
		slog.String("run_id", runID),
		slog.Int("iteration", m.iteration),
		slog.String("stop", string(res.Stop)),
		slog.Int("pages", res.Pages),
		slog.Int("pages_saved", res.PagesSaved),
		slog.Int("listings", len(res.Listings)),
	)

	if res.Stop == crawl.StopNoContent {
		m.handleFetchFailure(ctx, res.Err)
		if len(res.Listings) == 0 {
			return nil
		}
	}

	diffRes := m.deps.Differ.Compare(m.active, res.Listings, res.FullSnapshot())
	m.persist(ctx, res, diffRes)
	m.publish(ctx, runID, res, diffRes)
	m.accumulateDay(diffRes)

	if diffRes.HasChanges() {
		m.dispatch(ctx, m.render.RenderDiff(diffRes)...)
	}

	m.saveHistory(ctx)
	return nil
}

// handleFetchFailure alerts the operator on a detected block and applies the
// block cooldown before the next cycle's regular delay.
func (m *Monitor) handleFetchFailure(ctx context.Context, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, domain.ErrBlocked):
		m.dispatch(ctx, m.render.RenderAlert("Source blocked us", err))
		cooldown := m.deps.Pacer.BlockCooldown(0)
		m.logger.WarnContext(ctx, "block detected, cooling down",
			slog.Duration("cooldown", cooldown),
		)
		_ = m.sleepSliced(ctx, cooldown)
	case errors.Is(err, domain.ErrRateLimited):
		m.dispatch(ctx, m.render.RenderAlert("Source rate limit persists", err))
	}
}

// persist mirrors the diff into the stores. Store failures are logged and
// skipped; losing one cycle's writes is preferred over stopping the loop.
func (m *Monitor) persist(ctx context.Context, res *crawl.Result, diffRes domain.DiffResult) {
	// Upsert the post-diff view of each fresh listing: firstSeenAt and the
	// suppressed-price handling live on the active map, not the raw crawl.
	fresh := make([]domain.Listing, 0, len(res.Listings))
	keep := make(map[string]bool, len(res.Listings))
	for id := range res.Listings {
		fresh = append(fresh, m.active[id])
		keep[id] = true
	}

	if err := m.deps.Listings.UpsertBatch(ctx, fresh); err != nil {
		m.logger.ErrorContext(ctx, "listing upsert failed, skipping persistence this cycle",
			slog.String("error", err.Error()),
		)
		return
	}

	now := m.now()
	for _, l := range diffRes.New {
		if l.Price == nil {
			continue
		}
		if err := m.deps.Listings.AppendPrice(ctx, l.ID, *l.Price, now); err != nil {
			m.logger.WarnContext(ctx, "price seed failed",
				slog.String("listing", l.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	for _, pc := range diffRes.PriceChanges {
		if err := m.deps.Listings.AppendPrice(ctx, pc.ListingID, pc.NewPrice, now); err != nil {
			m.logger.WarnContext(ctx, "price append failed",
				slog.String("listing", pc.ListingID),
				slog.String("error", err.Error()),
			)
		}
	}

	if res.FullSnapshot() {
		if _, err := m.deps.Listings.MarkInactive(ctx, keep); err != nil {
			m.logger.WarnContext(ctx, "mark inactive failed",
				slog.String("error", err.Error()),
			)
		}
	}
}

// publish pushes the fresh snapshot to the cache and a run summary to the
// signal stream for dashboard consumers.
func (m *Monitor) publish(ctx context.Context, runID string, res *crawl.Result, diffRes domain.DiffResult) {
	if m.deps.Cache != nil {
		updated := make([]domain.Listing, 0, len(res.Listings))
		for id := range res.Listings {
			updated = append(updated, m.active[id])
		}
		if err := m.deps.Cache.PutListings(ctx, updated); err != nil {
			m.logger.WarnContext(ctx, "snapshot cache update failed",
				slog.String("error", err.Error()),
			)
		}
		if len(diffRes.Removed) > 0 {
			ids := make([]string, len(diffRes.Removed))
			for i, l := range diffRes.Removed {
				ids[i] = l.ID
			}
			if err := m.deps.Cache.RemoveListings(ctx, ids); err != nil {
				m.logger.WarnContext(ctx, "snapshot cache removal failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if m.deps.Bus != nil {
		payload, err := json.Marshal(map[string]any{
			"run_id":        runID,
			"iteration":     m.iteration,
			"stop":          string(res.Stop),
			"pages":         res.Pages,
			"pages_saved":   res.PagesSaved,
			"listings":      len(res.Listings),
			"new":           len(diffRes.New),
			"price_changes": len(diffRes.PriceChanges),
			"removed":       len(diffRes.Removed),
			"at":            m.now().UnixMilli(),
		})
		if err == nil {
			err = m.deps.Bus.StreamAppend(ctx, "runs", payload)
		}
		if err != nil {
			m.logger.WarnContext(ctx, "run summary publish failed",
				slog.String("error", err.Error()),
			)
		}
	}
}

// rolloverDay flushes the previous day's counters once the date changes.
func (m *Monitor) rolloverDay(ctx context.Context) {
	today := m.now().Format("2006-01-02")
	if today == m.day.date {
		return
	}
	prev := m.day
	m.day = dayCounters{date: today}

	if err := m.deps.History.AddDailySummary(ctx, prev.date, prev.newCount, prev.drops, prev.increases, prev.removed); err != nil {
		m.logger.WarnContext(ctx, "daily summary persist failed",
			slog.String("error", err.Error()),
		)
	}
	m.dispatch(ctx, m.render.RenderDailySummary(prev.date, prev.newCount, prev.drops, prev.increases, prev.removed))

	if m.deps.Exporter != nil {
		key, err := m.deps.Exporter.ExportListings(ctx)
		if err != nil {
			m.logger.WarnContext(ctx, "daily export failed",
				slog.String("error", err.Error()),
			)
		} else {
			m.logger.InfoContext(ctx, "daily export uploaded", slog.String("key", key))
		}
	}
}

func (m *Monitor) accumulateDay(diffRes domain.DiffResult) {
	m.day.newCount += len(diffRes.New)
	for _, pc := range diffRes.PriceChanges {
		if pc.Change < 0 {
			m.day.drops++
		} else {
			m.day.increases++
		}
	}
	m.day.removed += len(diffRes.Removed)
}

func (m *Monitor) saveHistory(ctx context.Context) {
	dropped, err := m.deps.Pacer.Save(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "history save failed",
			slog.String("error", err.Error()),
		)
	}
	if len(dropped) > 0 && m.deps.Archiver != nil {
		if err := m.deps.Archiver.ArchiveEvents(ctx, dropped); err != nil {
			m.logger.WarnContext(ctx, "event archive failed",
				slog.Int("events", len(dropped)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *Monitor) dispatch(ctx context.Context, msgs ...notify.Message) {
	if len(msgs) == 0 {
		return
	}
	if err := m.deps.Dispatcher.Dispatch(ctx, msgs); err != nil {
		m.logger.WarnContext(ctx, "notification dispatch incomplete",
			slog.String("error", err.Error()),
		)
	}
}

// sleepSliced sleeps for total in short slices so cancellation is honored
// within one slice rather than at the end of a multi-minute wait.
func (m *Monitor) sleepSliced(ctx context.Context, total time.Duration) error {
	for total > 0 {
		slice := m.cfg.SleepSlice
		if slice > total {
			slice = total
		}
		t := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		total -= slice
	}
	return nil
}
