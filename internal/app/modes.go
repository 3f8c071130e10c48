package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/baraktamir/yadwatch/internal/monitor"
)

// newMonitor assembles the run loop from the wired dependencies.
func (a *App) newMonitor(deps *Dependencies) *monitor.Monitor {
	monDeps := monitor.Deps{
		Crawler:    deps.Crawler,
		Differ:     deps.Differ,
		Pacer:      deps.Pacer,
		Dispatcher: deps.Dispatcher,
		Listings:   deps.Listings,
		History:    deps.History,
		Cache:      deps.Cache,
		Bus:        deps.Bus,
	}
	if deps.Exporter != nil {
		monDeps.Archiver = deps.Exporter
		monDeps.Exporter = deps.Exporter
	}
	return monitor.New(monitor.Config{
		SearchURL:     a.cfg.Source.SearchURL,
		StatusEvery:   a.cfg.Monitor.StatusEvery,
		ErrorCooldown: a.cfg.Monitor.ErrorCooldown.Duration,
		SleepSlice:    a.cfg.Monitor.SleepSlice.Duration,
	}, monDeps, a.logger)
}

// MonitorMode runs the polling loop until the context is cancelled.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	return a.newMonitor(deps).Run(ctx)
}

// OnceMode performs a single crawl-diff-persist-notify cycle and exits.
// Useful for cron-driven deployments and smoke testing a new configuration.
func (a *App) OnceMode(ctx context.Context, deps *Dependencies) error {
	if err := a.newMonitor(deps).RunOnce(ctx); err != nil {
		return fmt.Errorf("app: run once: %w", err)
	}
	return nil
}

// ExportMode uploads CSV snapshots of the current listing set and price
// history to object storage and exits.
func (a *App) ExportMode(ctx context.Context, deps *Dependencies) error {
	if deps.Exporter == nil {
		return fmt.Errorf("app: export mode requires s3 configuration")
	}

	listingsKey, err := deps.Exporter.ExportListings(ctx)
	if err != nil {
		return fmt.Errorf("app: export listings: %w", err)
	}
	pricesKey, err := deps.Exporter.ExportPriceHistory(ctx)
	if err != nil {
		return fmt.Errorf("app: export price history: %w", err)
	}

	a.logger.InfoContext(ctx, "export complete",
		slog.String("listings_key", listingsKey),
		slog.String("prices_key", pricesKey),
	)
	return nil
}
