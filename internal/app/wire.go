package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	s3blob "github.com/baraktamir/yadwatch/internal/blob/s3"
	"github.com/baraktamir/yadwatch/internal/cache/redis"
	"github.com/baraktamir/yadwatch/internal/config"
	"github.com/baraktamir/yadwatch/internal/crawl"
	"github.com/baraktamir/yadwatch/internal/diff"
	"github.com/baraktamir/yadwatch/internal/domain"
	"github.com/baraktamir/yadwatch/internal/notify"
	"github.com/baraktamir/yadwatch/internal/pacing"
	"github.com/baraktamir/yadwatch/internal/source"
	"github.com/baraktamir/yadwatch/internal/store/postgres"
)

// Dependencies bundles every component the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Listings domain.ListingStore
	History  domain.HistoryStore
	Cache    domain.SnapshotCache
	Bus      domain.SignalBus

	Pacer      *pacing.Controller
	Crawler    *crawl.Driver
	Differ     *diff.Engine
	Dispatcher *notify.Dispatcher

	// Exporter is nil unless S3 is enabled or the mode is export.
	Exporter *s3blob.Exporter
}

// needsS3 returns true when object storage must be wired.
func needsS3(cfg *config.Config) bool {
	return cfg.S3.Enabled || cfg.Mode == "export"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// releases resources in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Listings = postgres.NewListingStore(pool)
	deps.History = postgres.NewHistoryStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Cache = redis.NewListingCache(redisClient)
	deps.Bus = redis.NewSignalBus(redisClient, int64(cfg.Redis.StreamMaxLen))

	// --- S3 blob storage ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		writer := s3blob.NewWriter(s3Client)
		deps.Exporter = s3blob.NewExporter(writer, deps.Listings, cfg.S3.ExportPrefix, logger)
	}

	// --- Pacing controller ---
	deps.Pacer = pacing.New(pacing.Config{
		PageDelayMin:        cfg.Pacing.PageDelayMin.Duration,
		PageDelayMax:        cfg.Pacing.PageDelayMax.Duration,
		CycleDelayMin:       cfg.Pacing.CycleDelayMin.Duration,
		CycleDelayMax:       cfg.Pacing.CycleDelayMax.Duration,
		RiskyHourThreshold:  cfg.Pacing.RiskyHourThreshold,
		RiskyHourMinSamples: cfg.Pacing.RiskyHourMinSamples,
		MinRecentEvents:     cfg.Pacing.MinRecentEvents,
	}, deps.History, logger)

	// --- Source fetcher and crawl driver ---
	extractor := &source.FeedExtractor{LinkBase: linkBase(cfg.Source.SearchURL)}
	fetcher := source.NewClient(source.Config{
		SearchURL:      cfg.Source.SearchURL,
		RequestTimeout: cfg.Source.RequestTimeout.Duration,
		MaxRetries:     cfg.Source.MaxRetries,
		UserAgents:     cfg.Source.UserAgents,
	}, extractor, deps.Pacer, deps.Pacer, logger)
	deps.Crawler = crawl.NewDriver(fetcher, deps.Pacer, cfg.Source.MaxPages, logger)

	// --- Diff engine ---
	deps.Differ = diff.NewEngine(logger)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Dispatcher = notify.NewDispatcher(senders, notify.DispatcherConfig{
		Workers:    cfg.Notify.Workers,
		SendPacing: cfg.Notify.SendPacing.Duration,
		MaxRetries: cfg.Notify.MaxRetries,
	}, logger)

	return deps, cleanup, nil
}

// linkBase derives the public listing URL prefix from the search URL, e.g.
// "https://example.com/realestate/search?..." -> "https://example.com/item/".
func linkBase(searchURL string) string {
	u, err := url.Parse(searchURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/item/"
}
