package domain

import (
	"context"
	"io"
	"time"
)

// ListingStore is the persistent store for listings and their price history.
// Implementations are responsible for their own write serialization; the
// monitor loop is the only writer in this process.
type ListingStore interface {
	// LoadActive returns the currently active listings keyed by ID.
	LoadActive(ctx context.Context) (map[string]Listing, error)
	// Upsert inserts or updates a listing and reports whether it was new.
	Upsert(ctx context.Context, l Listing) (id string, wasNew bool, err error)
	// UpsertBatch upserts many listings in one round trip.
	UpsertBatch(ctx context.Context, listings []Listing) error
	// MarkInactive deactivates every active listing whose ID is not in keep
	// and returns the IDs it deactivated.
	MarkInactive(ctx context.Context, keep map[string]bool) ([]string, error)
	// AppendPrice records a price point, trimming the ledger to MaxPricePoints.
	AppendPrice(ctx context.Context, listingID string, price int, at time.Time) error
	// PriceHistory returns up to limit most recent price points, newest first.
	PriceHistory(ctx context.Context, listingID string, limit int) ([]PricePoint, error)
	// CountActive returns the number of active listings.
	CountActive(ctx context.Context) (int, error)
}

// HistoryStore persists the crawl outcome log, the run watermark, and daily
// change summaries.
type HistoryStore interface {
	// LoadEvents returns the persisted outcome log, oldest first.
	LoadEvents(ctx context.Context) ([]OutcomeEvent, error)
	// SaveEvents replaces the persisted log with the most recent
	// MaxOutcomeEvents entries of the given slice.
	SaveEvents(ctx context.Context, events []OutcomeEvent) error
	// RunWatermark returns the previous run's start time in Unix milliseconds.
	// ok is false when no run has ever completed a start.
	RunWatermark(ctx context.Context) (millis int64, ok bool, err error)
	// SetRunWatermark records the current run's start time in Unix milliseconds.
	SetRunWatermark(ctx context.Context, millis int64) error
	// AddDailySummary accumulates change counts for the given calendar date,
	// formatted as "2006-01-02".
	AddDailySummary(ctx context.Context, date string, newListings, priceDrops, priceIncreases, removed int) error
}

// SnapshotCache is a write-through cache of the latest active listing
// snapshots, kept for concurrent readers such as a dashboard. The monitor
// tolerates cache failures; the store remains authoritative.
type SnapshotCache interface {
	PutListings(ctx context.Context, listings []Listing) error
	RemoveListings(ctx context.Context, ids []string) error
}

// StreamMessage is one entry read back from an event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus publishes run summaries and diff events for out-of-process
// consumers. Streams are durable and capped; readers poll with StreamRead.
type SignalBus interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// BlobWriter uploads export artifacts (CSV snapshots, archived event logs)
// to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
