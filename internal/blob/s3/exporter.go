package s3blob

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/baraktamir/yadwatch/internal/domain"
)

// priceHistoryExportLimit bounds the price points exported per listing.
const priceHistoryExportLimit = domain.MaxPricePoints

// Exporter uploads CSV snapshots of the listing set and JSONL archives of
// outcome events that fell out of the retention window.
type Exporter struct {
	writer   *Writer
	listings domain.ListingStore
	prefix   string
	logger   *slog.Logger
	now      func() time.Time
}

// NewExporter creates an Exporter that uploads under the given key prefix.
func NewExporter(w *Writer, listings domain.ListingStore, prefix string, logger *slog.Logger) *Exporter {
	return &Exporter{
		writer:   w,
		listings: listings,
		prefix:   prefix,
		logger:   logger.With(slog.String("component", "exporter")),
		now:      time.Now,
	}
}

// ExportListings uploads a CSV snapshot of all active listings and returns
// the object key it wrote.
func (e *Exporter) ExportListings(ctx context.Context) (string, error) {
	active, err := e.listings.LoadActive(ctx)
	if err != nil {
		return "", fmt.Errorf("s3blob: load active listings: %w", err)
	}

	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{
		"id", "title", "price", "price_text", "location", "street_address",
		"item_info", "link", "source_updated_at", "first_seen_at", "last_seen_at",
	}
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("s3blob: write csv header: %w", err)
	}
	for _, id := range ids {
		l := active[id]
		price := ""
		if l.Price != nil {
			price = strconv.Itoa(*l.Price)
		}
		updated := ""
		if l.SourceUpdatedAt != nil {
			updated = strconv.FormatInt(*l.SourceUpdatedAt, 10)
		}
		row := []string{
			l.ID, l.Title, price, l.PriceText, l.Location, l.StreetAddress,
			l.ItemInfo, l.Link, updated,
			l.FirstSeenAt.UTC().Format(time.RFC3339),
			l.LastSeenAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("s3blob: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("s3blob: flush csv: %w", err)
	}

	key := e.key("listings", "csv")
	if err := e.writer.PutMultipart(ctx, key, &buf, "text/csv", minPartSize); err != nil {
		return "", err
	}
	e.logger.InfoContext(ctx, "listings exported",
		slog.String("key", key),
		slog.Int("listings", len(ids)),
	)
	return key, nil
}

// ExportPriceHistory uploads a CSV of recent price points for every active
// listing and returns the object key it wrote.
func (e *Exporter) ExportPriceHistory(ctx context.Context) (string, error) {
	active, err := e.listings.LoadActive(ctx)
	if err != nil {
		return "", fmt.Errorf("s3blob: load active listings: %w", err)
	}

	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"listing_id", "price", "recorded_at"}); err != nil {
		return "", fmt.Errorf("s3blob: write csv header: %w", err)
	}
	rows := 0
	for _, id := range ids {
		points, err := e.listings.PriceHistory(ctx, id, priceHistoryExportLimit)
		if err != nil {
			return "", fmt.Errorf("s3blob: price history for %s: %w", id, err)
		}
		for _, p := range points {
			row := []string{
				p.ListingID,
				strconv.Itoa(p.Price),
				p.RecordedAt.UTC().Format(time.RFC3339),
			}
			if err := w.Write(row); err != nil {
				return "", fmt.Errorf("s3blob: write csv row: %w", err)
			}
			rows++
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("s3blob: flush csv: %w", err)
	}

	key := e.key("price_history", "csv")
	if err := e.writer.Put(ctx, key, &buf, "text/csv"); err != nil {
		return "", err
	}
	e.logger.InfoContext(ctx, "price history exported",
		slog.String("key", key),
		slog.Int("rows", rows),
	)
	return key, nil
}

// ArchiveEvents uploads outcome events as a JSONL object, one event per
// line. The monitor calls this with events evicted from the retention
// window so the full crawl history survives in object storage.
func (e *Exporter) ArchiveEvents(ctx context.Context, events []domain.OutcomeEvent) error {
	if len(events) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("s3blob: encode event: %w", err)
		}
	}

	key := e.key("events", "jsonl")
	if err := e.writer.Put(ctx, key, &buf, "application/x-ndjson"); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "events archived",
		slog.String("key", key),
		slog.Int("events", len(events)),
	)
	return nil
}

// key builds a timestamped object key under the configured prefix, e.g.
// "exports/listings/2026/09/01/listings-20260901T120000Z.csv".
func (e *Exporter) key(kind, ext string) string {
	now := e.now().UTC()
	return fmt.Sprintf("%s/%s/%s/%s-%s.%s",
		e.prefix, kind,
		now.Format("2006/01/02"),
		kind, now.Format("20060102T150405Z"), ext,
	)
}
