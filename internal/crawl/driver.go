// Package crawl drives watermark-based pagination over the listings source.
// Pages are fetched strictly in increasing order; the watermark from the
// previous run lets the driver stop as soon as no further page can contain
// unseen data.
package crawl

import (
	"context"
	"log/slog"
	"time"

	"github.com/baraktamir/yadwatch/internal/domain"
)

// Page is one fetched and extracted page. Timestamps holds every source-side
// modification timestamp found on the raw page, which can be a superset of
// the parsed items' timestamps (promoted rows and partially parsed entries
// still carry one).
type Page struct {
	Items      []domain.Listing
	Timestamps []int64
}

// PageFetcher fetches and parses one page of listings. A returned error means
// the page yielded no usable content after the fetcher's own retry policy.
type PageFetcher interface {
	FetchPage(ctx context.Context, page int) (*Page, error)
}

// Pacer supplies the randomized delay to wait between page fetches.
type Pacer interface {
	PageDelay() time.Duration
}

// StopReason records why pagination terminated.
type StopReason string

const (
	// StopNoContent means a page fetch failed after retries.
	StopNoContent StopReason = "no_content"
	// StopEmpty means a page contained no extractable listings.
	StopEmpty StopReason = "empty_page"
	// StopWatermark means the newest timestamp on a page predated the
	// watermark, so later pages cannot contain new data.
	StopWatermark StopReason = "watermark"
	// StopAllOld means every parsed item on a page past the first predated
	// the watermark.
	StopAllOld StopReason = "all_old"
	// StopExhausted means the page limit was reached.
	StopExhausted StopReason = "max_pages"
	// StopCanceled means the run context was canceled mid-crawl.
	StopCanceled StopReason = "canceled"
)

// Result is the outcome of one pagination run.
type Result struct {
	// Listings is the deduplicated fresh snapshot, last occurrence wins when
	// an id repeats across pages.
	Listings   map[string]domain.Listing
	Pages      int
	PagesSaved int
	Stop       StopReason
	// Err is the fetch error behind a StopNoContent, kept so callers can
	// distinguish a block or rate limit from an ordinary failure.
	Err       error
	StartedAt time.Time
}

// FullSnapshot reports whether the run observed every currently listed item.
// Only then may absent ids be treated as removed: a watermark or all-old stop
// deliberately skips unchanged tail pages, so absence proves nothing.
func (r *Result) FullSnapshot() bool {
	return r.Stop == StopEmpty || r.Stop == StopExhausted
}

// Driver walks pages 1..maxPages applying the early-stop rules.
type Driver struct {
	fetcher  PageFetcher
	pacer    Pacer
	maxPages int
	logger   *slog.Logger
}

func NewDriver(fetcher PageFetcher, pacer Pacer, maxPages int, logger *slog.Logger) *Driver {
	if maxPages <= 0 {
		maxPages = 50
	}
	return &Driver{
		fetcher:  fetcher,
		pacer:    pacer,
		maxPages: maxPages,
		logger:   logger.With(slog.String("component", "crawl")),
	}
}

// Run executes one pagination pass. watermark is the previous successful
// run's start time in millis; hasWatermark is false on the very first run,
// which disables the early-stop rules. Stop conditions are checked in
// priority order on every page: fetch failure, empty page, newest timestamp
// older than the watermark, all parsed items old past page one, page limit.
func (d *Driver) Run(ctx context.Context, watermark int64, hasWatermark bool) *Result {
	res := &Result{
		Listings:  make(map[string]domain.Listing),
		StartedAt: time.Now(),
	}

	for page := 1; page <= d.maxPages; page++ {
		if ctx.Err() != nil {
			res.Stop = StopCanceled
			return res
		}
		if page > 1 {
			if err := sleepCtx(ctx, d.pacer.PageDelay()); err != nil {
				res.Stop = StopCanceled
				return res
			}
		}

		p, err := d.fetcher.FetchPage(ctx, page)
		res.Pages = page
		if err != nil {
			if ctx.Err() != nil {
				res.Stop = StopCanceled
				return res
			}
			d.logger.WarnContext(ctx, "page fetch failed, stopping run",
				slog.Int("page", page),
				slog.String("error", err.Error()),
			)
			res.Stop = StopNoContent
			res.Err = err
			return res
		}

		if len(p.Items) == 0 {
			d.logger.InfoContext(ctx, "empty page, end of listings",
				slog.Int("page", page),
			)
			res.Stop = StopEmpty
			return res
		}

		for _, it := range p.Items {
			res.Listings[it.ID] = it
		}

		if hasWatermark {
			if max, ok := maxTimestamp(p.Timestamps); ok && max < watermark {
				// Listings are source-sorted newest-first, so no later page
				// can hold anything newer than this one.
				res.Stop = StopWatermark
				res.PagesSaved = d.maxPages - page
				d.logger.InfoContext(ctx, "smart stop, page predates watermark",
					slog.Int("page", page),
					slog.Int("pages_saved", res.PagesSaved),
					slog.Int64("watermark", watermark),
				)
				return res
			}

			// Page 1 is always fully processed so same-page new items mixed
			// with old ones are captured even if the source ordering wobbles.
			if page > 1 && allItemsOld(p.Items, watermark) {
				res.Stop = StopAllOld
				res.PagesSaved = d.maxPages - page
				d.logger.InfoContext(ctx, "all parsed items predate watermark, stopping",
					slog.Int("page", page),
				)
				return res
			}
		}
	}

	res.Stop = StopExhausted
	return res
}

func maxTimestamp(stamps []int64) (int64, bool) {
	if len(stamps) == 0 {
		return 0, false
	}
	max := stamps[0]
	for _, ts := range stamps[1:] {
		if ts > max {
			max = ts
		}
	}
	return max, true
}

// allItemsOld reports whether every parsed item predates the watermark.
// Items without a timestamp are never counted as old.
func allItemsOld(items []domain.Listing, watermark int64) bool {
	for _, it := range items {
		if it.SourceUpdatedAt == nil || *it.SourceUpdatedAt >= watermark {
			return false
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
