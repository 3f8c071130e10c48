package crawl

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baraktamir/yadwatch/internal/domain"
)

type scriptedFetcher struct {
	pages   []*Page
	failAt  int // 1-based page to fail on, 0 = never
	fetched []int
}

func (f *scriptedFetcher) FetchPage(ctx context.Context, page int) (*Page, error) {
	f.fetched = append(f.fetched, page)
	if f.failAt != 0 && page == f.failAt {
		return nil, errors.New("no content after retries")
	}
	if page > len(f.pages) || f.pages[page-1] == nil {
		return &Page{}, nil
	}
	return f.pages[page-1], nil
}

type zeroPacer struct{}

func (zeroPacer) PageDelay() time.Duration { return 0 }

func listing(id string, ts int64) domain.Listing {
	return domain.Listing{ID: id, Title: "item " + id, SourceUpdatedAt: &ts}
}

// page builds a Page whose raw timestamps mirror the parsed items' ones.
func page(items ...domain.Listing) *Page {
	p := &Page{Items: items}
	for _, it := range items {
		if it.SourceUpdatedAt != nil {
			p.Timestamps = append(p.Timestamps, *it.SourceUpdatedAt)
		}
	}
	return p
}

func newTestDriver(fetcher PageFetcher, maxPages int) *Driver {
	return NewDriver(fetcher, zeroPacer{}, maxPages, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestStopOnFetchFailure(t *testing.T) {
	f := &scriptedFetcher{
		pages: []*Page{
			page(listing("a", 100)),
			page(listing("b", 90)),
		},
		failAt: 2,
	}
	d := newTestDriver(f, 10)

	res := d.Run(context.Background(), 0, false)

	assert.Equal(t, StopNoContent, res.Stop)
	assert.Equal(t, 2, res.Pages)
	assert.False(t, res.FullSnapshot())
	assert.Contains(t, res.Listings, "a")
}

func TestStopOnEmptyPage(t *testing.T) {
	f := &scriptedFetcher{
		pages: []*Page{
			page(listing("a", 100), listing("b", 95)),
			nil,
		},
	}
	d := newTestDriver(f, 10)

	res := d.Run(context.Background(), 0, false)

	assert.Equal(t, StopEmpty, res.Stop)
	assert.True(t, res.FullSnapshot())
	assert.Len(t, res.Listings, 2)
}

func TestSmartStopOnWatermark(t *testing.T) {
	f := &scriptedFetcher{
		pages: []*Page{
			page(listing("a", 500), listing("b", 450)),
			page(listing("c", 380), listing("d", 350)), // newest timestamp already below watermark
			page(listing("e", 300)),
		},
	}
	d := newTestDriver(f, 10)

	res := d.Run(context.Background(), 400, true)

	assert.Equal(t, StopWatermark, res.Stop)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 8, res.PagesSaved)
	assert.False(t, res.FullSnapshot())
	// The triggering page is still part of the snapshot.
	assert.Contains(t, res.Listings, "c")
	assert.NotContains(t, res.Listings, "e")
}

func TestNoEarlyStopWithoutWatermark(t *testing.T) {
	f := &scriptedFetcher{
		pages: []*Page{
			page(listing("a", 100)),
			page(listing("b", 90)),
			nil,
		},
	}
	d := newTestDriver(f, 10)

	res := d.Run(context.Background(), 0, false)

	assert.Equal(t, StopEmpty, res.Stop)
	assert.Len(t, res.Listings, 2)
}

func TestAllOldStopsOnlyPastPageOne(t *testing.T) {
	// Page 2's raw page carries a fresh promoted-row timestamp that the
	// parser did not turn into an item, so the watermark rule does not fire
	// but every parsed item is old.
	p2 := page(listing("c", 390), listing("d", 350))
	p2.Timestamps = append(p2.Timestamps, 450)

	// Page 1's parsed items are all old too, but a promoted-row stamp keeps
	// it above the watermark: it must be fully processed without stopping
	// the run, because only later pages may stop all-old.
	p1 := page(listing("a", 100), listing("b", 120))
	p1.Timestamps = append(p1.Timestamps, 460)

	f := &scriptedFetcher{
		pages: []*Page{
			p1,
			p2,
			page(listing("e", 80)),
		},
	}
	d := newTestDriver(f, 10)

	res := d.Run(context.Background(), 400, true)

	assert.Equal(t, StopAllOld, res.Stop)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 8, res.PagesSaved)
	assert.Contains(t, res.Listings, "a")
	assert.Contains(t, res.Listings, "d")
	assert.NotContains(t, res.Listings, "e")
}

func TestExhaustsPageLimit(t *testing.T) {
	f := &scriptedFetcher{
		pages: []*Page{
			page(listing("a", 300)),
			page(listing("b", 200)),
			page(listing("c", 100)),
		},
	}
	d := newTestDriver(f, 3)

	res := d.Run(context.Background(), 0, false)

	assert.Equal(t, StopExhausted, res.Stop)
	assert.True(t, res.FullSnapshot())
	assert.Equal(t, []int{1, 2, 3}, f.fetched)
}

func TestDuplicateIDLastWins(t *testing.T) {
	first := listing("a", 300)
	first.PriceText = "5,000"
	second := listing("a", 310)
	second.PriceText = "4,500"

	f := &scriptedFetcher{
		pages: []*Page{
			page(first),
			page(second),
			nil,
		},
	}
	d := newTestDriver(f, 10)

	res := d.Run(context.Background(), 0, false)

	require.Contains(t, res.Listings, "a")
	assert.Equal(t, "4,500", res.Listings["a"].PriceText)
}

func TestUndatedItemsNeverCountAsOld(t *testing.T) {
	undated := domain.Listing{ID: "x", Title: "undated"}
	p2 := &Page{Items: []domain.Listing{undated}, Timestamps: []int64{420}}

	f := &scriptedFetcher{
		pages: []*Page{
			page(listing("a", 500)),
			p2,
			nil,
		},
	}
	d := newTestDriver(f, 10)

	res := d.Run(context.Background(), 400, true)

	// Page 2's only item has no timestamp, so the all-old rule must not fire.
	assert.Equal(t, StopEmpty, res.Stop)
	assert.Contains(t, res.Listings, "x")
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &scriptedFetcher{pages: []*Page{page(listing("a", 100)), page(listing("b", 90))}}
	d := newTestDriver(f, 10)

	res := d.Run(ctx, 0, false)
	assert.Equal(t, StopCanceled, res.Stop)
	assert.False(t, res.FullSnapshot())
	// Cancellation is checked before every page, so nothing was fetched.
	assert.Empty(t, f.fetched)
}

// TestNeverOmitsItemsNewerThanWatermark builds randomized newest-first page
// layouts and checks that every item at or above the watermark survives into
// the final snapshot no matter which early-stop rule fires.
func TestNeverOmitsItemsNewerThanWatermark(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 50; trial++ {
		const watermark = int64(10_000)
		total := 5 + rng.Intn(60)

		stamps := make([]int64, total)
		for i := range stamps {
			stamps[i] = watermark + int64(rng.Intn(4000)) - 2000
		}
		sort.Slice(stamps, func(i, j int) bool { return stamps[i] > stamps[j] })

		var pages []*Page
		perPage := 1 + rng.Intn(8)
		for i := 0; i < total; i += perPage {
			end := i + perPage
			if end > total {
				end = total
			}
			var items []domain.Listing
			for j := i; j < end; j++ {
				id := string(rune('A'+j/26)) + string(rune('a'+j%26))
				items = append(items, listing(id, stamps[j]))
			}
			pages = append(pages, page(items...))
		}
		pages = append(pages, nil)

		f := &scriptedFetcher{pages: pages}
		d := newTestDriver(f, len(pages))
		res := d.Run(context.Background(), watermark, true)

		for _, p := range pages {
			if p == nil {
				continue
			}
			for _, it := range p.Items {
				if *it.SourceUpdatedAt >= watermark {
					assert.Contains(t, res.Listings, it.ID,
						"trial %d: item %s (ts %d) missing after stop %s", trial, it.ID, *it.SourceUpdatedAt, res.Stop)
				}
			}
		}
	}
}
