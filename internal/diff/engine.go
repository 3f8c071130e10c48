// Package diff classifies a fresh crawl snapshot against the previously
// persisted active-listing map into new, price-changed, and removed listings,
// mutating the active map to reflect the fresh snapshot.
package diff

import (
	"log/slog"
	"sort"
	"time"

	"github.com/baraktamir/yadwatch/internal/domain"
)

// Engine compares snapshots. It holds no per-run state; the active map it
// mutates is owned by the caller.
type Engine struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		logger: logger.With(slog.String("component", "diff")),
		now:    time.Now,
	}
}

// Compare classifies fresh against active and updates active in place:
// new listings are inserted, known listings have their fields and lastSeenAt
// refreshed, and — only when the run saw a full snapshot — absent listings
// are hard-deleted and classified removed. A fresh listing with no price is
// never compared against a stored price, and a stored price is never
// overwritten by a missing one; absence of price data suppresses the
// comparison to avoid false drop-to-zero alerts.
//
// Every previously active id ends up in exactly one bucket: new is impossible
// for it, so it is either refreshed in place or removed.
func (e *Engine) Compare(active map[string]domain.Listing, fresh map[string]domain.Listing, fullSnapshot bool) domain.DiffResult {
	now := e.now()
	var res domain.DiffResult

	for id, item := range fresh {
		prior, seen := active[id]
		if !seen {
			item.FirstSeenAt = now
			item.LastSeenAt = now
			item.Active = true
			active[id] = item
			res.New = append(res.New, item)
			continue
		}

		if prior.Price != nil && item.Price != nil && *prior.Price != *item.Price {
			res.PriceChanges = append(res.PriceChanges, domain.PriceChange{
				ListingID:    id,
				Listing:      item,
				OldPrice:     *prior.Price,
				NewPrice:     *item.Price,
				Change:       *item.Price - *prior.Price,
				ChangePct:    float64(*item.Price-*prior.Price) / float64(*prior.Price) * 100,
				OldPriceDate: prior.LastSeenAt,
				NewPriceDate: now,
			})
		}

		if item.Price == nil {
			item.Price = prior.Price
			item.PriceText = prior.PriceText
		}
		item.FirstSeenAt = prior.FirstSeenAt
		item.LastSeenAt = now
		item.Active = true
		active[id] = item
	}

	if fullSnapshot {
		for id, prior := range active {
			if _, ok := fresh[id]; !ok {
				res.Removed = append(res.Removed, prior)
				delete(active, id)
			}
		}
	}

	sortByID(res.New)
	sort.Slice(res.PriceChanges, func(i, j int) bool {
		return res.PriceChanges[i].ListingID < res.PriceChanges[j].ListingID
	})
	sortByID(res.Removed)

	if res.HasChanges() {
		e.logger.Info("snapshot diff computed",
			slog.Int("new", len(res.New)),
			slog.Int("price_changes", len(res.PriceChanges)),
			slog.Int("removed", len(res.Removed)),
			slog.Bool("full_snapshot", fullSnapshot),
		)
	}
	return res
}

// sortByID gives the result a stable order; map iteration would otherwise
// shuffle notifications between runs.
func sortByID(items []domain.Listing) {
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
}
