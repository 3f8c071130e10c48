// Package domain defines the core types and store interfaces for the listings
// monitor: listings, price history, crawl outcome events, the pacing strategy,
// and the diff result produced by each polling run.
package domain

import "time"

// Listing represents a single real-estate listing observed on the source site.
// The ID is stable across runs (source item ID, or a content hash when the
// source does not expose one); every other field is mutable.
type Listing struct {
	ID            string
	Title         string
	Price         *int
	PriceText     string
	Location      string
	StreetAddress string
	ItemInfo      string
	Link          string
	// SourceUpdatedAt is the source-side modification timestamp in Unix
	// milliseconds, when the page exposes one.
	SourceUpdatedAt *int64
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
	Active          bool
}

// PricePoint is a single entry in a listing's price history ledger.
type PricePoint struct {
	ListingID  string
	Price      int
	RecordedAt time.Time
}

// MaxPricePoints caps the per-listing price history; the oldest entries are
// dropped first.
const MaxPricePoints = 50
