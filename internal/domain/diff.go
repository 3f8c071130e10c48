package domain

import "time"

// PriceChange describes one listing whose price moved between two completed
// snapshots.
type PriceChange struct {
	ListingID    string
	Listing      Listing
	OldPrice     int
	NewPrice     int
	Change       int     // NewPrice - OldPrice, negative on a drop
	ChangePct    float64 // percentage relative to OldPrice
	OldPriceDate time.Time
	NewPriceDate time.Time
}

// DiffResult classifies everything that changed between the previously
// persisted snapshot and the snapshot produced by one completed run. It is
// computed once per run and consumed exactly once by the dispatcher.
type DiffResult struct {
	New          []Listing
	PriceChanges []PriceChange
	Removed      []Listing
}

// HasChanges reports whether anything notification-worthy happened.
func (d DiffResult) HasChanges() bool {
	return len(d.New) > 0 || len(d.PriceChanges) > 0 || len(d.Removed) > 0
}
