package diff

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baraktamir/yadwatch/internal/domain"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	e := NewEngine(slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = func() time.Time { return testNow }
	return e
}

func priced(id string, price int) domain.Listing {
	return domain.Listing{ID: id, Title: "item " + id, Price: &price, Active: true}
}

func unpriced(id string) domain.Listing {
	return domain.Listing{ID: id, Title: "item " + id, Active: true}
}

func asMap(items ...domain.Listing) map[string]domain.Listing {
	m := make(map[string]domain.Listing, len(items))
	for _, it := range items {
		m[it.ID] = it
	}
	return m
}

func TestCompareScenario(t *testing.T) {
	e := newTestEngine()

	// Run A: one listing at 5000.
	active := map[string]domain.Listing{}
	resA := e.Compare(active, asMap(priced("1", 5000)), true)
	require.Len(t, resA.New, 1)

	// Run B: the listing drops to 4500 and a new one appears.
	resB := e.Compare(active, asMap(priced("1", 4500), priced("2", 3000)), true)

	require.Len(t, resB.New, 1)
	assert.Equal(t, "2", resB.New[0].ID)

	require.Len(t, resB.PriceChanges, 1)
	pc := resB.PriceChanges[0]
	assert.Equal(t, "1", pc.ListingID)
	assert.Equal(t, 5000, pc.OldPrice)
	assert.Equal(t, 4500, pc.NewPrice)
	assert.Equal(t, -500, pc.Change)
	assert.InDelta(t, -10.0, pc.ChangePct, 1e-9)

	assert.Empty(t, resB.Removed)
	assert.Len(t, active, 2)
}

func TestCompareIdempotent(t *testing.T) {
	e := newTestEngine()
	active := map[string]domain.Listing{}
	fresh := asMap(priced("1", 5000), priced("2", 3000))

	first := e.Compare(active, fresh, true)
	assert.True(t, first.HasChanges())

	second := e.Compare(active, fresh, true)
	assert.Empty(t, second.New)
	assert.Empty(t, second.PriceChanges)
	assert.Empty(t, second.Removed)
	assert.False(t, second.HasChanges())
}

func TestCompareRemovedOnlyOnFullSnapshot(t *testing.T) {
	e := newTestEngine()
	active := asMap(priced("1", 5000), priced("2", 3000))

	// Early-stopped run: absence proves nothing, nothing is removed.
	partial := e.Compare(active, asMap(priced("1", 5000)), false)
	assert.Empty(t, partial.Removed)
	assert.Len(t, active, 2)

	// Full run: the absent listing is removed and hard-deleted.
	full := e.Compare(active, asMap(priced("1", 5000)), true)
	require.Len(t, full.Removed, 1)
	assert.Equal(t, "2", full.Removed[0].ID)
	assert.NotContains(t, active, "2")
}

func TestCompareNullPriceSuppressed(t *testing.T) {
	e := newTestEngine()

	t.Run("priced to unpriced", func(t *testing.T) {
		active := asMap(priced("1", 5000))
		res := e.Compare(active, asMap(unpriced("1")), true)

		assert.Empty(t, res.PriceChanges)
		// The stored price survives the gap.
		require.NotNil(t, active["1"].Price)
		assert.Equal(t, 5000, *active["1"].Price)
	})

	t.Run("unpriced to priced", func(t *testing.T) {
		active := asMap(unpriced("1"))
		res := e.Compare(active, asMap(priced("1", 4500)), true)

		assert.Empty(t, res.PriceChanges)
		require.NotNil(t, active["1"].Price)
		assert.Equal(t, 4500, *active["1"].Price)
	})
}

func TestCompareAdvancesLastSeenAt(t *testing.T) {
	e := newTestEngine()
	old := testNow.Add(-48 * time.Hour)

	prior := priced("1", 5000)
	prior.FirstSeenAt = old
	prior.LastSeenAt = old
	active := asMap(prior)

	res := e.Compare(active, asMap(priced("1", 5000)), true)
	assert.False(t, res.HasChanges())
	assert.Equal(t, old, active["1"].FirstSeenAt)
	assert.Equal(t, testNow, active["1"].LastSeenAt)
}

// TestComparePartition checks that every previously active id is accounted
// for exactly once: either still present after the run or classified removed.
func TestComparePartition(t *testing.T) {
	e := newTestEngine()
	active := asMap(priced("a", 1), priced("b", 2), priced("c", 3), priced("d", 4))
	fresh := asMap(priced("b", 2), priced("c", 5), priced("e", 9))

	res := e.Compare(active, fresh, true)

	require.Len(t, res.New, 1)
	assert.Equal(t, "e", res.New[0].ID)

	removed := map[string]bool{}
	for _, r := range res.Removed {
		removed[r.ID] = true
	}
	for _, id := range []string{"a", "d"} {
		assert.True(t, removed[id])
		assert.NotContains(t, active, id)
	}
	for _, id := range []string{"b", "c", "e"} {
		assert.Contains(t, active, id)
		assert.False(t, removed[id])
	}
	assert.Len(t, active, 3)
}
