package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/baraktamir/yadwatch/internal/domain"
)

// ListingCache implements domain.SnapshotCache using JSON-serialized listings
// plus a set index of active ids. The monitor writes through after every run;
// dashboard readers get a consistent-as-of-last-run snapshot without touching
// PostgreSQL.
//
// Key schema:
//
//	listing:{id}    - JSON-encoded listing
//	listings:active - set of active listing ids
type ListingCache struct {
	rdb *redis.Client
}

// NewListingCache creates a ListingCache backed by the given Client.
func NewListingCache(c *Client) *ListingCache {
	return &ListingCache{rdb: c.Underlying()}
}

func listingKey(id string) string { return "listing:" + id }

const activeSetKey = "listings:active"

// PutListings stores the given listings and registers them in the active set.
func (lc *ListingCache) PutListings(ctx context.Context, listings []domain.Listing) error {
	if len(listings) == 0 {
		return nil
	}

	pipe := lc.rdb.TxPipeline()
	ids := make([]interface{}, 0, len(listings))
	for _, l := range listings {
		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("redis: marshal listing %s: %w", l.ID, err)
		}
		pipe.Set(ctx, listingKey(l.ID), data, 0)
		ids = append(ids, l.ID)
	}
	pipe.SAdd(ctx, activeSetKey, ids...)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put listings: %w", err)
	}
	return nil
}

// RemoveListings drops the given ids from the cache and the active set.
func (lc *ListingCache) RemoveListings(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pipe := lc.rdb.TxPipeline()
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		pipe.Del(ctx, listingKey(id))
		members[i] = id
	}
	pipe.SRem(ctx, activeSetKey, members...)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: remove listings: %w", err)
	}
	return nil
}

// GetListing returns one cached listing, or domain.ErrNotFound when the id is
// not cached.
func (lc *ListingCache) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	data, err := lc.rdb.Get(ctx, listingKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("redis: get listing %s: %w", id, err)
	}

	var l domain.Listing
	if err := json.Unmarshal(data, &l); err != nil {
		return domain.Listing{}, fmt.Errorf("redis: decode listing %s: %w", id, err)
	}
	return l, nil
}

// ActiveIDs returns the ids currently registered in the active set.
func (lc *ListingCache) ActiveIDs(ctx context.Context) ([]string, error) {
	ids, err := lc.rdb.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: active ids: %w", err)
	}
	return ids, nil
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*ListingCache)(nil)
