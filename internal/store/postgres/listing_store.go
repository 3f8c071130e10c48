package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baraktamir/yadwatch/internal/domain"
)

// ListingStore implements domain.ListingStore using PostgreSQL. Removal is a
// soft delete: the row stays with active = FALSE so analytics can still see
// listings that left the market.
type ListingStore struct {
	pool *pgxpool.Pool
}

// NewListingStore creates a ListingStore backed by the given connection pool.
func NewListingStore(pool *pgxpool.Pool) *ListingStore {
	return &ListingStore{pool: pool}
}

const upsertListingQuery = `
	INSERT INTO listings (
		id, title, price, price_text, location, street_address,
		item_info, link, source_updated_at, first_seen_at, last_seen_at, active
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10, $11, TRUE
	)
	ON CONFLICT (id) DO UPDATE SET
		title             = EXCLUDED.title,
		price             = EXCLUDED.price,
		price_text        = EXCLUDED.price_text,
		location          = EXCLUDED.location,
		street_address    = EXCLUDED.street_address,
		item_info         = EXCLUDED.item_info,
		link              = EXCLUDED.link,
		source_updated_at = EXCLUDED.source_updated_at,
		last_seen_at      = EXCLUDED.last_seen_at,
		active            = TRUE`

// LoadActive returns every active listing keyed by id.
func (s *ListingStore) LoadActive(ctx context.Context) (map[string]domain.Listing, error) {
	const query = `
		SELECT id, title, price, price_text, location, street_address,
		       item_info, link, source_updated_at, first_seen_at, last_seen_at, active
		FROM listings
		WHERE active = TRUE`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: load active listings: %w", err)
	}
	defer rows.Close()

	listings := make(map[string]domain.Listing)
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan listing: %w", err)
		}
		listings[l.ID] = l
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate listings: %w", err)
	}
	return listings, nil
}

// Upsert inserts or updates a single listing and reports whether the row was
// newly created.
func (s *ListingStore) Upsert(ctx context.Context, l domain.Listing) (string, bool, error) {
	const query = upsertListingQuery + `
	RETURNING (xmax = 0)`

	var wasNew bool
	err := s.pool.QueryRow(ctx, query,
		l.ID, l.Title, l.Price, l.PriceText, l.Location, l.StreetAddress,
		l.ItemInfo, l.Link, l.SourceUpdatedAt, l.FirstSeenAt, l.LastSeenAt,
	).Scan(&wasNew)
	if err != nil {
		return "", false, fmt.Errorf("postgres: upsert listing %s: %w", l.ID, err)
	}
	return l.ID, wasNew, nil
}

// UpsertBatch inserts or updates multiple listings in one round trip.
func (s *ListingStore) UpsertBatch(ctx context.Context, listings []domain.Listing) error {
	if len(listings) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, l := range listings {
		batch.Queue(upsertListingQuery,
			l.ID, l.Title, l.Price, l.PriceText, l.Location, l.StreetAddress,
			l.ItemInfo, l.Link, l.SourceUpdatedAt, l.FirstSeenAt, l.LastSeenAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range listings {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert listing batch item %d: %w", i, err)
		}
	}
	return nil
}

// MarkInactive flips every active listing not in keep to inactive and returns
// the affected ids.
func (s *ListingStore) MarkInactive(ctx context.Context, keep map[string]bool) ([]string, error) {
	ids := make([]string, 0, len(keep))
	for id := range keep {
		ids = append(ids, id)
	}

	const query = `
		UPDATE listings
		SET active = FALSE
		WHERE active = TRUE AND NOT (id = ANY($1))
		RETURNING id`

	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: mark inactive: %w", err)
	}
	defer rows.Close()

	var removed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan removed id: %w", err)
		}
		removed = append(removed, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate removed ids: %w", err)
	}
	return removed, nil
}

// AppendPrice records one price observation and prunes the listing's history
// beyond the retention cap, dropping the oldest points first.
func (s *ListingStore) AppendPrice(ctx context.Context, id string, price int, at time.Time) error {
	const insert = `
		INSERT INTO price_history (listing_id, price, recorded_at)
		VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, insert, id, price, at); err != nil {
		return fmt.Errorf("postgres: append price for %s: %w", id, err)
	}

	const prune = `
		DELETE FROM price_history
		WHERE listing_id = $1 AND id NOT IN (
			SELECT id FROM price_history
			WHERE listing_id = $1
			ORDER BY recorded_at DESC, id DESC
			LIMIT $2
		)`
	if _, err := s.pool.Exec(ctx, prune, id, domain.MaxPricePoints); err != nil {
		return fmt.Errorf("postgres: prune price history for %s: %w", id, err)
	}
	return nil
}

// PriceHistory returns up to limit price points for a listing, oldest first.
func (s *ListingStore) PriceHistory(ctx context.Context, id string, limit int) ([]domain.PricePoint, error) {
	if limit <= 0 || limit > domain.MaxPricePoints {
		limit = domain.MaxPricePoints
	}

	const query = `
		SELECT listing_id, price, recorded_at
		FROM (
			SELECT id, listing_id, price, recorded_at
			FROM price_history
			WHERE listing_id = $1
			ORDER BY recorded_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY recorded_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, id, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: price history for %s: %w", id, err)
	}
	defer rows.Close()

	var points []domain.PricePoint
	for rows.Next() {
		var p domain.PricePoint
		if err := rows.Scan(&p.ListingID, &p.Price, &p.RecordedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan price point: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate price history: %w", err)
	}
	return points, nil
}

// CountActive returns the number of active listings.
func (s *ListingStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM listings WHERE active = TRUE`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count active listings: %w", err)
	}
	return n, nil
}

// Get returns one listing by id regardless of its active flag.
func (s *ListingStore) Get(ctx context.Context, id string) (domain.Listing, error) {
	const query = `
		SELECT id, title, price, price_text, location, street_address,
		       item_info, link, source_updated_at, first_seen_at, last_seen_at, active
		FROM listings
		WHERE id = $1`

	l, err := scanListing(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("postgres: get listing %s: %w", id, err)
	}
	return l, nil
}

func scanListing(row pgx.Row) (domain.Listing, error) {
	var l domain.Listing
	err := row.Scan(
		&l.ID, &l.Title, &l.Price, &l.PriceText, &l.Location, &l.StreetAddress,
		&l.ItemInfo, &l.Link, &l.SourceUpdatedAt, &l.FirstSeenAt, &l.LastSeenAt, &l.Active,
	)
	if err != nil {
		return domain.Listing{}, err
	}
	return l, nil
}
