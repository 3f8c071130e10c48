package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baraktamir/yadwatch/internal/domain"
)

// HistoryStore implements domain.HistoryStore. The event log and the run
// watermark live in a small key-value state table; daily summaries get their
// own table so the dashboard can query them directly.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a HistoryStore backed by the given connection pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

const (
	stateKeyEvents    = "outcome_events"
	stateKeyWatermark = "run_watermark"
)

const upsertStateQuery = `
	INSERT INTO monitor_state (key, value, updated_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (key) DO UPDATE SET
		value      = EXCLUDED.value,
		updated_at = NOW()`

// LoadEvents returns the persisted outcome event log. A missing row yields an
// empty log; an unparseable payload is an error so the caller can decide to
// start fresh.
func (s *HistoryStore) LoadEvents(ctx context.Context) ([]domain.OutcomeEvent, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM monitor_state WHERE key = $1`, stateKeyEvents,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: load events: %w", err)
	}

	var events []domain.OutcomeEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("postgres: decode events: %w", err)
	}
	return events, nil
}

// SaveEvents persists the event log, truncating to the retention cap first.
func (s *HistoryStore) SaveEvents(ctx context.Context, events []domain.OutcomeEvent) error {
	if len(events) > domain.MaxOutcomeEvents {
		events = events[len(events)-domain.MaxOutcomeEvents:]
	}

	raw, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("postgres: encode events: %w", err)
	}
	if _, err := s.pool.Exec(ctx, upsertStateQuery, stateKeyEvents, raw); err != nil {
		return fmt.Errorf("postgres: save events: %w", err)
	}
	return nil
}

// RunWatermark returns the previous run's start timestamp in millis, with
// ok = false when no run has recorded one yet.
func (s *HistoryStore) RunWatermark(ctx context.Context) (int64, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM monitor_state WHERE key = $1`, stateKeyWatermark,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("postgres: load watermark: %w", err)
	}

	millis, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("postgres: decode watermark %q: %w", raw, err)
	}
	return millis, true, nil
}

// SetRunWatermark records the current run's start timestamp.
func (s *HistoryStore) SetRunWatermark(ctx context.Context, millis int64) error {
	raw := []byte(strconv.FormatInt(millis, 10))
	if _, err := s.pool.Exec(ctx, upsertStateQuery, stateKeyWatermark, raw); err != nil {
		return fmt.Errorf("postgres: set watermark: %w", err)
	}
	return nil
}

// AddDailySummary records one day's change counts, accumulating if the day
// already has a row.
func (s *HistoryStore) AddDailySummary(ctx context.Context, date string, newCount, drops, increases, removed int) error {
	const query = `
		INSERT INTO daily_summaries (summary_date, new_listings, price_drops, price_increases, removed)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (summary_date) DO UPDATE SET
			new_listings    = daily_summaries.new_listings + EXCLUDED.new_listings,
			price_drops     = daily_summaries.price_drops + EXCLUDED.price_drops,
			price_increases = daily_summaries.price_increases + EXCLUDED.price_increases,
			removed         = daily_summaries.removed + EXCLUDED.removed`

	if _, err := s.pool.Exec(ctx, query, date, newCount, drops, increases, removed); err != nil {
		return fmt.Errorf("postgres: add daily summary for %s: %w", date, err)
	}
	return nil
}
