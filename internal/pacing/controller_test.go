package pacing

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baraktamir/yadwatch/internal/domain"
)

type fakeHistoryStore struct {
	events    []domain.OutcomeEvent
	loadErr   error
	saveErr   error
	saved     []domain.OutcomeEvent
	saveCalls int
}

func (f *fakeHistoryStore) LoadEvents(ctx context.Context) ([]domain.OutcomeEvent, error) {
	return f.events, f.loadErr
}

func (f *fakeHistoryStore) SaveEvents(ctx context.Context, events []domain.OutcomeEvent) error {
	f.saveCalls++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append([]domain.OutcomeEvent(nil), events...)
	return nil
}

func (f *fakeHistoryStore) RunWatermark(ctx context.Context) (int64, bool, error) {
	return 0, false, nil
}

func (f *fakeHistoryStore) SetRunWatermark(ctx context.Context, millis int64) error {
	return nil
}

func (f *fakeHistoryStore) AddDailySummary(ctx context.Context, date string, newCount, drops, increases, removed int) error {
	return nil
}

func newTestController(t *testing.T, store domain.HistoryStore) *Controller {
	t.Helper()
	c := New(Config{}, store, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	c.now = func() time.Time {
		return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	}
	return c
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func record(c *Controller, kind domain.OutcomeKind, n int) {
	for i := 0; i < n; i++ {
		c.RecordOutcome(kind, nil)
	}
}

func TestReanalyzeInsufficientEvents(t *testing.T) {
	c := newTestController(t, &fakeHistoryStore{})

	record(c, domain.OutcomeSuccess, 4)
	c.Reanalyze()

	s := c.Strategy()
	assert.Equal(t, 1.0, s.DelayMultiplier)
	assert.Equal(t, "initial", s.Reason)
}

func TestReanalyzeLadder(t *testing.T) {
	tests := []struct {
		name       string
		success    int
		rateLimit  int
		errorCount int
		wantMult   float64
		wantReason string
	}{
		{
			name:       "high problem rate escalates hard",
			success:    6,
			rateLimit:  4,
			wantMult:   1.5,
			wantReason: "high problem rate",
		},
		{
			name:       "moderate problem rate escalates gently",
			success:    8,
			rateLimit:  2,
			wantMult:   1.2,
			wantReason: "moderate problem rate",
		},
		{
			name:       "transport failures are not problems",
			success:    8,
			errorCount: 2,
			wantMult:   1.0,
			wantReason: "maintaining strategy",
		},
		{
			name:       "healthy history optimizes down",
			success:    20,
			wantMult:   0.9,
			wantReason: "optimizing",
		},
		{
			name:       "middling history holds steady",
			success:    19,
			rateLimit:  1,
			wantMult:   1.0,
			wantReason: "maintaining strategy",
		},
	}

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	seed := func(kind domain.OutcomeKind, n int) []domain.OutcomeEvent {
		events := make([]domain.OutcomeEvent, 0, n)
		for i := 0; i < n; i++ {
			events = append(events, domain.NewOutcomeEvent(now.Add(-time.Duration(i)*time.Minute), kind, nil))
		}
		return events
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []domain.OutcomeEvent
			events = append(events, seed(domain.OutcomeSuccess, tt.success)...)
			events = append(events, seed(domain.OutcomeError, tt.errorCount)...)
			events = append(events, seed(domain.OutcomeRateLimit, tt.rateLimit)...)

			// Loading runs exactly one analysis pass over the seeded log.
			c := newTestController(t, &fakeHistoryStore{events: events})
			c.Load(context.Background())

			s := c.Strategy()
			assert.InDelta(t, tt.wantMult, s.DelayMultiplier, 1e-9)
			assert.Equal(t, tt.wantReason, s.Reason)
		})
	}
}

func TestReanalyzeRespectsBounds(t *testing.T) {
	c := newTestController(t, &fakeHistoryStore{})

	// Repeated problem bursts must never push past the hard ceiling.
	for i := 0; i < 10; i++ {
		record(c, domain.OutcomeBlock, 5)
		record(c, domain.OutcomeSuccess, 5)
	}
	assert.Equal(t, domain.MaxDelayMultiplier, c.Strategy().DelayMultiplier)
}

func TestReanalyzeFloor(t *testing.T) {
	c := newTestController(t, &fakeHistoryStore{})

	record(c, domain.OutcomeSuccess, 20)
	for i := 0; i < 30; i++ {
		c.Reanalyze()
	}
	assert.InDelta(t, domain.MinDelayMultiplier, c.Strategy().DelayMultiplier, 1e-9)
}

func TestRateSumProperty(t *testing.T) {
	c := newTestController(t, &fakeHistoryStore{})

	record(c, domain.OutcomeSuccess, 7)
	record(c, domain.OutcomeTimeout, 2)
	record(c, domain.OutcomeRateLimit, 1)
	c.Reanalyze()

	// Only rate limits and blocks count as problems; timeouts are plain
	// transport noise and affect neither rate.
	s := c.Strategy()
	assert.InDelta(t, 0.7, s.SuccessRate, 1e-9)
	assert.InDelta(t, 0.1, s.ProblemRate, 1e-9)
}

func TestProblemOutcomeTriggersImmediateReanalysis(t *testing.T) {
	c := newTestController(t, &fakeHistoryStore{})

	record(c, domain.OutcomeSuccess, 6)
	// The sixth-plus-one event is a block: enough recent samples exist, so
	// the strategy must move without waiting for a scheduled pass.
	c.RecordOutcome(domain.OutcomeBlock, map[string]string{"page": "3"})

	s := c.Strategy()
	assert.Greater(t, s.DelayMultiplier, 1.0)
	assert.NotEqual(t, "initial", s.Reason)
}

func TestRiskyHours(t *testing.T) {
	c := newTestController(t, &fakeHistoryStore{})

	at := func(hour int, kind domain.OutcomeKind) {
		c.now = func() time.Time {
			return time.Date(2026, 3, 14, hour, 0, 0, 0, time.UTC)
		}
		c.RecordOutcome(kind, nil)
	}

	// Hour 3: three samples, two problems -> risky.
	at(3, domain.OutcomeBlock)
	at(3, domain.OutcomeRateLimit)
	at(3, domain.OutcomeSuccess)
	// Hour 9: two problems but below the sample minimum.
	at(9, domain.OutcomeBlock)
	at(9, domain.OutcomeBlock)
	// Hour 15: plenty of samples, all clean.
	for i := 0; i < 5; i++ {
		at(15, domain.OutcomeSuccess)
	}

	c.Reanalyze()
	s := c.Strategy()
	assert.True(t, s.IsRiskyHour(3))
	assert.False(t, s.IsRiskyHour(9))
	assert.False(t, s.IsRiskyHour(15))
}

func TestDelaysStayInScaledRange(t *testing.T) {
	c := newTestController(t, &fakeHistoryStore{})
	c.strategy.DelayMultiplier = 2.0

	for i := 0; i < 200; i++ {
		d := c.PageDelay()
		assert.GreaterOrEqual(t, d, 10*time.Second)
		assert.LessOrEqual(t, d, 30*time.Second)
	}
}

func TestRiskyHourScalesDelays(t *testing.T) {
	c := newTestController(t, &fakeHistoryStore{})
	c.strategy.RiskyHours = map[int]bool{12: true}

	for i := 0; i < 200; i++ {
		d := c.PageDelay()
		assert.GreaterOrEqual(t, d, time.Duration(float64(5*time.Second)*1.5))
		assert.LessOrEqual(t, d, time.Duration(float64(15*time.Second)*1.5))
	}
}

func TestCooldownsGrowWithAttempts(t *testing.T) {
	c := newTestController(t, &fakeHistoryStore{})

	assert.Equal(t, 5*time.Minute, c.RateLimitCooldown(0))
	assert.Equal(t, 15*time.Minute, c.RateLimitCooldown(2))

	c.strategy.DelayMultiplier = 2.0
	assert.Equal(t, 10*time.Minute, c.RateLimitCooldown(0))

	b := c.BlockCooldown(1)
	assert.GreaterOrEqual(t, b, 4*time.Minute)
	assert.Less(t, b, 16*time.Minute)
}

func TestSaveTruncatesAndReturnsDropped(t *testing.T) {
	store := &fakeHistoryStore{}
	c := newTestController(t, store)

	record(c, domain.OutcomeSuccess, domain.MaxOutcomeEvents+25)

	dropped, err := c.Save(context.Background())
	require.NoError(t, err)
	assert.Len(t, dropped, 25)
	assert.Len(t, store.saved, domain.MaxOutcomeEvents)
}

func TestLoadRebuildsAggregates(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	var events []domain.OutcomeEvent
	for i := 0; i < 8; i++ {
		events = append(events, domain.NewOutcomeEvent(now.Add(-time.Duration(i)*time.Minute), domain.OutcomeSuccess, nil))
	}
	for i := 0; i < 4; i++ {
		events = append(events, domain.NewOutcomeEvent(now.Add(-time.Duration(i)*time.Hour), domain.OutcomeRateLimit, nil))
	}

	c := newTestController(t, &fakeHistoryStore{events: events})
	c.Load(context.Background())

	s := c.Strategy()
	assert.Equal(t, "high problem rate", s.Reason)
	assert.InDelta(t, 1.5, s.DelayMultiplier, 1e-9)
}

func TestLoadErrorStartsFresh(t *testing.T) {
	c := newTestController(t, &fakeHistoryStore{loadErr: errors.New("corrupt payload")})
	c.Load(context.Background())

	s := c.Strategy()
	assert.Equal(t, 1.0, s.DelayMultiplier)
	assert.Equal(t, "initial", s.Reason)
	assert.Equal(t, 0, c.RecentStats().Total())
}
