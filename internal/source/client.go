// Package source fetches listing pages over HTTP. It owns user-agent
// rotation, the per-page retry policy, and the classification of failures
// into the outcome kinds that feed the pacing controller.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/baraktamir/yadwatch/internal/crawl"
	"github.com/baraktamir/yadwatch/internal/domain"
)

// maxBodyBytes caps how much of a response body is read into memory.
const maxBodyBytes = 8 << 20

// OutcomeRecorder receives one event per fetch attempt result.
type OutcomeRecorder interface {
	RecordOutcome(kind domain.OutcomeKind, detail map[string]string)
}

// Pacer supplies the controller-scaled pauses used between retries.
type Pacer interface {
	RetryBackoff(attempt int) time.Duration
	RateLimitCooldown(attempt int) time.Duration
	BlockCooldown(attempt int) time.Duration
}

// Extractor turns a raw response body into parsed listings plus the
// page-level modification timestamps found on it.
type Extractor interface {
	Extract(body []byte) ([]domain.Listing, []int64, error)
}

// BlockDetector reports whether a 200 response body is actually an anti-bot
// interstitial.
type BlockDetector func(body []byte) bool

// Config holds the fetch tunables.
type Config struct {
	SearchURL      string
	RequestTimeout time.Duration
	MaxRetries     int
	UserAgents     []string
}

// Client fetches one listings page at a time. It implements
// crawl.PageFetcher.
type Client struct {
	cfg       Config
	http      *http.Client
	extractor Extractor
	detector  BlockDetector
	pacer     Pacer
	outcomes  OutcomeRecorder
	logger    *slog.Logger
	rng       *rand.Rand
}

func NewClient(cfg Config, extractor Extractor, pacer Pacer, outcomes OutcomeRecorder, logger *slog.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultUserAgents()
	}
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.RequestTimeout},
		extractor: extractor,
		detector:  DefaultBlockDetector,
		pacer:     pacer,
		outcomes:  outcomes,
		logger:    logger.With(slog.String("component", "source")),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// FetchPage fetches and extracts one page, retrying transient failures with
// controller-scaled backoff. Rate limits trigger an extended cooldown before
// the retry; a detected block aborts immediately. Every attempt outcome is
// recorded.
func (c *Client) FetchPage(ctx context.Context, page int) (*crawl.Page, error) {
	pageURL, err := c.pageURL(page)
	if err != nil {
		return nil, fmt.Errorf("source: build page url: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.pacer.RetryBackoff(attempt-1)); err != nil {
				return nil, err
			}
		}

		p, err := c.fetchOnce(ctx, pageURL, page, attempt)
		if err == nil {
			return p, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, err
		}

		switch {
		case errors.Is(err, domain.ErrBlocked):
			// Blocks are not retried within a run. The cooldown and the
			// user-visible alert happen at the cycle level.
			return nil, err
		case errors.Is(err, errFatalClient):
			return nil, err
		case errors.Is(err, domain.ErrRateLimited):
			cooldown := c.pacer.RateLimitCooldown(attempt)
			c.logger.WarnContext(ctx, "rate limited, cooling down",
				slog.Int("page", page),
				slog.Int("attempt", attempt+1),
				slog.Duration("cooldown", cooldown),
			)
			if err := sleepCtx(ctx, cooldown); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("source: page %d failed after %d attempts: %w", page, c.cfg.MaxRetries, lastErr)
}

// errFatalClient marks a non-429 4xx response, which is never retried.
var errFatalClient = errors.New("source: client error")

func (c *Client) fetchOnce(ctx context.Context, pageURL string, page, attempt int) (*crawl.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("source: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgents[c.rng.Intn(len(c.cfg.UserAgents))])
	req.Header.Set("Accept", "text/html,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "he-IL,he;q=0.9,en;q=0.6")

	detail := map[string]string{
		"page":    strconv.Itoa(page),
		"attempt": strconv.Itoa(attempt + 1),
	}

	resp, err := c.http.Do(req)
	if err != nil {
		kind := classifyTransportError(err)
		detail["error"] = err.Error()
		c.outcomes.RecordOutcome(kind, detail)
		return nil, fmt.Errorf("source: fetch page %d: %w", page, err)
	}
	defer resp.Body.Close()

	detail["status"] = strconv.Itoa(resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.outcomes.RecordOutcome(domain.OutcomeRateLimit, detail)
		return nil, fmt.Errorf("source: page %d: %w", page, domain.ErrRateLimited)
	case resp.StatusCode >= 500:
		c.outcomes.RecordOutcome(domain.OutcomeError, detail)
		return nil, fmt.Errorf("source: page %d: server returned %d: %w", page, resp.StatusCode, domain.ErrSourceUnavailable)
	case resp.StatusCode >= 400:
		c.outcomes.RecordOutcome(domain.OutcomeError, detail)
		return nil, fmt.Errorf("source: page %d: status %d: %w", page, resp.StatusCode, errFatalClient)
	case resp.StatusCode != http.StatusOK:
		c.outcomes.RecordOutcome(domain.OutcomeError, detail)
		return nil, fmt.Errorf("source: page %d: unexpected status %d", page, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		detail["error"] = err.Error()
		c.outcomes.RecordOutcome(domain.OutcomeError, detail)
		return nil, fmt.Errorf("source: read page %d body: %w", page, err)
	}

	if c.detector != nil && c.detector(body) {
		c.outcomes.RecordOutcome(domain.OutcomeBlock, detail)
		return nil, fmt.Errorf("source: page %d: %w", page, domain.ErrBlocked)
	}

	items, stamps, err := c.extractor.Extract(body)
	if err != nil {
		detail["error"] = err.Error()
		c.outcomes.RecordOutcome(domain.OutcomeError, detail)
		return nil, fmt.Errorf("source: extract page %d: %w", page, err)
	}

	c.outcomes.RecordOutcome(domain.OutcomeSuccess, detail)
	return &crawl.Page{Items: items, Timestamps: stamps}, nil
}

// pageURL appends the page number to the configured search URL, preserving
// any existing query parameters.
func (c *Client) pageURL(page int) (string, error) {
	u, err := url.Parse(c.cfg.SearchURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func classifyTransportError(err error) domain.OutcomeKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.OutcomeTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.OutcomeTimeout
	}
	return domain.OutcomeError
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
