package source

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/baraktamir/yadwatch/internal/domain"
)

// FeedExtractor parses the source's JSON feed payload into listings. It is
// the default Extractor; an HTML scraper can be plugged in behind the same
// interface without touching the fetch or crawl layers.
type FeedExtractor struct {
	// LinkBase is prepended to an item token to form the public listing URL.
	LinkBase string
}

type feedPayload struct {
	Data struct {
		Feed struct {
			Items []feedItem `json:"feed_items"`
		} `json:"feed"`
	} `json:"data"`
}

type feedItem struct {
	Token     string          `json:"token"`
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Price     json.RawMessage `json:"price"`
	Street    string          `json:"street"`
	City      string          `json:"city"`
	InfoText  string          `json:"info_text"`
	UpdatedAt *int64          `json:"updated_at"`
	Type      string          `json:"type"`
}

// Extract implements Extractor. Promoted rows ("ad" type) contribute their
// timestamp to the page-level set but are not tracked as listings.
func (e *FeedExtractor) Extract(body []byte) ([]domain.Listing, []int64, error) {
	var payload feedPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, nil, fmt.Errorf("source: decode feed: %w", err)
	}

	now := time.Now()
	var listings []domain.Listing
	var stamps []int64

	for _, it := range payload.Data.Feed.Items {
		if it.UpdatedAt != nil {
			stamps = append(stamps, *it.UpdatedAt)
		}
		if it.Type == "ad" {
			continue
		}

		id := it.Token
		if id == "" {
			id = it.ID
		}
		if id == "" {
			continue
		}

		price, priceText := parsePrice(it.Price)
		listings = append(listings, domain.Listing{
			ID:              id,
			Title:           normalizeSpace(it.Title),
			Price:           price,
			PriceText:       priceText,
			Location:        normalizeSpace(it.City),
			StreetAddress:   normalizeSpace(it.Street),
			ItemInfo:        normalizeSpace(it.InfoText),
			Link:            e.LinkBase + id,
			SourceUpdatedAt: it.UpdatedAt,
			FirstSeenAt:     now,
			LastSeenAt:      now,
			Active:          true,
		})
	}

	return listings, stamps, nil
}

// parsePrice accepts either a bare number or a formatted string such as
// "5,200 ₪". A missing or non-numeric price yields a nil price with the raw
// text preserved.
func parsePrice(raw json.RawMessage) (*int, string) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ""
	}

	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return &n, strconv.Itoa(n)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, ""
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if digits == "" {
		return nil, strings.TrimSpace(s)
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return nil, strings.TrimSpace(s)
	}
	return &n, strings.TrimSpace(s)
}
