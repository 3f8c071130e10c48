package domain

import "time"

// OutcomeKind classifies the result of one fetch attempt against the source.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeRateLimit OutcomeKind = "rate_limit"
	OutcomeBlock     OutcomeKind = "block"
	OutcomeTimeout   OutcomeKind = "timeout"
	OutcomeError     OutcomeKind = "error"
)

// OutcomeKinds lists every kind, in a stable order, for aggregate reporting.
var OutcomeKinds = []OutcomeKind{
	OutcomeSuccess, OutcomeRateLimit, OutcomeBlock, OutcomeTimeout, OutcomeError,
}

// OutcomeEvent is one immutable entry in the crawl outcome log.
type OutcomeEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Hour      int               `json:"hour"`    // 0-23, local time of the observation
	Weekday   time.Weekday      `json:"weekday"` // derived from Timestamp
	Kind      OutcomeKind       `json:"kind"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// NewOutcomeEvent builds an event stamped at now with the hour and weekday
// buckets precomputed.
func NewOutcomeEvent(now time.Time, kind OutcomeKind, detail map[string]string) OutcomeEvent {
	return OutcomeEvent{
		Timestamp: now,
		Hour:      now.Hour(),
		Weekday:   now.Weekday(),
		Kind:      kind,
		Detail:    detail,
	}
}

// IsProblem reports whether the event kind indicates the source is pushing
// back (rate limiting or blocking), as opposed to ordinary transport failure.
func (e OutcomeEvent) IsProblem() bool {
	return e.Kind == OutcomeRateLimit || e.Kind == OutcomeBlock
}

// KindCounts accumulates per-kind event counts for a daily or hourly bucket.
type KindCounts struct {
	Success   int `json:"success"`
	RateLimit int `json:"rate_limit"`
	Block     int `json:"block"`
	Timeout   int `json:"timeout"`
	Error     int `json:"error"`
}

// Observe increments the counter for the given kind. Unknown kinds count as
// errors so a corrupt log entry cannot silently vanish from the totals.
func (c *KindCounts) Observe(kind OutcomeKind) {
	switch kind {
	case OutcomeSuccess:
		c.Success++
	case OutcomeRateLimit:
		c.RateLimit++
	case OutcomeBlock:
		c.Block++
	case OutcomeTimeout:
		c.Timeout++
	default:
		c.Error++
	}
}

// Total returns the number of observations in the bucket.
func (c KindCounts) Total() int {
	return c.Success + c.RateLimit + c.Block + c.Timeout + c.Error
}

// Problems returns the count of rate-limit and block observations.
func (c KindCounts) Problems() int {
	return c.RateLimit + c.Block
}

// MaxOutcomeEvents caps the persisted outcome log; only the most recent
// events are retained on save.
const MaxOutcomeEvents = 1000
