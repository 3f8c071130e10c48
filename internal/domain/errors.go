package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrRateLimited       = errors.New("rate limited by source")
	ErrBlocked           = errors.New("blocked by source anti-bot check")
	ErrNoContent         = errors.New("no content after retries")
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrContextDone       = errors.New("context cancelled")
	ErrPoolExhausted     = errors.New("worker pool resources exhausted")
)
