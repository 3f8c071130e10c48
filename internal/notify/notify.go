// Package notify delivers rendered notifications to one or more channels
// (Telegram, Discord). Dispatch runs through a bounded worker pool with a
// sticky sequential fallback, and each individual send carries its own retry
// policy.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is a fully rendered notification, self-contained so workers can
// deliver it without touching shared state.
type Message struct {
	Title string
	Body  string
}

// Sender is the interface each notification channel implements.
type Sender interface {
	// Send delivers one message. It returns a *RetryAfterError when the
	// channel asks to slow down, an error wrapping ErrFatalSend when the
	// message can never be delivered, and any other error for transient
	// failures.
	Send(ctx context.Context, msg Message) error
	// Name identifies the channel, e.g. "telegram".
	Name() string
}

// ErrFatalSend marks a permanently undeliverable message; the dispatcher
// does not retry these.
var ErrFatalSend = errors.New("notify: fatal send failure")

// RetryAfterError reports a channel-side rate limit along with how long the
// channel asked us to wait before retrying.
type RetryAfterError struct {
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("notify: rate limited, retry after %s", e.After)
}
