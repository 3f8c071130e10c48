package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/baraktamir/yadwatch/internal/domain"
)

// Dispatcher fans rendered messages out to every registered sender. Batches
// normally run through a bounded worker pool; if a batch fails for a resource
// reason the instance permanently downgrades to sequential delivery for the
// rest of the process lifetime.
type Dispatcher struct {
	senders    []Sender
	workers    int
	pacing     time.Duration
	maxRetries int
	logger     *slog.Logger

	mu         sync.Mutex
	sequential bool
}

// DispatcherConfig holds the dispatch tunables.
type DispatcherConfig struct {
	Workers    int
	SendPacing time.Duration
	MaxRetries int
}

func NewDispatcher(senders []Sender, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.SendPacing <= 0 {
		cfg.SendPacing = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Dispatcher{
		senders:    senders,
		workers:    cfg.Workers,
		pacing:     cfg.SendPacing,
		maxRetries: cfg.MaxRetries,
		logger:     logger.With(slog.String("component", "dispatcher")),
	}
}

// Sequential reports whether the instance has downgraded to sequential mode.
func (d *Dispatcher) Sequential() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sequential
}

// Dispatch delivers a batch of messages. Individual send failures are logged
// and collected; they never abort the rest of the batch. The returned error
// summarizes any messages that could not be delivered to any channel.
func (d *Dispatcher) Dispatch(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 || len(d.senders) == 0 {
		return nil
	}

	var errs []string
	if d.Sequential() {
		errs = d.dispatchSequential(ctx, msgs, nil)
	} else {
		delivered, parallelErrs, poolErr := d.dispatchParallel(ctx, msgs)
		errs = parallelErrs
		if poolErr != nil {
			// Sticky downgrade: once the pool fails for a resource reason we
			// never try parallel mode again in this process. Messages the
			// parallel attempt already delivered are not resent.
			d.mu.Lock()
			d.sequential = true
			d.mu.Unlock()
			d.logger.WarnContext(ctx, "worker pool exhausted, downgrading to sequential delivery",
				slog.String("error", poolErr.Error()),
			)
			errs = d.dispatchSequential(ctx, msgs, delivered)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d message(s) undelivered: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// dispatchParallel runs the batch through a bounded pool. Per-message send
// failures are collected, not returned; the error return is reserved for the
// resource-exhaustion class that triggers the downgrade decision.
func (d *Dispatcher) dispatchParallel(ctx context.Context, msgs []Message) ([]bool, []string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	delivered := make([]bool, len(msgs))
	var mu sync.Mutex
	var errs []string

	for i, msg := range msgs {
		g.Go(func() error {
			if err := d.sendWithRetry(gctx, msg); err != nil {
				if isResourceExhaustion(err) {
					return err
				}
				mu.Lock()
				errs = append(errs, fmt.Sprintf("%q: %v", msg.Title, err))
				mu.Unlock()
				return nil
			}
			delivered[i] = true
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return delivered, nil, err
	}
	return delivered, errs, nil
}

// dispatchSequential sends one message at a time with pacing in between.
// Entries flagged in skip were already delivered and are passed over.
func (d *Dispatcher) dispatchSequential(ctx context.Context, msgs []Message, skip []bool) []string {
	var errs []string
	sent := 0
	for i, msg := range msgs {
		if skip != nil && skip[i] {
			continue
		}
		if sent > 0 {
			if err := sleepCtx(ctx, d.pacing); err != nil {
				errs = append(errs, fmt.Sprintf("%q: %v", msg.Title, err))
				return errs
			}
		}
		sent++
		if err := d.sendWithRetry(ctx, msg); err != nil {
			errs = append(errs, fmt.Sprintf("%q: %v", msg.Title, err))
		}
	}
	return errs
}

// sendWithRetry delivers one message to every sender, retrying transient
// failures per sender and honoring channel Retry-After hints. The message
// counts as delivered if at least one sender accepted it.
func (d *Dispatcher) sendWithRetry(ctx context.Context, msg Message) error {
	delivered := 0
	var lastErr error

	for _, s := range d.senders {
		err := d.sendOne(ctx, s, msg)
		if err == nil {
			delivered++
			continue
		}
		if isResourceExhaustion(err) {
			return err
		}
		lastErr = err
		d.logger.ErrorContext(ctx, "sender failed",
			slog.String("sender", s.Name()),
			slog.String("title", msg.Title),
			slog.String("error", err.Error()),
		)
	}

	if delivered == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

func (d *Dispatcher) sendOne(ctx context.Context, s Sender, msg Message) error {
	var lastErr error
	for attempt := 0; attempt < d.maxRetries; attempt++ {
		err := s.Send(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrFatalSend) || isResourceExhaustion(err) || ctx.Err() != nil {
			return err
		}

		wait := time.Duration(attempt+1) * d.pacing
		var ra *RetryAfterError
		if errors.As(err, &ra) && ra.After > wait {
			wait = ra.After
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// isResourceExhaustion recognizes the narrow error class that justifies the
// sticky sequential downgrade. Arbitrary send failures must not trigger it.
func isResourceExhaustion(err error) bool {
	return errors.Is(err, domain.ErrPoolExhausted) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE)
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
