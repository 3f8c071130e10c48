package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baraktamir/yadwatch/internal/domain"
)

type fakeSender struct {
	name string
	mu   sync.Mutex
	sent []Message
	// errs is consumed one per call; nil entries mean success. After the
	// script runs out every call succeeds.
	errs []error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeSender) Send(ctx context.Context, msg Message) error {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) sentTitles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	titles := make([]string, len(f.sent))
	for i, m := range f.sent {
		titles[i] = m.Title
	}
	return titles
}

func newTestDispatcher(senders []Sender, workers int) *Dispatcher {
	return NewDispatcher(senders, DispatcherConfig{
		Workers:    workers,
		SendPacing: time.Millisecond,
		MaxRetries: 3,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func batch(n int) []Message {
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = Message{Title: fmt.Sprintf("msg-%d", i), Body: "body"}
	}
	return msgs
}

func TestDispatchDeliversWholeBatch(t *testing.T) {
	s := &fakeSender{name: "fake"}
	d := newTestDispatcher([]Sender{s}, 3)

	require.NoError(t, d.Dispatch(context.Background(), batch(10)))
	assert.Len(t, s.sentTitles(), 10)
	assert.False(t, d.Sequential())
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	s := &fakeSender{name: "fake"}
	d := newTestDispatcher([]Sender{s}, 3)

	require.NoError(t, d.Dispatch(context.Background(), batch(30)))
	assert.LessOrEqual(t, s.maxInFlight.Load(), int32(3))
}

func TestDispatchRetriesTransientFailure(t *testing.T) {
	s := &fakeSender{name: "fake", errs: []error{errors.New("flaky"), nil}}
	d := newTestDispatcher([]Sender{s}, 1)

	require.NoError(t, d.Dispatch(context.Background(), batch(1)))
	assert.Len(t, s.sentTitles(), 1)
}

func TestDispatchHonorsRetryAfter(t *testing.T) {
	s := &fakeSender{name: "fake", errs: []error{&RetryAfterError{After: 20 * time.Millisecond}, nil}}
	d := newTestDispatcher([]Sender{s}, 1)

	start := time.Now()
	require.NoError(t, d.Dispatch(context.Background(), batch(1)))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Len(t, s.sentTitles(), 1)
}

func TestDispatchFatalNotRetried(t *testing.T) {
	s := &fakeSender{name: "fake", errs: []error{fmt.Errorf("bad chat id: %w", ErrFatalSend), nil}}
	d := newTestDispatcher([]Sender{s}, 1)

	err := d.Dispatch(context.Background(), batch(1))
	require.Error(t, err)
	// The scripted success was never consumed: no retry happened.
	assert.Empty(t, s.sentTitles())
}

func TestDispatchFailureDoesNotAbortBatch(t *testing.T) {
	// First message fails on all three attempts, the rest go through.
	s := &fakeSender{name: "fake", errs: []error{
		fmt.Errorf("dead: %w", ErrFatalSend),
	}}
	d := newTestDispatcher([]Sender{s}, 1)

	err := d.Dispatch(context.Background(), batch(4))
	require.Error(t, err)
	assert.Len(t, s.sentTitles(), 3)
}

func TestDispatchSecondSenderCoversFailure(t *testing.T) {
	dead := &fakeSender{name: "dead", errs: []error{
		fmt.Errorf("gone: %w", ErrFatalSend),
	}}
	alive := &fakeSender{name: "alive"}
	d := newTestDispatcher([]Sender{dead, alive}, 1)

	// Delivered to at least one channel counts as delivered.
	require.NoError(t, d.Dispatch(context.Background(), batch(1)))
	assert.Len(t, alive.sentTitles(), 1)
}

func TestStickySequentialDowngrade(t *testing.T) {
	s := &fakeSender{name: "fake", errs: []error{
		fmt.Errorf("spawn: %w", domain.ErrPoolExhausted),
	}}
	d := newTestDispatcher([]Sender{s}, 3)

	// The resource failure downgrades the dispatcher and the batch is
	// retried sequentially.
	require.NoError(t, d.Dispatch(context.Background(), batch(5)))
	assert.True(t, d.Sequential())
	assert.Len(t, s.sentTitles(), 5)

	// The downgrade is sticky for subsequent batches.
	require.NoError(t, d.Dispatch(context.Background(), batch(2)))
	assert.True(t, d.Sequential())
	assert.Len(t, s.sentTitles(), 7)
}

func TestOrdinaryFailureDoesNotDowngrade(t *testing.T) {
	s := &fakeSender{name: "fake", errs: []error{
		fmt.Errorf("broken: %w", ErrFatalSend),
	}}
	d := newTestDispatcher([]Sender{s}, 3)

	err := d.Dispatch(context.Background(), batch(3))
	require.Error(t, err)
	assert.False(t, d.Sequential())
}

func TestDispatchEmptyBatch(t *testing.T) {
	d := newTestDispatcher(nil, 3)
	assert.NoError(t, d.Dispatch(context.Background(), batch(3)))
	assert.NoError(t, d.Dispatch(context.Background(), nil))
}
