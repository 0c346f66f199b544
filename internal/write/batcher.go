// Package write coalesces concurrent shade position writes into debounced,
// size-bounded batches and dispatches them to the controller.
package write

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"crestron2mqtt/internal/crestron"
)

const (
	// DefaultDebounce is the window in which concurrent writes coalesce
	// into one controller request.
	DefaultDebounce = 100 * time.Millisecond

	// DefaultMaxItems is the controller's per-request item limit; reaching
	// it forces an immediate flush.
	DefaultMaxItems = 16
)

// ErrShutdown rejects enqueues after Shutdown has been called.
var ErrShutdown = errors.New("write: batcher is shut down")

// Writer is the controller-facing half of the batcher.
type Writer interface {
	SetShadePositions(ctx context.Context, items []crestron.PositionWrite) (crestron.CommandResponse, error)
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithDebounce overrides the debounce window. Zero dispatches immediately.
func WithDebounce(d time.Duration) Option {
	return func(b *Batcher) { b.debounce = d }
}

// WithMaxItems overrides the per-request item limit.
func WithMaxItems(n int) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.maxItems = n
		}
	}
}

// WithOnSuccess installs a hook invoked after every accepted controller send.
func WithOnSuccess(hook func()) Option {
	return func(b *Batcher) { b.onSuccess = hook }
}

// WithOnFlush installs a hook invoked with each dispatched payload and the
// controller's overall status ("" when the transport call failed).
func WithOnFlush(hook func(items []crestron.PositionWrite, status string)) Option {
	return func(b *Batcher) { b.onFlush = hook }
}

// Batcher deduplicates and batches shade writes. Per shade the lifecycle is
// queued -> in-flight -> resolved|failed; re-enqueueing a queued shade
// replaces its position (last writer wins) and joins the existing waiters.
type Batcher struct {
	writer    Writer
	debounce  time.Duration
	maxItems  int
	onSuccess func()
	onFlush   func(items []crestron.PositionWrite, status string)

	mu      sync.Mutex
	queue   map[string]int
	order   []string
	waiters map[string][]chan error
	timer   *time.Timer
	closed  bool

	// flushLock serializes flushes: the queue and its waiters are swapped
	// out atomically when a flush starts, so enqueues during an in-flight
	// send open a fresh window.
	flushLock sync.Mutex
}

func NewBatcher(writer Writer, opts ...Option) *Batcher {
	b := &Batcher{
		writer:   writer,
		debounce: DefaultDebounce,
		maxItems: DefaultMaxItems,
		queue:    map[string]int{},
		waiters:  map[string][]chan error{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue registers a raw-position write for a shade and blocks until the
// batch containing the shade's latest request is acknowledged or fails.
func (b *Batcher) Enqueue(ctx context.Context, shadeID string, position int) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrShutdown
	}

	if _, queued := b.queue[shadeID]; !queued {
		b.order = append(b.order, shadeID)
	}
	b.queue[shadeID] = position

	done := make(chan error, 1)
	b.waiters[shadeID] = append(b.waiters[shadeID], done)

	if len(b.queue) >= b.maxItems {
		b.stopTimerLocked()
		go b.flush(context.Background())
	} else {
		b.scheduleTimerLocked()
	}
	b.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush forces immediate dispatch of anything queued.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	b.stopTimerLocked()
	b.mu.Unlock()
	b.flush(ctx)
}

// Shutdown disables further enqueues, drains the queue with one final flush
// and waits for any in-flight dispatch to finish.
func (b *Batcher) Shutdown(ctx context.Context) {
	b.mu.Lock()
	b.closed = true
	b.stopTimerLocked()
	b.mu.Unlock()
	b.flush(ctx)
}

func (b *Batcher) scheduleTimerLocked() {
	if b.debounce <= 0 {
		go b.flush(context.Background())
		return
	}
	if b.timer != nil {
		return
	}
	b.timer = time.AfterFunc(b.debounce, func() {
		b.flush(context.Background())
	})
}

func (b *Batcher) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Batcher) flush(ctx context.Context) {
	// single-flight: concurrent flush attempts wait here; whatever queued
	// while a send was in flight becomes the next batch
	b.flushLock.Lock()
	defer b.flushLock.Unlock()

	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}
	queue := b.queue
	order := b.order
	waiters := b.waiters
	b.queue = map[string]int{}
	b.order = nil
	b.waiters = map[string][]chan error{}
	b.stopTimerLocked()
	b.mu.Unlock()

	items := make([]crestron.PositionWrite, 0, len(order))
	for _, shadeID := range order {
		items = append(items, crestron.PositionWrite{ID: shadeID, Position: queue[shadeID]})
	}

	for start := 0; start < len(items); start += b.maxItems {
		end := start + b.maxItems
		if end > len(items) {
			end = len(items)
		}
		b.dispatch(ctx, items[start:end], waiters)
	}
}

func (b *Batcher) dispatch(ctx context.Context, items []crestron.PositionWrite, waiters map[string][]chan error) {
	logrus.Debugf("write: dispatching %d shade position(s)", len(items))

	response, err := b.writer.SetShadePositions(ctx, items)
	if err != nil {
		logrus.Errorf("write: batch send failed: %s", err)
		failure := errors.Wrap(err, "failed to send shade command")
		for _, item := range items {
			rejectWaiters(waiters[item.ID], failure)
		}
		if b.onFlush != nil {
			b.onFlush(items, "")
		}
		return
	}

	if b.onSuccess != nil {
		b.onSuccess()
	}
	if b.onFlush != nil {
		b.onFlush(items, response.Status)
	}

	defaultStatus := response.Status
	if defaultStatus == crestron.StatusSuccess || defaultStatus == crestron.StatusPartial {
		defaultStatus = crestron.StatusSuccess
	}

	var failed []string
	for _, item := range items {
		result, ok := response.Results[item.ID]
		if !ok {
			result = crestron.CommandResult{Status: defaultStatus}
		}

		if result.Status != crestron.StatusSuccess {
			reason := result.Message
			if reason == "" {
				reason = result.Status
			}
			failed = append(failed, item.ID+" ("+reason+")")
			rejectWaiters(waiters[item.ID], errors.Errorf("shade %s command failed: %s", item.ID, reason))
			continue
		}
		resolveWaiters(waiters[item.ID])
	}

	if len(failed) > 0 {
		logrus.Warnf("write: partial shade write failure for: %s", strings.Join(failed, ", "))
	}
}

func rejectWaiters(chans []chan error, err error) {
	for _, done := range chans {
		done <- err
	}
}

func resolveWaiters(chans []chan error) {
	for _, done := range chans {
		done <- nil
	}
}
