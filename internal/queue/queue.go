// Package queue serialises work per chat while capping how many agent turns
// run at once across all chats.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Defaults for the gateway's admission policy.
const (
	DefaultMaxConcurrent = 2
	DefaultRateLimit     = 10
	DefaultRateWindow    = time.Minute
)

// ChatKey is the queue key for a chat's interactive turns.
func ChatKey(chatID int64) string {
	return fmt.Sprintf("%d", chatID)
}

// TaskKey is the queue key for a chat's scheduled-task runs. Tasks share the
// global slots with interactive turns but never block behind them in the same
// per-key lane.
func TaskKey(chatID int64) string {
	return fmt.Sprintf("__task__%d", chatID)
}

// Queue runs submitted tasks one at a time per key, with at most
// maxConcurrent tasks running across all keys. Slots are granted in
// submission order, so a later submission never overtakes an earlier one.
type Queue struct {
	logger        *slog.Logger
	maxConcurrent int
	rateLimit     int
	rateWindow    time.Duration

	now func() time.Time

	mu       sync.Mutex
	tails    map[string]chan struct{}
	depth    map[string]int
	pending  []*waiter // submission order
	inFlight int

	rateMu sync.Mutex
	rate   map[int64][]time.Time
}

// waiter is one submission's place in the global slot queue. It is enqueued
// at Submit time and marked ready once its per-key predecessor has settled.
type waiter struct {
	ready bool
	grant chan struct{}
}

// New builds a queue. Zero or negative arguments fall back to the defaults.
func New(maxConcurrent, rateLimit int, rateWindow time.Duration, logger *slog.Logger) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if rateLimit <= 0 {
		rateLimit = DefaultRateLimit
	}
	if rateWindow <= 0 {
		rateWindow = DefaultRateWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger:        logger,
		maxConcurrent: maxConcurrent,
		rateLimit:     rateLimit,
		rateWindow:    rateWindow,
		now:           time.Now,
		tails:         make(map[string]chan struct{}),
		depth:         make(map[string]int),
		rate:          make(map[int64][]time.Time),
	}
}

// Allow records one message against the chat's sliding window and reports
// whether it fits. Rejected messages are not recorded, so a burst does not
// extend its own penalty.
func (q *Queue) Allow(chatID int64) bool {
	q.rateMu.Lock()
	defer q.rateMu.Unlock()

	kept := q.pruneWindowLocked(chatID)
	if len(kept) >= q.rateLimit {
		return false
	}
	q.rate[chatID] = append(kept, q.now())
	return true
}

// Probe reports whether the chat is under its window without recording
// anything. Command handlers use it so a run of commands cannot consume the
// budget reserved for turns.
func (q *Queue) Probe(chatID int64) bool {
	q.rateMu.Lock()
	defer q.rateMu.Unlock()
	return len(q.pruneWindowLocked(chatID)) < q.rateLimit
}

// pruneWindowLocked drops expired entries and returns what remains. Called
// with rateMu held.
func (q *Queue) pruneWindowLocked(chatID int64) []time.Time {
	cutoff := q.now().Add(-q.rateWindow)
	kept := q.rate[chatID][:0]
	for _, ts := range q.rate[chatID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	q.rate[chatID] = kept
	return kept
}

// RetryAfter reports how long until the chat's oldest in-window message
// expires. Zero when the chat is under the limit.
func (q *Queue) RetryAfter(chatID int64) time.Duration {
	q.rateMu.Lock()
	defer q.rateMu.Unlock()

	cutoff := q.now().Add(-q.rateWindow)
	var oldest time.Time
	n := 0
	for _, ts := range q.rate[chatID] {
		if ts.After(cutoff) {
			if n == 0 {
				oldest = ts
			}
			n++
		}
	}
	if n < q.rateLimit {
		return 0
	}
	return oldest.Add(q.rateWindow).Sub(q.now())
}

// Submit enqueues task behind the key's previous submission and returns
// immediately. The task waits for its predecessor, then for a global slot,
// then runs. Its place in the slot queue is fixed here, before the goroutine
// spawns, so cross-key ordering follows submission order. A cancelled ctx
// abandons the task at whichever stage it is waiting in; a panic inside the
// task is logged and the slot is still released.
func (q *Queue) Submit(ctx context.Context, key string, task func(context.Context)) {
	q.mu.Lock()
	prev := q.tails[key]
	done := make(chan struct{})
	q.tails[key] = done
	q.depth[key]++
	w := &waiter{grant: make(chan struct{})}
	q.pending = append(q.pending, w)
	q.mu.Unlock()

	go func() {
		defer func() {
			q.mu.Lock()
			q.depth[key]--
			if q.depth[key] <= 0 {
				delete(q.depth, key)
			}
			if q.tails[key] == done {
				delete(q.tails, key)
			}
			q.mu.Unlock()
			close(done)
		}()

		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				q.abandon(w)
				return
			}
		}
		if err := q.acquire(ctx, w); err != nil {
			return
		}
		defer q.release()
		defer func() {
			if r := recover(); r != nil {
				q.logger.Error("queued task panicked", "key", key, "panic", r)
			}
		}()
		task(ctx)
	}()
}

// Depth reports how many submissions are pending or running for the key.
func (q *Queue) Depth(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth[key]
}

// InFlight reports how many tasks currently hold a global slot.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// acquire marks the waiter ready and blocks until its grant. Grants go out
// strictly head-first, so a ready waiter behind a not-yet-ready one waits
// for it rather than stealing the slot.
func (q *Queue) acquire(ctx context.Context, w *waiter) error {
	q.mu.Lock()
	w.ready = true
	q.dispatchLocked()
	q.mu.Unlock()

	select {
	case <-w.grant:
		return nil
	case <-ctx.Done():
		if q.abandon(w) {
			return ctx.Err()
		}
		// The grant raced the cancellation: the slot is ours, hand it back.
		q.release()
		return ctx.Err()
	}
}

// abandon removes a waiter that will never take a slot. Reports false when
// the waiter was already granted.
func (q *Queue) abandon(w *waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pending {
		if p == w {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.dispatchLocked()
			return true
		}
	}
	return false
}

// release frees the slot and re-runs dispatch.
func (q *Queue) release() {
	q.mu.Lock()
	q.inFlight--
	q.dispatchLocked()
	q.mu.Unlock()
}

// dispatchLocked grants slots to the queue head while capacity lasts. Called
// with q.mu held.
func (q *Queue) dispatchLocked() {
	for q.inFlight < q.maxConcurrent && len(q.pending) > 0 && q.pending[0].ready {
		w := q.pending[0]
		q.pending = q.pending[1:]
		q.inFlight++
		close(w.grant)
	}
}
