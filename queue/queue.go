package queue

import (
	"cmp"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"
)

// WaterMark holds the backpressure thresholds, in pending entries.
type WaterMark struct {
	Low  int
	High int
}

// NewWaterMark derives the low mark as half of high, rounded up.
func NewWaterMark(high int) WaterMark {
	return WaterMark{Low: (high + 1) / 2, High: high}
}

// Validate checks 0 <= Low < High.
func (w WaterMark) Validate() error {
	if w.High <= 0 || w.Low < 0 || w.Low >= w.High {
		return fmt.Errorf("queue: invalid water mark low=%d high=%d", w.Low, w.High)
	}
	return nil
}

// Action persists a pending value.
type Action[V any] func(value V) error

type pending[V any] struct {
	value  V
	action Action[V]
}

// Queue defers and coalesces writes keyed by position and flushes them in
// ascending key order.
//
// Offering at a key with a pending entry replaces it. Once more than High
// entries are pending, producers block until a background consume brings the
// count to Low or below. Otherwise a single debounced flush is (re)scheduled
// after the write delay.
type Queue[K cmp.Ordered, V any] struct {
	name      string
	delay     time.Duration
	waterMark WaterMark
	scheduler Scheduler
	logf      func(format string, args ...any)

	mu      sync.Mutex
	drained *sync.Cond
	entries map[K]pending[V]
	timer   Timer
	closing bool
	closed  bool
	err     error

	consumeMu sync.Mutex
}

// Option configures a Queue.
type Option func(o *options)

type options struct {
	name      string
	scheduler Scheduler
	logf      func(format string, args ...any)
}

// WithName sets the name used in log messages.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithScheduler replaces the runtime timer scheduler.
func WithScheduler(s Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithLogf sets the log function.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(o *options) { o.logf = logf }
}

// New creates a queue flushing writeDelayed after the last offer.
func New[K cmp.Ordered, V any](writeDelayed time.Duration, waterMark WaterMark, opts ...Option) (*Queue[K, V], error) {
	if err := waterMark.Validate(); err != nil {
		return nil, err
	}
	o := &options{name: "queue", scheduler: DefaultScheduler, logf: log.Printf}
	for _, opt := range opts {
		opt(o)
	}
	q := &Queue[K, V]{
		name:      o.name,
		delay:     writeDelayed,
		waterMark: waterMark,
		scheduler: o.scheduler,
		logf:      o.logf,
		entries:   map[K]pending[V]{},
	}
	q.drained = sync.NewCond(&q.mu)
	return q, nil
}

// Len returns the pending entry count.
func (q *Queue[K, V]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Offer queues value at key, replacing any pending entry at the same key.
// Once Close has started the action runs synchronously, after the final drain.
func (q *Queue[K, V]) Offer(key K, value V, action Action[V]) error {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		q.consumeMu.Lock()
		defer q.consumeMu.Unlock()
		return action(value)
	}
	if q.err != nil {
		err := q.err
		q.mu.Unlock()
		return err
	}
	q.entries[key] = pending[V]{value: value, action: action}
	if len(q.entries) > q.waterMark.High {
		q.logf("%s: high water mark %d exceeded", q.name, q.waterMark.High)
		q.reschedule(0)
		for len(q.entries) > q.waterMark.Low && !q.closed && q.err == nil {
			q.drained.Wait()
		}
		err := q.err
		q.mu.Unlock()
		return err
	}
	q.reschedule(q.delay)
	q.mu.Unlock()
	return nil
}

// reschedule replaces the single pending flush timer; q.mu must be held.
func (q *Queue[K, V]) reschedule(delay time.Duration) {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = q.scheduler.Schedule(delay, q.consume)
}

// Remove drops a pending entry without flushing it.
func (q *Queue[K, V]) Remove(key K) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[key]
	delete(q.entries, key)
	if ok && len(q.entries) <= q.waterMark.Low {
		q.drained.Broadcast()
	}
	return ok
}

// Clear drops every pending entry and releases blocked producers.
func (q *Queue[K, V]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.entries)
	q.drained.Broadcast()
}

func (q *Queue[K, V]) consume() {
	_ = q.Flush()
}

// Flush synchronously drains every pending entry in ascending key order.
func (q *Queue[K, V]) Flush() error {
	q.consumeMu.Lock()
	defer q.consumeMu.Unlock()
	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			err := q.err
			q.drained.Broadcast()
			q.mu.Unlock()
			return err
		}
		keys := make([]K, 0, len(q.entries))
		for k := range q.entries {
			keys = append(keys, k)
		}
		q.mu.Unlock()
		slices.Sort(keys)
		for _, key := range keys {
			q.mu.Lock()
			entry, ok := q.entries[key]
			if !ok {
				q.mu.Unlock()
				continue
			}
			delete(q.entries, key)
			if len(q.entries) <= q.waterMark.Low {
				q.drained.Broadcast()
			}
			q.mu.Unlock()
			if err := entry.action(entry.value); err != nil {
				q.fail(fmt.Errorf("%s: flush %v: %w", q.name, key, err))
			}
		}
	}
}

func (q *Queue[K, V]) fail(err error) {
	q.logf("%v", err)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err == nil {
		q.err = err
	}
	q.drained.Broadcast()
}

// Err returns the first flush failure.
func (q *Queue[K, V]) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Close drains pending entries synchronously; offers made after Close starts
// run their action inline and never schedule a timer.
func (q *Queue[K, V]) Close() error {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return nil
	}
	q.closing = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()
	err := q.Flush()
	q.mu.Lock()
	q.closed = true
	q.drained.Broadcast()
	q.mu.Unlock()
	if err != nil {
		return errors.Join(ErrFlush, err)
	}
	return nil
}

// ErrFlush marks errors raised by deferred flush actions.
var ErrFlush = errors.New("queue: deferred flush failed")
