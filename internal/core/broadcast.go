package core

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer is the per-subscriber event buffer.
const DefaultSubscriberBuffer = 64

// ErrBroadcasterClosed is returned by Subscribe after Close.
var ErrBroadcasterClosed = errors.New("broadcaster is closed")

// Broadcaster fans string events out to every live subscriber. There is no
// replay: a subscriber only sees events published after it subscribed.
//
// Each subscriber has a bounded buffer and publish order is delivery order.
// Publish never blocks: a subscriber whose buffer is full is evicted, so its
// channel closes after the events it already holds and it never observes a
// gap.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool

	published atomic.Int64
	evicted   atomic.Int64
}

// Subscription is one registered subscriber. Close it when the consumer
// goes away; Close is idempotent.
type Subscription struct {
	id      uint64
	ch      chan string
	b       *Broadcaster
	once    sync.Once
	evicted atomic.Bool
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broadcaster{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber.
func (b *Broadcaster) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBroadcasterClosed
	}
	b.nextID++
	sub := &Subscription{
		id: b.nextID,
		ch: make(chan string, b.buffer),
		b:  b,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Unsubscribe removes sub and closes its channel. Unknown or already removed
// subscriptions are ignored.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish delivers event to every current subscriber and returns how many
// received it. Subscribers that cannot take the event are evicted.
func (b *Broadcaster) Publish(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.published.Add(1)
	delivered := 0
	for id, sub := range b.subs {
		select {
		case sub.ch <- event:
			delivered++
		default:
			delete(b.subs, id)
			sub.evicted.Store(true)
			close(sub.ch)
			b.evicted.Add(1)
		}
	}
	return delivered
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// BroadcastStats is a snapshot of broadcaster counters.
type BroadcastStats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Evicted     int64 `json:"evicted"`
}

// Stats returns current counters for monitoring.
func (b *Broadcaster) Stats() BroadcastStats {
	return BroadcastStats{
		Subscribers: b.SubscriberCount(),
		Published:   b.published.Load(),
		Evicted:     b.evicted.Load(),
	}
}

// Close unsubscribes everyone and rejects new subscribers. Subscribers see
// their channel closed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Events returns the channel events arrive on. It closes when the
// subscription ends for any reason.
func (s *Subscription) Events() <-chan string { return s.ch }

// Evicted reports whether the subscription was closed for falling behind.
func (s *Subscription) Evicted() bool { return s.evicted.Load() }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.b.Unsubscribe(s) })
}

// Writer returns an io.Writer that publishes each complete line written to
// it as one event. Trailing carriage returns are stripped and empty lines
// are skipped.
func (b *Broadcaster) Writer() io.Writer {
	return &lineWriter{b: b}
}

type lineWriter struct {
	mu  sync.Mutex
	b   *Broadcaster
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(w.buf[:i], "\r")
		if len(line) > 0 {
			w.b.Publish(string(line))
		}
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}
