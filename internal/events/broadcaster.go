// Package events fans preview phase changes out to SSE subscribers.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fruitsalade/preview/internal/metrics"
)

const (
	EventDebouncing = "debouncing"
	EventFetching   = "fetching"
	EventRetrying   = "retrying"
	EventSettled    = "settled"
	EventFailed     = "failed"
)

// Buffer is the per-subscriber queue length.
const Buffer = 16

// Event is a preview phase transition.
type Event struct {
	Type      string `json:"type"`
	Version   uint64 `json:"version"`
	Key       string `json:"key,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	FileCount int    `json:"file_count,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher receives events.
type Publisher interface {
	Publish(Event)
}

// JSON serializes the event for an SSE data line.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// connections counts subscribers across every broadcaster.
var connections atomic.Int64

// Subscription is one subscriber's event stream. C is closed when the
// subscription or its broadcaster is closed.
type Subscription struct {
	C  <-chan Event
	ch chan Event
	b  *Broadcaster
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.remove(s.ch)
}

// Broadcaster publishes one session's phase changes. Only the newest
// phase matters to a subscriber, so a full queue drops its oldest event
// rather than the new one, and a new subscriber starts with the latest
// event already queued.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	last   *Event
	closed bool
	now    func() time.Time
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[chan Event]struct{}),
		now:  time.Now,
	}
}

// Subscribe registers a subscriber. The caller must Close the subscription.
// Subscribing to a closed broadcaster yields an already closed stream.
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan Event, Buffer)
	sub := &Subscription{C: ch, ch: ch, b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	if b.last != nil {
		ch <- *b.last
	}
	b.subs[ch] = struct{}{}
	metrics.SetSSEConnectionsActive(connections.Add(1))
	return sub
}

func (b *Broadcaster) remove(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
	metrics.SetSSEConnectionsActive(connections.Add(-1))
}

// Close ends every subscription. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	metrics.SetSSEConnectionsActive(connections.Add(int64(-len(b.subs))))
	b.subs = nil
}

// Publish queues the event for every subscriber without blocking.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = b.now().Unix()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.last = &event
	for ch := range b.subs {
		offer(ch, event)
	}
	metrics.RecordSSEEvent(event.Type)
}

// offer enqueues e, evicting the oldest queued event when ch is full.
// Callers hold b.mu, so no other sender races for the freed slot.
func offer(ch chan Event, e Event) {
	for {
		select {
		case ch <- e:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
