package events

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/metrics"
)

// ErrClosed is returned by Next after the subscription is removed.
var ErrClosed = errors.New("subscription closed")

// DefaultDepth is the per-subscriber queue capacity when none is given.
const DefaultDepth = 256

// Bus fans published events out to N independent subscribers. Each
// subscriber owns a bounded queue; a full queue drops the oldest
// undelivered event and the gap is announced to that subscriber with a
// STREAM_LAGGED marker. Publish never blocks.
//
// Publish order is the canonical order: every subscriber observes a suffix
// of it, possibly with announced gaps.
type Bus struct {
	mu    sync.Mutex
	subs  map[string]*Subscription
	depth int
}

// NewBus creates a bus whose subscribers buffer up to depth events.
func NewBus(depth int) *Bus {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Bus{
		subs:  make(map[string]*Subscription),
		depth: depth,
	}
}

// Subscribe registers a new subscriber and returns its pull handle.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		id:     uuid.New().String(),
		depth:  b.depth,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	metrics.SubscribersActive.Inc()
	return sub
}

// Unsubscribe removes a subscriber. Pending buffered events are discarded
// and any blocked Next call returns ErrClosed.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if !ok {
		return
	}

	sub.mu.Lock()
	sub.queue = nil
	sub.mu.Unlock()
	close(sub.done)
	metrics.SubscribersActive.Dec()
}

// Publish enqueues the event for every subscriber without blocking. Missing
// id and timestamp fields are filled in.
func (b *Bus) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Enqueueing under the bus lock gives all subscribers the same order.
	b.mu.Lock()
	for _, sub := range b.subs {
		sub.enqueue(event)
	}
	b.mu.Unlock()

	metrics.EventsPublishedTotal.WithLabelValues(string(event.Kind)).Inc()
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscription is one subscriber's pull handle.
type Subscription struct {
	id    string
	depth int

	mu     sync.Mutex
	queue  []*Event
	lagged uint64

	notify chan struct{}
	done   chan struct{}
}

// ID returns the subscription id used with Unsubscribe.
func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) enqueue(event *Event) {
	s.mu.Lock()
	if len(s.queue) >= s.depth {
		// Drop the oldest undelivered event; the marker delivered before
		// the remaining queue announces the gap.
		s.queue = s.queue[1:]
		s.lagged++
		metrics.EventsDroppedTotal.Inc()
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next event in publish order, blocking until one is
// available, the context is cancelled, or the subscription is closed. If
// events were dropped since the last call, a STREAM_LAGGED marker carrying
// the drop count is delivered first.
func (s *Subscription) Next(ctx context.Context) (*Event, error) {
	for {
		s.mu.Lock()
		if s.lagged > 0 {
			dropped := s.lagged
			s.lagged = 0
			s.mu.Unlock()
			return lagEvent(dropped), nil
		}
		if len(s.queue) > 0 {
			event := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return event, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrClosed
		}
	}
}

func lagEvent(dropped uint64) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Kind:      KindStreamLagged,
		Timestamp: time.Now().UTC(),
		Source:    "bus",
		Message:   "subscriber fell behind; oldest events dropped",
		Attributes: map[string]string{
			"dropped": strconv.FormatUint(dropped, 10),
		},
	}
}
