// Package bus implements the in-process event bus at the heart of the server.
// Every event that enters the system is assigned a sequence number here and
// fanned out synchronously to all current subscribers; a bounded ring retains
// recent history for replay.
package bus

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tannoyproject/tannoy/internal/common/util"
	"github.com/tannoyproject/tannoy/pkg/api"
)

// ListenerFunc receives every event published after the listener subscribed.
// Listeners are invoked synchronously on the publishing goroutine and must not
// block or call back into the bus; transports enqueue and return.
type ListenerFunc func(event api.Event)

// EventBus assigns sequence numbers, retains recent events in a bounded ring
// and delivers new events to subscribers.
//
// All ring and sequence state mutates only under mu, and fan-out happens on
// that same path, so subscribers observe events in publication order and a
// subscribe-then-replay handshake cannot miss events. The subscriber registry
// has its own lock so that a listener can unsubscribe itself (or another
// listener) from within a callback.
type EventBus struct {
	mu    sync.RWMutex
	seq   uint64
	ring  *Ring
	clock util.Clock

	listenersMu    sync.RWMutex
	listeners      map[int]ListenerFunc
	nextListenerId int

	publishedByType map[string]uint64
	listenerPanics  uint64
}

func NewEventBus(capacity int) (*EventBus, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("ring capacity must be positive, got %d", capacity)
	}
	return &EventBus{
		ring:            NewRing(capacity),
		clock:           &util.DefaultClock{},
		listeners:       map[int]ListenerFunc{},
		publishedByType: map[string]uint64{},
	}, nil
}

// Publish assigns the next sequence number to the event, appends it to the
// ring and invokes every current subscriber before returning. If the ring is
// full the oldest event is evicted; eviction is never an error. A panicking
// subscriber does not prevent delivery to the others.
func (b *EventBus) Publish(eventType string, payload interface{}, room string) (api.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return api.Event{}, errors.WithStack(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	event := api.Event{
		Seq:     b.seq,
		Type:    eventType,
		Time:    b.clock.Now().UTC(),
		Room:    room,
		Payload: data,
	}
	b.ring.Add(event)
	b.publishedByType[eventType]++

	for _, fn := range b.snapshotListeners() {
		b.invoke(fn, event)
	}
	return event, nil
}

// Subscribe registers fn to receive all events published from now on.
// The returned function removes the subscription; it is safe to call it
// multiple times, from any goroutine, including from inside a listener.
func (b *EventBus) Subscribe(fn ListenerFunc) func() {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()

	id := b.nextListenerId
	b.nextListenerId++
	b.listeners[id] = fn

	return func() {
		b.listenersMu.Lock()
		defer b.listenersMu.Unlock()
		delete(b.listeners, id)
	}
}

// ReplayAfter returns up to limit retained events with sequence numbers
// strictly greater than after. The second return value is true if the cursor
// points below the ring's retention window, i.e., events in the requested
// range were evicted and are gone for good.
func (b *EventBus) ReplayAfter(after uint64, limit int) ([]api.Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ring.After(after, limit)
}

// SubscribeAndReplay atomically registers fn and snapshots the events it will
// not receive live. Because publishing holds the write lock through fan-out,
// every event is either in the returned slice or delivered to fn, never both
// and never neither; replayed sequence numbers are all lower than anything fn
// will see.
func (b *EventBus) SubscribeAndReplay(fn ListenerFunc, after uint64, limit int) ([]api.Event, bool, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	events, gapped := b.ring.After(after, limit)
	unsubscribe := b.Subscribe(fn)
	return events, gapped, unsubscribe
}

// LatestSeq returns the sequence number of the most recently published event,
// or 0 if nothing has been published yet.
func (b *EventBus) LatestSeq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

func (b *EventBus) RingSize() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ring.Size()
}

func (b *EventBus) SubscriberCount() int {
	b.listenersMu.RLock()
	defer b.listenersMu.RUnlock()
	return len(b.listeners)
}

// PublishedByType returns a copy of the cumulative publish counts per event type.
func (b *EventBus) PublishedByType() map[string]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	counts := make(map[string]uint64, len(b.publishedByType))
	for eventType, count := range b.publishedByType {
		counts[eventType] = count
	}
	return counts
}

// ListenerPanics returns the cumulative number of recovered subscriber panics.
func (b *EventBus) ListenerPanics() uint64 {
	return atomic.LoadUint64(&b.listenerPanics)
}

func (b *EventBus) snapshotListeners() []ListenerFunc {
	b.listenersMu.RLock()
	defer b.listenersMu.RUnlock()
	listeners := make([]ListenerFunc, 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	return listeners
}

func (b *EventBus) invoke(fn ListenerFunc, event api.Event) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&b.listenerPanics, 1)
			log.Errorf("Event listener panicked on event %d (%s): %v", event.Seq, event.Type, r)
		}
	}()
	fn(event)
}
