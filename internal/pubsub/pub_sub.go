// Package pubsub implements a small type-safe publish/subscribe broker used
// to fan out state-change notifications (ISR changes, role transitions) to
// listeners without letting a slow listener block the caller that produced
// the event.
package pubsub

import (
	"log"
	"sync"
	"sync/atomic"
)

// EventType identifies the kind of event being published.
type EventType int

// SubscriptionOptions configures the delivery behavior of a subscription.
type SubscriptionOptions struct {
	// IsBlocking, if true, blocks Publish until this subscriber's channel can
	// accept the event. Should generally be false so one slow listener can
	// never stall the broker's single delivery goroutine.
	IsBlocking bool
}

// SubscriberID uniquely identifies a subscription so it can be revoked.
type SubscriberID uint64

var nextSubscriberID uint64

// Event carries a typed payload for a given EventType.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{Type: eventType, Payload: payload}
}

// subscriber is the type-erased storage form of a Subscribe[T] call: the
// send/close closures capture the concrete typed channel so a single map can
// hold subscribers of many different payload types.
type subscriber struct {
	sendFunc   func(eventType EventType, payload any) bool
	closeFunc  func()
	Options    SubscriptionOptions
	NumDropped uint64
}

// Broker is a thread-safe, ordered publish/subscribe hub. Delivery happens
// on a single dedicated goroutine so that listener order always matches
// publish order and a blocked listener cannot reorder or drop unrelated
// events for other listeners.
type Broker struct {
	mu sync.RWMutex
	wg sync.WaitGroup

	registry map[EventType]map[SubscriberID]*subscriber

	publishChan chan struct {
		eventType EventType
		payload   any
	}

	shuttingDown atomic.Bool
}

// Subscribe registers ch to receive events of eventType. The caller owns ch
// and chooses its buffer size; opts.IsBlocking controls what happens when it
// is full.
func Subscribe[T any](b *Broker, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := SubscriberID(atomic.AddUint64(&nextSubscriberID, 1))

	sub := &subscriber{
		Options: opts,
		sendFunc: func(evType EventType, payload any) bool {
			typedPayload, ok := payload.(T)
			if !ok {
				log.Printf("[pubsub] warning: type mismatch for event %v: expected %T, got %T", evType, *new(T), payload)
				return false
			}
			event := &Event[T]{Type: evType, Payload: typedPayload}
			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		closeFunc: func() { close(ch) },
	}

	if _, ok := b.registry[eventType]; !ok {
		b.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	b.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes and closes the channel for the given subscription.
func (b *Broker) Unsubscribe(eventType EventType, id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	sub.closeFunc()
	if len(subs) == 0 {
		delete(b.registry, eventType)
	}
}

// Publish enqueues event for delivery on a queue buffered to 128 events. It
// blocks only when that queue is full, which happens when a blocking
// subscriber stops draining and stalls the worker. The RLock here only
// protects against a shutdown racing the close of publishChan (see
// GracefulShutdown).
func Publish[T any](b *Broker, event *Event[T]) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.shuttingDown.Load() {
		log.Printf("[pubsub] dropping event %v: broker is shutting down", event.Type)
		return
	}

	b.publishChan <- struct {
		eventType EventType
		payload   any
	}{eventType: event.Type, payload: event.Payload}
}

// ForceShutdown stops accepting publishes and closes the queue immediately,
// without waiting for buffered events to drain.
func (b *Broker) ForceShutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shuttingDown.Load() {
		return
	}
	b.shuttingDown.Store(true)
	close(b.publishChan)
}

// GracefulShutdown stops accepting publishes and blocks until every
// already-queued event has been delivered and the worker goroutine exits.
func (b *Broker) GracefulShutdown() {
	b.mu.Lock()
	if b.shuttingDown.Load() {
		b.mu.Unlock()
		b.wg.Wait()
		return
	}
	b.shuttingDown.Store(true)
	close(b.publishChan)
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Broker) run() {
	defer b.wg.Done()
	for msg := range b.publishChan {
		b.mu.RLock()
		if subs, ok := b.registry[msg.eventType]; ok {
			for _, sub := range subs {
				if !sub.sendFunc(msg.eventType, msg.payload) && !sub.Options.IsBlocking {
					atomic.AddUint64(&sub.NumDropped, 1)
				}
			}
		}
		b.mu.RUnlock()
	}
}

// NewBroker creates a broker and starts its single delivery goroutine.
func NewBroker() *Broker {
	b := &Broker{
		registry: make(map[EventType]map[SubscriberID]*subscriber),
		publishChan: make(chan struct {
			eventType EventType
			payload   any
		}, 128),
	}
	b.wg.Add(1)
	go b.run()
	return b
}
