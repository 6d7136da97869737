package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType names what happened
type EventType string

const (
	EventJobQueued       EventType = "job.queued"
	EventJobUpdated      EventType = "job.updated"
	EventJobRemoved      EventType = "job.removed"
	EventJobStarted      EventType = "job.started"
	EventJobCompleted    EventType = "job.completed"
	EventJobCancelled    EventType = "job.cancelled"
	EventJobExpired      EventType = "job.expired"
	EventNodeConnected   EventType = "node.connected"
	EventNodeLost        EventType = "node.lost"
	EventNodeReserved    EventType = "node.reserved"
	EventBundleSent      EventType = "bundle.sent"
	EventBundleReturned  EventType = "bundle.returned"
	EventTasksResubmit   EventType = "tasks.resubmitted"
	EventBalancerChanged EventType = "balancer.changed"
)

// Event is a plain value describing something that happened in the driver.
// Subscribers never get references into driver state.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	JobUUID   string            `json:"job_uuid,omitempty"`
	NodeUUID  string            `json:"node_uuid,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// subscriberBuffer is how many undelivered events a subscriber may hold
// before the broker starts dropping for it
const subscriberBuffer = 64

// filter selects event types; a nil filter accepts everything
type filter map[EventType]struct{}

func newFilter(types []EventType) filter {
	if len(types) == 0 {
		return nil
	}
	f := make(filter, len(types))
	for _, t := range types {
		f[t] = struct{}{}
	}
	return f
}

func (f filter) accepts(t EventType) bool {
	if f == nil {
		return true
	}
	_, ok := f[t]
	return ok
}

// Broker fans driver events out to subscribers without ever blocking the
// publisher
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]filter

	incoming chan *Event
	stopCh   chan struct{}
	stopOnce sync.Once
	dropped  atomic.Uint64
}

// NewBroker creates a broker; call Start to begin delivery
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]filter),
		incoming:    make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the delivery loop
func (b *Broker) Start() {
	go b.loop()
}

// Stop ends delivery. Safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a subscriber for the given event types, or for every
// event when none are given
func (b *Broker) Subscribe(types ...EventType) Subscriber {
	sub := make(Subscriber, subscriberBuffer)

	b.mu.Lock()
	b.subscribers[sub] = newFilter(types)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish hands an event to the delivery loop. It never blocks: callers
// publish from dispatch paths, so a full buffer drops the event.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	select {
	case b.incoming <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because a buffer was full
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broker) loop() {
	for {
		select {
		case event := <-b.incoming:
			b.deliver(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) deliver(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, f := range b.subscribers {
		if !f.accepts(event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
