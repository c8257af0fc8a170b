package docsync

import (
	"sync"

	"go.uber.org/zap"

	"storj.io/common/uuid"
)

// DefaultQueueSize is the per-subscriber broadcast buffer. A subscriber whose
// buffer overflows is dropped so a slow reader cannot stall the writer.
const DefaultQueueSize = 256

// Broadcast is one live change delivered to subscribers.
type Broadcast struct {
	// UpdateID is the database id of the persisted change, letting
	// subscribers discard changes they already replayed from the backlog.
	UpdateID int64
	// Originator identifies the subscriber whose session produced the
	// change, so it can suppress its own echo.
	Originator int64
	Change     []byte
}

// Hub keeps the process-local per-document subscriber registry. Subscription
// changes and broadcasts are serialized by a single lock; delivery to each
// subscriber is non-blocking through its bounded queue.
type Hub struct {
	log       *zap.Logger
	queueSize int

	mu     sync.Mutex
	nextID int64
	subs   map[uuid.UUID]map[int64]*Subscriber
}

// NewHub creates a hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:       log,
		queueSize: DefaultQueueSize,
		subs:      make(map[uuid.UUID]map[int64]*Subscriber),
	}
}

// Subscriber is one registered listener on a document channel.
type Subscriber struct {
	hub        *Hub
	documentID uuid.UUID
	id         int64

	queue   chan Broadcast
	dropped chan struct{}
	once    sync.Once
}

// ID identifies the subscriber for echo suppression.
func (sub *Subscriber) ID() int64 { return sub.id }

// Queue delivers live broadcasts, in publish order.
func (sub *Subscriber) Queue() <-chan Broadcast { return sub.queue }

// Dropped is closed when the hub evicted the subscriber because its queue
// overflowed.
func (sub *Subscriber) Dropped() <-chan struct{} { return sub.dropped }

// Close unsubscribes.
func (sub *Subscriber) Close() {
	sub.hub.unsubscribe(sub)
}

// Subscribe registers a new subscriber on the document's channel.
func (hub *Hub) Subscribe(documentID uuid.UUID) *Subscriber {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	hub.nextID++
	sub := &Subscriber{
		hub:        hub,
		documentID: documentID,
		id:         hub.nextID,
		queue:      make(chan Broadcast, hub.queueSize),
		dropped:    make(chan struct{}),
	}
	channel, ok := hub.subs[documentID]
	if !ok {
		channel = make(map[int64]*Subscriber)
		hub.subs[documentID] = channel
	}
	channel[sub.id] = sub
	return sub
}

func (hub *Hub) unsubscribe(sub *Subscriber) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.remove(sub)
}

// remove must be called with the lock held.
func (hub *Hub) remove(sub *Subscriber) {
	channel, ok := hub.subs[sub.documentID]
	if !ok {
		return
	}
	if _, ok := channel[sub.id]; !ok {
		return
	}
	delete(channel, sub.id)
	if len(channel) == 0 {
		delete(hub.subs, sub.documentID)
	}
}

// Publish broadcasts a persisted change to every subscriber of the document
// except the originator. Subscribers that cannot keep up are evicted.
func (hub *Hub) Publish(documentID uuid.UUID, broadcast Broadcast) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	for _, sub := range hub.subs[documentID] {
		if sub.id == broadcast.Originator {
			continue
		}
		select {
		case sub.queue <- broadcast:
		default:
			sub.once.Do(func() { close(sub.dropped) })
			hub.remove(sub)
			hub.log.Warn("dropped slow sync subscriber",
				zap.Stringer("document", documentID),
				zap.Int64("subscriber", sub.id))
		}
	}
}

// TestSetQueueSize adjusts the per-subscriber buffer, for tests.
func (hub *Hub) TestSetQueueSize(size int) { hub.queueSize = size }
