package tasks

import (
	"context"
	"sync"
	"time"

	"storj.io/common/uuid"
)

// ErrExportTimeout is returned when no worker posted a result in time.
var ErrExportTimeout = Error.New("export result timed out")

// ExportHub hands single-use export results from workers to waiting HTTP
// callers. Each task id gets a one-slot mailbox: the result is buffered so a
// short worker/waiter disconnect does not lose it, delivery happens at most
// once, and abandoned mailboxes are dropped after a TTL.
type ExportHub struct {
	mu    sync.Mutex
	boxes map[uuid.UUID]chan []byte
	ttl   time.Duration
}

// NewExportHub creates an export hub with the given mailbox TTL.
func NewExportHub(ttl time.Duration) *ExportHub {
	if ttl <= 0 {
		ttl = DefaultConfig.ExportTimeout
	}
	return &ExportHub{
		boxes: make(map[uuid.UUID]chan []byte),
		ttl:   ttl,
	}
}

func (hub *ExportHub) box(taskID uuid.UUID) chan []byte {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	box, ok := hub.boxes[taskID]
	if !ok {
		box = make(chan []byte, 1)
		hub.boxes[taskID] = box
	}
	return box
}

func (hub *ExportHub) drop(taskID uuid.UUID) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	delete(hub.boxes, taskID)
}

// Put delivers a worker result. Only the first result per task is kept.
func (hub *ExportHub) Put(taskID uuid.UUID, result []byte) {
	select {
	case hub.box(taskID) <- result:
	default:
		// a result is already buffered, extra deliveries are dropped
	}

	// reap the mailbox if nobody collects the result in time
	time.AfterFunc(hub.ttl, func() { hub.drop(taskID) })
}

// Wait blocks until a result arrives, the context is canceled, or the TTL
// elapses. The mailbox is gone afterwards either way.
func (hub *ExportHub) Wait(ctx context.Context, taskID uuid.UUID) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)
	defer hub.drop(taskID)

	timer := time.NewTimer(hub.ttl)
	defer timer.Stop()

	select {
	case result := <-hub.box(taskID):
		return result, nil
	case <-timer.C:
		return nil, ErrExportTimeout
	case <-ctx.Done():
		return nil, Error.Wrap(ctx.Err())
	}
}
