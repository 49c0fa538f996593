package connection

import (
	"sync"

	"go.uber.org/zap"

	"github.com/solarwatch/flarealert/internal/protocol"
)

type event struct {
	status   *Status
	message  *protocol.ServerMessage
	handlers []Handlers
}

// eventQueue delivers events in push order on one goroutine. Pushing never
// blocks, so transitions can be queued while holding the client lock.
type eventQueue struct {
	mu     sync.Mutex
	items  []event
	wake   chan struct{}
	closed bool
	done   chan struct{}
	logger *zap.Logger
}

func newEventQueue(logger *zap.Logger) *eventQueue {
	q := &eventQueue{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go q.loop()
	return q
}

func (q *eventQueue) push(e event) {
	if len(e.handlers) == 0 {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close stops the queue after the pending events are delivered.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) loop() {
	defer close(q.done)
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			e := q.items[0]
			q.items[0] = event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			q.deliver(e)
		}
	}
}

func (q *eventQueue) deliver(e event) {
	for _, h := range e.handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("subscriber handler panicked", zap.Any("panic", r))
				}
			}()
			switch {
			case e.status != nil && h.OnStatus != nil:
				h.OnStatus(*e.status)
			case e.message != nil && h.OnMessage != nil:
				h.OnMessage(*e.message)
			}
		}()
	}
}
