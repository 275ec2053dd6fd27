// Package events runs side effects after a transaction has committed.
// Producers push events onto a bounded queue and a single worker hands
// them to a handler.
package events

import (
	"context"
	"log"
	"sync"
)

// FileMessageSent is emitted once a FILE message is stored.
type FileMessageSent struct {
	MessageId   int64
	RoomId      int64
	SenderId    int64
	FileId      int64
	StoredPath  string
	ContentType string
}

type Handler func(ctx context.Context, ev FileMessageSent) error

type Queue struct {
	log     *log.Logger
	events  chan FileMessageSent
	handler Handler
	wg      sync.WaitGroup
	once    sync.Once
	done    chan struct{}
}

func NewQueue(logger *log.Logger, size int, handler Handler) *Queue {
	if size <= 0 {
		size = 128
	}
	return &Queue{
		log:     logger,
		events:  make(chan FileMessageSent, size),
		handler: handler,
		done:    make(chan struct{}),
	}
}

// Publish enqueues ev without blocking. It reports false if the queue is
// full or closed.
func (q *Queue) Publish(ev FileMessageSent) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.events <- ev:
		return true
	default:
		q.log.Printf("event queue full, dropping file event for message %d", ev.MessageId)
		return false
	}
}

// Run starts the worker. It drains queued events before exiting on Close
// and stops immediately when ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case ev := <-q.events:
				q.handle(ctx, ev)
			case <-ctx.Done():
				return
			case <-q.done:
				for {
					select {
					case ev := <-q.events:
						q.handle(ctx, ev)
					default:
						return
					}
				}
			}
		}
	}()
}

func (q *Queue) handle(ctx context.Context, ev FileMessageSent) {
	if err := q.handler(ctx, ev); err != nil {
		q.log.Printf("file event for message %d: %v", ev.MessageId, err)
	}
}

// Close stops accepting events and waits for the worker to finish.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
	q.wg.Wait()
}

// LogHandler records each event. It is the default handler when no
// post-processing is configured.
func LogHandler(logger *log.Logger) Handler {
	return func(ctx context.Context, ev FileMessageSent) error {
		logger.Printf("file message %d in room %d ready for processing (file %d, %s)",
			ev.MessageId, ev.RoomId, ev.FileId, ev.ContentType)
		return nil
	}
}
