package store

import (
	"context"
	"fmt"
	"sync"

	appctx "catalogsync/internal/context"
)

const queueBuffer = 256

// queue is a serial executor: one goroutine runs submitted work in order.
type queue struct {
	token   *appctx.QueueToken
	work    chan func()
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newQueue(name string) *queue {
	q := &queue{
		token:   appctx.NewQueueToken(name),
		work:    make(chan func(), queueBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *queue) loop() {
	defer close(q.stopped)
	for {
		select {
		case fn := <-q.work:
			fn()
		case <-q.done:
			return
		}
	}
}

// post enqueues fn and reports false once the queue is stopped.
func (q *queue) post(fn func()) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.work <- fn:
		return true
	case <-q.done:
		return false
	}
}

// stop never waits for the loop, so it is safe to call from the queue itself.
// Work still buffered is dropped.
func (q *queue) stop() {
	q.once.Do(func() { close(q.done) })
}

func (q *queue) isStopped() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// runGuarded executes fn, converting a panic into an error so a failing
// block cannot take the queue goroutine down.
func runGuarded(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic on queue %s: %v", queueName(ctx), r)
		}
	}()
	return fn(ctx)
}

func queueName(ctx context.Context) string {
	token, _ := appctx.QueueFrom(ctx)
	return token.Name()
}
