package context

import "context"

// QueueToken identifies the serial queue a piece of work is running on. A
// token is only ever handed out by the queue itself, so holding one proves
// the caller is on that queue.
type QueueToken struct {
	name string
}

func NewQueueToken(name string) *QueueToken {
	return &QueueToken{name: name}
}

func (q *QueueToken) Name() string {
	if q == nil {
		return ""
	}
	return q.name
}

// WithQueue marks ctx as running on queue. Queues are not nested: the
// innermost token replaces any outer one.
func WithQueue(ctx context.Context, queue *QueueToken) context.Context {
	return context.WithValue(ctx, QUEUE_KEY, queue)
}

func QueueFrom(ctx context.Context) (*QueueToken, bool) {
	if ctx == nil {
		return nil, false
	}
	queue, ok := ctx.Value(QUEUE_KEY).(*QueueToken)
	return queue, ok && queue != nil
}

// OnQueue reports whether ctx carries exactly the given queue's token.
func OnQueue(ctx context.Context, queue *QueueToken) bool {
	current, ok := QueueFrom(ctx)
	return ok && current == queue
}
