package catalog

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Done receives the outcome of a catalog request. It runs on an arbitrary
// goroutine and never after the request was cancelled.
type Done func(bundles map[string]Bundle, err error)

// Client turns remote keys into attribute bundles. A failed request fails
// as a whole.
type Client interface {
	FetchByKeys(ctx context.Context, keys []string, done Done) *Request
	FetchHeavyRotation(ctx context.Context, done Done) *Request
	Cancel(request *Request)
}

// Request is the handle of one in-flight catalog call.
type Request struct {
	id     uuid.UUID
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	completed bool
}

// NewRequest returns a handle and the context the call should run under.
// Cancelling the handle cancels the context.
func NewRequest(ctx context.Context) (*Request, context.Context) {
	requestCtx, cancel := context.WithCancel(ctx)
	return &Request{id: uuid.New(), cancel: cancel}, requestCtx
}

func (r *Request) ID() uuid.UUID {
	return r.id
}

// Cancel stops the request. It reports false when done already ran or is
// running.
func (r *Request) Cancel() bool {
	if r == nil {
		return false
	}

	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return false
	}
	r.cancelled = true
	r.mu.Unlock()

	r.cancel()
	return true
}

func (r *Request) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Complete delivers the outcome to done exactly once unless the request was
// cancelled first.
func (r *Request) Complete(done Done, bundles map[string]Bundle, err error) {
	r.mu.Lock()
	if r.cancelled || r.completed {
		r.mu.Unlock()
		return
	}
	r.completed = true
	r.mu.Unlock()

	defer r.cancel()
	if done != nil {
		done(bundles, err)
	}
}
