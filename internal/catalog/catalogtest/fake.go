// Package catalogtest provides an in-memory catalog.Client for tests.
package catalogtest

import (
	"context"
	"maps"
	"sync"

	"catalogsync/internal/catalog"
)

type pending struct {
	request *catalog.Request
	done    catalog.Done
	keys    []string
	heavy   bool
}

// Fake serves bundles from memory. With Manual set, requests stay pending
// until Release is called so tests can cancel them mid-flight.
type Fake struct {
	Manual bool

	mu        sync.Mutex
	bundles   map[string]catalog.Bundle
	heavy     []catalog.Bundle
	err       error
	calls     int
	requested [][]string
	pending   []pending
}

func NewFake(bundles ...catalog.Bundle) *Fake {
	f := &Fake{bundles: make(map[string]catalog.Bundle)}
	f.Add(bundles...)
	return f
}

func (f *Fake) Add(bundles ...catalog.Bundle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, bundle := range bundles {
		f.bundles[bundle.Key] = bundle
	}
}

// SetHeavyRotation replaces the ranked list; Rank is left as given.
func (f *Fake) SetHeavyRotation(bundles ...catalog.Bundle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heavy = bundles
}

// FailWith makes every following request fail with err; nil clears it.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Requested returns the keys of every FetchByKeys call in order.
func (f *Fake) Requested() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.requested...)
}

func (f *Fake) FetchByKeys(ctx context.Context, keys []string, done catalog.Done) *catalog.Request {
	request, _ := catalog.NewRequest(ctx)

	f.mu.Lock()
	f.calls++
	f.requested = append(f.requested, append([]string(nil), keys...))
	p := pending{request: request, done: done, keys: keys}
	if f.Manual {
		f.pending = append(f.pending, p)
		f.mu.Unlock()
		return request
	}
	f.mu.Unlock()

	go f.complete(p)
	return request
}

func (f *Fake) FetchHeavyRotation(ctx context.Context, done catalog.Done) *catalog.Request {
	request, _ := catalog.NewRequest(ctx)

	f.mu.Lock()
	f.calls++
	p := pending{request: request, done: done, heavy: true}
	if f.Manual {
		f.pending = append(f.pending, p)
		f.mu.Unlock()
		return request
	}
	f.mu.Unlock()

	go f.complete(p)
	return request
}

func (f *Fake) Cancel(request *catalog.Request) {
	request.Cancel()
}

// Release completes every pending request and reports how many there were.
func (f *Fake) Release() int {
	f.mu.Lock()
	queued := f.pending
	f.pending = nil
	f.mu.Unlock()

	for _, p := range queued {
		f.complete(p)
	}
	return len(queued)
}

func (f *Fake) complete(p pending) {
	f.mu.Lock()
	err := f.err
	result := make(map[string]catalog.Bundle)
	if p.heavy {
		for _, bundle := range f.heavy {
			result[bundle.Key] = bundle
		}
	} else {
		for _, key := range p.keys {
			if bundle, ok := f.bundles[key]; ok {
				result[key] = bundle
			}
		}
	}
	f.mu.Unlock()

	if err != nil {
		p.request.Complete(p.done, nil, err)
		return
	}
	p.request.Complete(p.done, maps.Clone(result), nil)
}
