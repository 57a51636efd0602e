package catalog

import (
	"context"
	"encoding/json"
	"maps"
	"time"

	"catalogsync/internal/database"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/valkey-io/valkey-go"
)

const (
	BUNDLE_CACHE_PREFIX = "catalog_bundle"
)

// CachedClient answers key lookups from valkey and only asks the wrapped
// client for the remainder. Cache failures fall through to the catalog.
// Heavy rotation is never cached.
type CachedClient struct {
	next  Client
	cache valkey.Client
	ttl   time.Duration
	log   logger.Logger
}

func NewCachedClient(next Client, cache valkey.Client, ttl time.Duration) *CachedClient {
	return &CachedClient{
		next:  next,
		cache: cache,
		ttl:   ttl,
		log:   logger.New("cachedCatalogClient"),
	}
}

// FetchByKeys returns at once; the cache read and any catalog call run on
// their own goroutine. Cancelling the returned handle also cancels the inner
// catalog request.
func (c *CachedClient) FetchByKeys(ctx context.Context, keys []string, done Done) *Request {
	request, requestCtx := NewRequest(ctx)
	go c.fetch(requestCtx, request, keys, done)
	return request
}

func (c *CachedClient) fetch(ctx context.Context, request *Request, keys []string, done Done) {
	log := c.log.Function("fetch")

	cached := c.lookup(ctx, keys)

	var missing []string
	for _, key := range keys {
		if _, ok := cached[key]; !ok {
			missing = append(missing, key)
		}
	}

	if len(missing) == 0 {
		log.Debug("Served catalog request from cache", "keys", len(keys))
		request.Complete(done, cached, nil)
		return
	}
	if request.Cancelled() {
		return
	}

	inner := c.next.FetchByKeys(ctx, missing, func(fetched map[string]Bundle, err error) {
		if err != nil {
			request.Complete(done, nil, err)
			return
		}
		c.store(ctx, fetched)

		bundles := maps.Clone(cached)
		if bundles == nil {
			bundles = make(map[string]Bundle, len(fetched))
		}
		maps.Copy(bundles, fetched)
		request.Complete(done, bundles, nil)
	})
	// ctx ends when the outer request is cancelled or completes; the inner
	// handle ignores a cancel after it has completed.
	context.AfterFunc(ctx, func() { c.next.Cancel(inner) })
}

func (c *CachedClient) FetchHeavyRotation(ctx context.Context, done Done) *Request {
	return c.next.FetchHeavyRotation(ctx, done)
}

func (c *CachedClient) Cancel(request *Request) {
	request.Cancel()
}

func (c *CachedClient) lookup(ctx context.Context, keys []string) map[string]Bundle {
	log := c.log.Function("lookup")

	if c.cache == nil || len(keys) == 0 {
		return map[string]Bundle{}
	}

	values, err := database.NewCacheBuilder(c.cache, keys).
		WithHash(BUNDLE_CACHE_PREFIX).
		WithContext(ctx).
		MGet()
	if err != nil {
		log.Warn("Failed to read bundle cache", "error", err)
		return map[string]Bundle{}
	}

	bundles := make(map[string]Bundle, len(values))
	for key, value := range values {
		var bundle Bundle
		if err := json.Unmarshal([]byte(value), &bundle); err != nil {
			log.Warn("Discarding unreadable cached bundle", "key", key, "error", err)
			continue
		}
		if bundle.Key == "" {
			bundle.Key = key
		}
		bundles[key] = bundle
	}
	return bundles
}

func (c *CachedClient) store(ctx context.Context, bundles map[string]Bundle) {
	log := c.log.Function("store")

	if c.cache == nil || len(bundles) == 0 {
		return
	}

	values := make(map[string]any, len(bundles))
	for key, bundle := range bundles {
		values[key] = json.RawMessage(bundle.RawJSON())
	}

	if err := database.NewCacheBuilder(c.cache, "").
		WithHash(BUNDLE_CACHE_PREFIX).
		WithTTL(c.ttl).
		WithContext(context.WithoutCancel(ctx)).
		MSet(values); err != nil {
		log.Warn("Failed to write bundle cache", "error", err)
	}
}
