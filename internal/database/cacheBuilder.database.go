package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
)

type KeyType interface {
	string | []string | uuid.UUID
}

// CacheBuilder is a fluent wrapper over single valkey commands.
//
//	found, err := NewCacheBuilder(cache, key).WithHash("bundle").Get(&bundle)
type CacheBuilder struct {
	cache      valkey.Client
	key        string
	keys       []string
	hash       string
	value      string
	ttl        time.Duration
	ctx        context.Context
	ctxTimeout time.Duration
	err        error
}

func NewCacheBuilder[K KeyType](cache valkey.Client, key K) *CacheBuilder {
	cacheBuilder := CacheBuilder{
		cache:      cache,
		ttl:        1 * time.Hour,
		ctxTimeout: 5 * time.Second,
		ctx:        context.Background(),
	}

	switch k := any(key).(type) {
	case string:
		cacheBuilder.key = k
	case uuid.UUID:
		cacheBuilder.key = k.String()
	case []string:
		cacheBuilder.keys = k
	}

	return &cacheBuilder
}

func (cb *CacheBuilder) WithValue(value string) *CacheBuilder {
	cb.value = value
	return cb
}

func (cb *CacheBuilder) WithStruct(value any) *CacheBuilder {
	bytes, err := json.Marshal(value)
	if err != nil {
		cb.err = fmt.Errorf("failed to marshal value to json: %w", err)
		return cb
	}

	cb.value = string(bytes)
	return cb
}

// WithHash namespaces the key(s) as "hash:key".
func (cb *CacheBuilder) WithHash(hash string) *CacheBuilder {
	cb.hash = hash
	return cb
}

func (cb *CacheBuilder) WithTTL(ttl time.Duration) *CacheBuilder {
	cb.ttl = ttl
	return cb
}

func (cb *CacheBuilder) WithContext(ctx context.Context) *CacheBuilder {
	cb.ctx = ctx
	return cb
}

func (cb *CacheBuilder) WithTimeout(timeout time.Duration) *CacheBuilder {
	cb.ctxTimeout = timeout
	return cb
}

func (cb *CacheBuilder) namespaced(key string) string {
	if cb.hash == "" {
		return key
	}
	return fmt.Sprintf("%s:%s", cb.hash, key)
}

func (cb *CacheBuilder) Set() error {
	if cb.err != nil {
		return cb.err
	}
	if cb.key == "" {
		return fmt.Errorf("key is required")
	}
	if cb.value == "" {
		return fmt.Errorf("value is required")
	}

	ctx, cancel := cb.createTimeoutContext()
	defer cancel()

	return cb.cache.Do(ctx, cb.cache.B().Set().Key(cb.namespaced(cb.key)).Value(cb.value).Ex(cb.ttl).Build()).
		Error()
}

func (cb *CacheBuilder) Get(result any) (bool, error) {
	if cb.err != nil {
		return false, cb.err
	}
	if cb.key == "" {
		return false, fmt.Errorf("key is required")
	}

	ctx, cancel := cb.createTimeoutContext()
	defer cancel()

	data, err := cb.cache.Do(ctx, cb.cache.B().Get().Key(cb.namespaced(cb.key)).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return false, nil
		}
		return false, err
	}

	if err := json.Unmarshal([]byte(data), result); err != nil {
		return false, err
	}

	return true, nil
}

// MGet returns the raw values of the keys that exist, indexed by the
// un-namespaced key. Missing keys are simply absent from the map.
func (cb *CacheBuilder) MGet() (map[string]string, error) {
	if cb.err != nil {
		return nil, cb.err
	}
	if len(cb.keys) == 0 {
		return map[string]string{}, nil
	}

	namespaced := make([]string, len(cb.keys))
	for i, key := range cb.keys {
		namespaced[i] = cb.namespaced(key)
	}

	ctx, cancel := cb.createTimeoutContext()
	defer cancel()

	values, err := cb.cache.Do(ctx, cb.cache.B().Mget().Key(namespaced...).Build()).ToArray()
	if err != nil {
		return nil, err
	}

	found := make(map[string]string, len(values))
	for i, value := range values {
		if value.IsNil() {
			continue
		}
		str, err := value.ToString()
		if err != nil {
			return nil, err
		}
		found[cb.keys[i]] = str
	}

	return found, nil
}

// MSet writes every key/value pair with the builder's TTL in one pipeline.
func (cb *CacheBuilder) MSet(values map[string]any) error {
	if cb.err != nil {
		return cb.err
	}
	if len(values) == 0 {
		return nil
	}

	cmds := make(valkey.Commands, 0, len(values))
	for key, value := range values {
		bytes, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value for %s: %w", key, err)
		}
		cmds = append(cmds, cb.cache.B().Set().Key(cb.namespaced(key)).Value(string(bytes)).Ex(cb.ttl).Build())
	}

	ctx, cancel := cb.createTimeoutContext()
	defer cancel()

	for _, resp := range cb.cache.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (cb *CacheBuilder) Delete() error {
	if cb.err != nil {
		return cb.err
	}

	keys := make([]string, 0, len(cb.keys)+1)
	for _, key := range cb.keys {
		keys = append(keys, cb.namespaced(key))
	}
	if cb.key != "" {
		keys = append(keys, cb.namespaced(cb.key))
	}
	if len(keys) == 0 {
		return fmt.Errorf("key is required")
	}

	ctx, cancel := cb.createTimeoutContext()
	defer cancel()

	return cb.cache.Do(ctx, cb.cache.B().Del().Key(keys...).Build()).Error()
}

// Publish sends the builder's value on the channel named by its key.
func (cb *CacheBuilder) Publish() error {
	if cb.err != nil {
		return cb.err
	}
	if cb.key == "" {
		return fmt.Errorf("channel is required")
	}

	ctx, cancel := cb.createTimeoutContext()
	defer cancel()

	return cb.cache.Do(ctx, cb.cache.B().Publish().Channel(cb.namespaced(cb.key)).Message(cb.value).Build()).
		Error()
}

func (cb *CacheBuilder) createTimeoutContext() (context.Context, context.CancelFunc) {
	if deadline, ok := cb.ctx.Deadline(); ok {
		if time.Until(deadline) < cb.ctxTimeout {
			return context.WithCancel(cb.ctx)
		}
	}
	return context.WithTimeout(cb.ctx, cb.ctxTimeout)
}
