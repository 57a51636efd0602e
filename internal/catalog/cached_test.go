package catalog_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"catalogsync/internal/catalog"
	"catalogsync/internal/catalog/catalogtest"
	"catalogsync/internal/types"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"
)

func newTestValkey(t *testing.T) (valkey.Client, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{server.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return client, server
}

func fetch(t *testing.T, client catalog.Client, keys ...string) (map[string]catalog.Bundle, error) {
	t.Helper()

	type result struct {
		bundles map[string]catalog.Bundle
		err     error
	}
	results := make(chan result, 1)
	client.FetchByKeys(context.Background(), keys, func(bundles map[string]catalog.Bundle, err error) {
		results <- result{bundles, err}
	})

	select {
	case r := <-results:
		return r.bundles, r.err
	case <-time.After(5 * time.Second):
		t.Fatal("request never completed")
		return nil, nil
	}
}

func TestCachedClient_ServesRepeatsFromCache(t *testing.T) {
	cache, server := newTestValkey(t)
	fake := catalogtest.NewFake(
		catalog.Bundle{Key: "r1", Name: "Radiohead"},
		catalog.Bundle{Key: "a1", Name: "Kid A", ArtistKey: "r1"},
	)
	client := catalog.NewCachedClient(fake, cache, time.Hour)

	first, err := fetch(t, client, "r1", "a1")
	require.NoError(t, err)
	assert.Len(t, first, 2)
	assert.Equal(t, 1, fake.Calls())
	assert.True(t, server.Exists(catalog.BUNDLE_CACHE_PREFIX+":a1"))

	second, err := fetch(t, client, "r1", "a1", "t1")
	require.NoError(t, err)
	assert.Len(t, second, 2)
	assert.Equal(t, "Kid A", second["a1"].Name)
	assert.Equal(t, "r1", second["a1"].ArtistKey)

	requested := fake.Requested()
	require.Len(t, requested, 2)
	assert.Equal(t, []string{"t1"}, requested[1])

	_, err = fetch(t, client, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, fake.Calls(), "fully cached request never reaches the catalog")
}

func TestCachedClient_ErrorsAreNotCached(t *testing.T) {
	cache, server := newTestValkey(t)
	fake := catalogtest.NewFake(catalog.Bundle{Key: "r1", Name: "Radiohead"})
	fake.FailWith(types.NewTransportError(errors.New("offline"), "catalog unreachable"))
	client := catalog.NewCachedClient(fake, cache, time.Hour)

	bundles, err := fetch(t, client, "r1")
	assert.ErrorIs(t, err, types.ErrTransport)
	assert.Nil(t, bundles)
	assert.False(t, server.Exists(catalog.BUNDLE_CACHE_PREFIX+":r1"))
}

func TestCachedClient_TTL(t *testing.T) {
	cache, server := newTestValkey(t)
	fake := catalogtest.NewFake(catalog.Bundle{Key: "r1", Name: "Radiohead"})
	client := catalog.NewCachedClient(fake, cache, time.Minute)

	_, err := fetch(t, client, "r1")
	require.NoError(t, err)

	server.FastForward(2 * time.Minute)

	_, err = fetch(t, client, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, fake.Calls())
}

func TestCachedClient_WithoutCache(t *testing.T) {
	fake := catalogtest.NewFake(catalog.Bundle{Key: "r1", Name: "Radiohead"})
	client := catalog.NewCachedClient(fake, nil, time.Hour)

	bundles, err := fetch(t, client, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Radiohead", bundles["r1"].Name)
}

func TestCachedClient_ReturnsBeforeCacheAnswers(t *testing.T) {
	cache, server := newTestValkey(t)
	fake := catalogtest.NewFake(catalog.Bundle{Key: "r1", Name: "Radiohead"})
	client := catalog.NewCachedClient(fake, cache, time.Hour)

	server.Lock()
	results := make(chan error, 1)
	returned := make(chan struct{})
	go func() {
		client.FetchByKeys(context.Background(), []string{"r1"}, func(_ map[string]catalog.Bundle, err error) {
			results <- err
		})
		close(returned)
	}()

	select {
	case <-returned:
		server.Unlock()
	case <-time.After(time.Second):
		server.Unlock()
		t.Fatal("FetchByKeys waited for the cache")
	}

	select {
	case err := <-results:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("request never completed")
	}
}

func TestCachedClient_CancelReachesCatalog(t *testing.T) {
	cache, _ := newTestValkey(t)
	fake := catalogtest.NewFake(catalog.Bundle{Key: "r1", Name: "Radiohead"})
	fake.Manual = true
	client := catalog.NewCachedClient(fake, cache, time.Hour)

	called := make(chan struct{}, 1)
	request := client.FetchByKeys(context.Background(), []string{"r1"}, func(map[string]catalog.Bundle, error) {
		called <- struct{}{}
	})
	require.Eventually(t, func() bool { return fake.Calls() == 1 }, 5*time.Second, time.Millisecond)

	client.Cancel(request)
	assert.True(t, request.Cancelled())
	fake.Release()

	select {
	case <-called:
		t.Fatal("done ran after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}
