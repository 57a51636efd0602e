package events

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"
)

func newTestClient(t *testing.T, server *miniredis.Miniredis) valkey.Client {
	t.Helper()

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{server.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event{}, r.events...)
}

func TestEventBus_PublishDeliversLocallyOnce(t *testing.T) {
	server := miniredis.RunT(t)
	bus := New(newTestClient(t, server))
	defer bus.Close()

	events := &recorder{}
	require.NoError(t, bus.Subscribe(CATALOG_CHANNEL, events.handle))

	// wait for the subscription so the echo of our own publish is observed
	require.Eventually(t, func() bool {
		return len(server.PubSubChannels("")) == 1
	}, time.Second, 10*time.Millisecond)

	err := bus.PublishCatalogChange(
		"primary",
		map[string][]string{"album": {"a1"}},
		map[string]int{"inserted": 1},
	)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(events.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	received := events.snapshot()
	require.Len(t, received, 1)
	assert.Equal(t, CATALOG_CHANGED, received[0].Type)
	assert.Equal(t, CATALOG_CHANNEL, received[0].Channel)
	assert.Equal(t, "primary", received[0].Data["view"])
	assert.NotEmpty(t, received[0].ID)
	assert.False(t, received[0].Timestamp.IsZero())
}

func TestEventBus_DeliversAcrossBuses(t *testing.T) {
	server := miniredis.RunT(t)
	publisher := New(newTestClient(t, server))
	defer publisher.Close()
	subscriber := New(newTestClient(t, server))
	defer subscriber.Close()

	events := &recorder{}
	require.NoError(t, subscriber.Subscribe(SYNC_CHANNEL, events.handle))
	require.Eventually(t, func() bool {
		return len(server.PubSubChannels("")) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, publisher.Publish(SYNC_CHANNEL, Event{
		Type: SYNC_COMPLETE,
		Data: map[string]any{"created": 3},
	}))

	require.Eventually(t, func() bool { return len(events.snapshot()) == 1 }, time.Second, 10*time.Millisecond)

	received := events.snapshot()[0]
	assert.Equal(t, SYNC_COMPLETE, received.Type)
	assert.Equal(t, float64(3), received.Data["created"])
	assert.NotEqual(t, subscriber.origin, received.Origin)
}

func TestEventBus_PublishFailsWhenServerIsDown(t *testing.T) {
	server := miniredis.RunT(t)
	bus := New(newTestClient(t, server))
	defer bus.Close()

	server.Close()

	err := bus.Publish(SYNC_CHANNEL, Event{Type: SYNC_ERROR})
	assert.Error(t, err)
}
