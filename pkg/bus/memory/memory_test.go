package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/presenced/pkg/bus"
)

func startConsumer(t *testing.T, b *Bus, want int, handler bus.Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	consumer := b.Consumer()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = consumer.Run(ctx, handler)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Run subscribes before blocking; wait until the handler is registered.
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.handlers) >= want
	}, time.Second, time.Millisecond)
}

func TestPublish_BroadcastsToAllConsumers(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var got [][]bus.Event
	for i := 0; i < 2; i++ {
		idx := i
		got = append(got, nil)
		startConsumer(t, b, idx+1, func(ctx context.Context, e bus.Event) error {
			mu.Lock()
			defer mu.Unlock()
			got[idx] = append(got[idx], e)
			return nil
		})
	}

	pub := b.Publisher()
	events := []bus.Event{
		{UserID: "u1", Action: bus.ActionOnline, Timestamp: 1, NodeID: "A"},
		{UserID: "u1", Action: bus.ActionOffline, Timestamp: 2, NodeID: "A"},
		{UserID: "u2", Action: bus.ActionOnline, Timestamp: 3, NodeID: "B"},
	}
	for _, e := range events {
		require.NoError(t, pub.Publish(context.Background(), e))
	}

	mu.Lock()
	defer mu.Unlock()
	for i := range got {
		assert.Equal(t, events, got[i], "consumer %d", i)
	}
}

func TestRun_UnsubscribesOnCancel(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var seen []bus.Event
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Consumer().Run(ctx, func(ctx context.Context, e bus.Event) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, e)
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.handlers) == 1
	}, time.Second, time.Millisecond)

	pub := b.Publisher()
	require.NoError(t, pub.Publish(context.Background(), bus.Event{
		UserID: "u1", Action: bus.ActionOnline, Timestamp: 1, NodeID: "A",
	}))

	cancel()
	<-done

	// A stopped consumer no longer receives publishes.
	require.NoError(t, pub.Publish(context.Background(), bus.Event{
		UserID: "u1", Action: bus.ActionOffline, Timestamp: 2, NodeID: "A",
	}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, bus.ActionOnline, seen[0].Action)
}

func TestHistory_PreservesPublishOrder(t *testing.T) {
	b := New()
	pub := b.Publisher()

	for i := int64(0); i < 5; i++ {
		require.NoError(t, pub.Publish(context.Background(), bus.Event{
			UserID: "u1", Action: bus.ActionOnline, Timestamp: i, NodeID: "A",
		}))
	}

	history := b.History()
	require.Len(t, history, 5)
	for i, e := range history {
		assert.Equal(t, int64(i), e.Timestamp)
	}
}

func TestReplay_RedeliversFullHistory(t *testing.T) {
	b := New()
	pub := b.Publisher()

	require.NoError(t, pub.Publish(context.Background(), bus.Event{
		UserID: "u1", Action: bus.ActionOnline, Timestamp: 1, NodeID: "A",
	}))

	var mu sync.Mutex
	var seen []bus.Event
	startConsumer(t, b, 1, func(ctx context.Context, e bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e)
		return nil
	})

	// The consumer joined after the publish, so it has seen nothing yet.
	mu.Lock()
	assert.Empty(t, seen)
	mu.Unlock()

	b.Replay(context.Background())
	b.Replay(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 2) // at-least-once: duplicates are the consumer's problem
}
