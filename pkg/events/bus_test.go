package events

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextTimeout(t *testing.T, sub *Subscription) *Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	event, err := sub.Next(ctx)
	require.NoError(t, err)
	return event
}

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus(8)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID())

	for i := 0; i < 5; i++ {
		bus.Publish(&Event{
			Kind:       KindAgentStatusUpdated,
			Source:     "test",
			Attributes: map[string]string{"seq": strconv.Itoa(i)},
		})
	}

	for i := 0; i < 5; i++ {
		event := nextTimeout(t, sub)
		assert.Equal(t, KindAgentStatusUpdated, event.Kind)
		assert.Equal(t, strconv.Itoa(i), event.Attributes["seq"])
		assert.NotEmpty(t, event.ID)
		assert.False(t, event.Timestamp.IsZero())
	}
}

func TestIndependentSubscribers(t *testing.T) {
	bus := NewBus(8)
	a := bus.Subscribe()
	b := bus.Subscribe()
	defer bus.Unsubscribe(a.ID())
	defer bus.Unsubscribe(b.ID())

	bus.Publish(&Event{Kind: KindNodeRegistered, Source: "test"})

	ea := nextTimeout(t, a)
	eb := nextTimeout(t, b)
	assert.Equal(t, ea.ID, eb.ID)
	assert.Equal(t, 2, bus.SubscriberCount())
}

func TestOverflowDropsOldestAndAnnouncesGap(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID())

	for i := 1; i <= 10; i++ {
		bus.Publish(&Event{
			Kind:       KindAgentStatusUpdated,
			Source:     "test",
			Attributes: map[string]string{"seq": strconv.Itoa(i)},
		})
	}

	// First delivery is the gap marker for the six dropped events.
	marker := nextTimeout(t, sub)
	require.Equal(t, KindStreamLagged, marker.Kind)
	assert.Equal(t, "6", marker.Attributes["dropped"])

	// The four newest events survive, in order.
	for want := 7; want <= 10; want++ {
		event := nextTimeout(t, sub)
		assert.Equal(t, strconv.Itoa(want), event.Attributes["seq"])
	}
}

func TestLagCounterResetsAfterMarker(t *testing.T) {
	bus := NewBus(2)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID())

	for i := 0; i < 5; i++ {
		bus.Publish(&Event{Kind: KindCommandSubmitted, Source: "test"})
	}

	marker := nextTimeout(t, sub)
	require.Equal(t, KindStreamLagged, marker.Kind)
	assert.Equal(t, "3", marker.Attributes["dropped"])

	// Drain the survivors, then overflow again; the new marker counts
	// only the new gap.
	nextTimeout(t, sub)
	nextTimeout(t, sub)

	for i := 0; i < 3; i++ {
		bus.Publish(&Event{Kind: KindCommandSubmitted, Source: "test"})
	}
	marker = nextTimeout(t, sub)
	require.Equal(t, KindStreamLagged, marker.Kind)
	assert.Equal(t, "1", marker.Attributes["dropped"])
}

func TestNextBlocksUntilPublish(t *testing.T) {
	bus := NewBus(8)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID())

	got := make(chan *Event, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		event, err := sub.Next(ctx)
		if err == nil {
			got <- event
		}
	}()

	time.Sleep(50 * time.Millisecond)
	bus.Publish(&Event{Kind: KindNodePruned, Source: "test"})

	select {
	case event := <-got:
		assert.Equal(t, KindNodePruned, event.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not unblock after Publish")
	}
}

func TestNextContextCancel(t *testing.T) {
	bus := NewBus(8)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnsubscribeClosesBlockedNext(t *testing.T) {
	bus := NewBus(8)
	sub := bus.Subscribe()

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	bus.Unsubscribe(sub.ID())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not unblock after Unsubscribe")
	}

	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewBus(1024)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID())

	const producers = 8
	const perProducer = 50

	for p := 0; p < producers; p++ {
		go func(p int) {
			for i := 0; i < perProducer; i++ {
				bus.Publish(&Event{
					Kind:   KindAgentStatusUpdated,
					Source: fmt.Sprintf("producer-%d", p),
				})
			}
		}(p)
	}

	seen := make(map[string]bool)
	for i := 0; i < producers*perProducer; i++ {
		event := nextTimeout(t, sub)
		require.False(t, seen[event.ID], "event delivered twice")
		seen[event.ID] = true
	}
}
