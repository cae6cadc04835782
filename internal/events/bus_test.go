// File: internal/events/bus_test.go
package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/anassagd432/aether-agent/api/schemas"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBus_PublishAndSubscribe(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 4)
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe(schemas.EventTaskCompleted)
	defer unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), schemas.EventTaskCompleted, map[string]any{"task": "build"}))

	select {
	case evt := <-ch:
		assert.Equal(t, schemas.EventTaskCompleted, evt.Type)
		assert.NotEmpty(t, evt.ID)
		bus.Acknowledge(evt)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_NoSubscribersIsNoop(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 0)
	defer bus.Close()

	require.NoError(t, bus.Publish(context.Background(), schemas.EventIterationDone, nil))
}

func TestBus_TypeFiltering(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 4)
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe(schemas.EventTaskFailed)
	defer unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), schemas.EventTaskCompleted, nil))

	select {
	case evt := <-ch:
		t.Fatalf("unexpected delivery: %v", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 4)
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		ch, unsubscribe := bus.Subscribe(schemas.EventHealingStarted)
		defer unsubscribe()
		wg.Add(1)
		go func(ch <-chan schemas.Event) {
			defer wg.Done()
			evt := <-ch
			bus.Acknowledge(evt)
		}(ch)
	}

	require.NoError(t, bus.Publish(context.Background(), schemas.EventHealingStarted, nil))
	wg.Wait()
}

func TestBus_PublishAfterCloseFails(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 0)
	bus.Close()

	err := bus.Publish(context.Background(), schemas.EventTaskStarted, nil)
	require.Error(t, err)
}

func TestBus_CloseDrainsUnconsumedEvents(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 8)

	_, unsubscribe := bus.Subscribe(schemas.EventToolExecuted)
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), schemas.EventToolExecuted, i))
	}

	done := make(chan struct{})
	go func() {
		bus.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close deadlocked on unconsumed events")
	}
}

func TestBus_PublishRespectsContext(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 0)
	defer bus.Close()

	// Unbuffered subscriber that never reads.
	_, unsubscribe := bus.Subscribe(schemas.EventErrorDetected)
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := bus.Publish(ctx, schemas.EventErrorDetected, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
