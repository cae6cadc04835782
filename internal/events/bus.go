// File: internal/events/bus.go
// Package events carries run progress events (plan created, task finished,
// healing started, ...) from the decision loop to whoever listens: the CLI
// renderer, tests, or nothing at all. Publishing with no subscribers is a
// no-op, so the loop never depends on a listener being present.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anassagd432/aether-agent/api/schemas"
)

// Bus is a typed pub/sub fan-out. Delivery blocks when a subscriber's
// buffer is full; consumers must acknowledge each event so Close can wait
// for in-flight processing.
type Bus struct {
	logger *zap.Logger

	subscribers map[schemas.EventType][]chan schemas.Event
	mu          sync.RWMutex
	bufferSize  int

	processingWg sync.WaitGroup
	activePubsWg sync.WaitGroup

	closedChan chan struct{}
	closeOnce  sync.Once
	closed     bool
	closedMu   sync.Mutex
}

// NewBus creates a bus whose subscriber channels buffer bufferSize events.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{
		logger:      logger.Named("events"),
		subscribers: make(map[schemas.EventType][]chan schemas.Event),
		bufferSize:  bufferSize,
		closedChan:  make(chan struct{}),
	}
}

// Publish delivers an event to every subscriber of its type. It blocks while
// subscriber buffers are full and returns early on context cancellation or
// bus closure.
func (b *Bus) Publish(ctx context.Context, eventType schemas.EventType, payload any) error {
	b.closedMu.Lock()
	if b.closed {
		b.closedMu.Unlock()
		return fmt.Errorf("event bus is closed")
	}
	b.activePubsWg.Add(1)
	b.closedMu.Unlock()
	defer b.activePubsWg.Done()

	event := schemas.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	b.mu.RLock()
	subs, ok := b.subscribers[eventType]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return nil
	}
	subsCopy := make([]chan schemas.Event, len(subs))
	copy(subsCopy, subs)
	b.mu.RUnlock()

	for _, ch := range subsCopy {
		b.processingWg.Add(1)
		select {
		case ch <- event:
		case <-ctx.Done():
			b.processingWg.Done()
			return ctx.Err()
		case <-b.closedChan:
			b.processingWg.Done()
			return fmt.Errorf("event bus is closing")
		}
	}
	return nil
}

// Subscribe registers for the given event types and returns the delivery
// channel plus an unsubscribe function. The bus owns channel closure.
func (b *Bus) Subscribe(eventTypes ...schemas.EventType) (<-chan schemas.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		closedCh := make(chan schemas.Event)
		close(closedCh)
		return closedCh, func() {}
	}
	if len(eventTypes) == 0 {
		panic("must subscribe to at least one event type")
	}

	ch := make(chan schemas.Event, b.bufferSize)
	subscribed := make([]schemas.EventType, len(eventTypes))
	copy(subscribed, eventTypes)

	for _, et := range subscribed {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, et := range subscribed {
			subs, exists := b.subscribers[et]
			if !exists {
				continue
			}
			for i, sub := range subs {
				if sub == ch {
					copy(subs[i:], subs[i+1:])
					b.subscribers[et] = subs[:len(subs)-1]
					if len(b.subscribers[et]) == 0 {
						delete(b.subscribers, et)
					}
					break
				}
			}
		}
	}
	return ch, unsubscribe
}

// Acknowledge marks one delivered event as processed.
func (b *Bus) Acknowledge(schemas.Event) {
	b.processingWg.Done()
}

// Close shuts the bus down: in-flight publishes finish, subscriber channels
// close, and buffered but unconsumed events are drained so the processing
// wait cannot deadlock.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.logger.Debug("Closing event bus")

		b.closedMu.Lock()
		b.closed = true
		b.closedMu.Unlock()

		close(b.closedChan)
		b.activePubsWg.Wait()

		b.mu.Lock()
		unique := make(map[chan schemas.Event]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		for ch := range unique {
			close(ch)
		}
		drained := 0
		for ch := range unique {
			for range ch {
				drained++
				b.processingWg.Done()
			}
		}
		b.subscribers = make(map[schemas.EventType][]chan schemas.Event)
		b.mu.Unlock()

		if drained > 0 {
			b.logger.Debug("Drained unconsumed events", zap.Int("count", drained))
		}
		b.processingWg.Wait()
	})
}
