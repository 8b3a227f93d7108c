package eventbus

import (
	"context"
	"sync"
)

const defaultStreamBuffer = 256

// MemoryBus is the in-process Bus. Each subscriber owns a buffered stream
// drained by its own goroutine, so a slow handler can never block Publish.
type MemoryBus struct {
	mu         sync.RWMutex
	streams    map[int64]chan Event
	nextID     int64
	bufferSize int
	closed     bool
	dropped    int64
}

// NewMemoryBus returns an open in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		streams:    make(map[int64]chan Event),
		bufferSize: defaultStreamBuffer,
	}
}

// Publish hands the event to every subscriber stream without blocking. Events
// for a saturated stream are dropped and counted.
func (b *MemoryBus) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	streams := make([]chan Event, 0, len(b.streams))
	for _, stream := range b.streams {
		streams = append(streams, stream)
	}
	b.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- event:
		default:
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
		}
	}
	return nil
}

// Subscribe registers a handler and returns its cancel function. Cancelling
// stops future delivery; events already queued on the stream may still arrive.
func (b *MemoryBus) Subscribe(handler Handler) func() {
	stream := make(chan Event, b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(stream)
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.streams[id] = stream
	b.mu.Unlock()

	go func() {
		for event := range stream {
			handler(event)
		}
	}()

	return func() {
		b.mu.Lock()
		if current, ok := b.streams[id]; ok {
			delete(b.streams, id)
			close(current)
		}
		b.mu.Unlock()
	}
}

// Close drops all subscribers and rejects future ones.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, stream := range b.streams {
		delete(b.streams, id)
		close(stream)
	}
	return nil
}

// Dropped reports how many events were discarded on saturated streams.
func (b *MemoryBus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
