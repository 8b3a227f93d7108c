package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisBusConfig configures the Redis-backed Bus.
type RedisBusConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
	Logger   *zap.Logger
}

// RedisBus publishes events over a Redis pub/sub channel so every instance in
// a multi-instance deployment observes every configuration change.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger

	mu       sync.RWMutex
	handlers map[int64]Handler
	nextID   int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBus connects to Redis and starts the receive loop.
func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	bus := &RedisBus{
		client:   client,
		channel:  cfg.Channel,
		logger:   logger,
		handlers: make(map[int64]Handler),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	subscription := client.Subscribe(ctx, cfg.Channel)
	go bus.receive(ctx, subscription)

	return bus, nil
}

// Publish serializes the event and publishes it on the configured channel.
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, raw).Err()
}

// Subscribe registers a handler for decoded events from the channel.
func (b *RedisBus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Close stops the receive loop and closes the client.
func (b *RedisBus) Close() error {
	b.cancel()
	<-b.done
	return b.client.Close()
}

func (b *RedisBus) receive(ctx context.Context, subscription *redis.PubSub) {
	defer close(b.done)
	defer subscription.Close()

	messages := subscription.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
				b.logger.Warn("discarding undecodable config event",
					zap.String("channel", b.channel),
					zap.Error(err))
				continue
			}
			b.dispatch(event)
		}
	}
}

func (b *RedisBus) dispatch(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, handler := range b.handlers {
		handlers = append(handlers, handler)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
