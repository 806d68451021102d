package realtime

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Broker carries encoded envelopes between server instances.
type Broker interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe delivers every payload published after it returns, until ctx
	// is cancelled.
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

// DefaultTopic is the Redis channel every instance listens to.
const DefaultTopic = "chat-events"

// RedisBroker fans events out across instances through Redis Pub/Sub.
type RedisBroker struct {
	client *redis.Client
	topic  string
}

func NewRedisBroker(client *redis.Client, topic string) *RedisBroker {
	if topic == "" {
		topic = DefaultTopic
	}
	return &RedisBroker{client: client, topic: topic}
}

func (b *RedisBroker) Publish(ctx context.Context, payload []byte) error {
	return b.client.Publish(ctx, b.topic, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan []byte, error) {
	pubsub := b.client.Subscribe(ctx, b.topic)
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// LocalBroker loops events back inside one process. It is used when Redis is
// not configured and in tests.
type LocalBroker struct {
	mu   sync.RWMutex
	subs map[int]*localSub
	next int
}

type localSub struct {
	ch   chan []byte
	done chan struct{}
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[int]*localSub)}
}

func (b *LocalBroker) Publish(ctx context.Context, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- payload:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context) (<-chan []byte, error) {
	sub := &localSub{ch: make(chan []byte, 256), done: make(chan struct{})}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		close(sub.done)
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	return sub.ch, nil
}
