package msgbroker

import (
	"sync"

	"github.com/go-redis/redis/v7"
)

// redisBroker is the implementation of MessageBroker using Redis pub/sub,
// for deployments where signaling connections land on multiple instances.
type redisBroker struct {
	client *redis.Client
	pubSub *redis.PubSub

	mu       sync.RWMutex
	handlers map[string]MessageHandler
}

// NewRedisBroker returns an implementation of MessageBroker using Redis
func NewRedisBroker(r *redis.Client) MessageBroker {
	rb := &redisBroker{
		client:   r,
		pubSub:   r.Subscribe(),
		handlers: make(map[string]MessageHandler),
	}
	go rb.serveMessages()
	return rb
}

func (rb *redisBroker) serveMessages() {
	for msg := range rb.pubSub.Channel() {
		rb.mu.RLock()
		handler, exists := rb.handlers[msg.Pattern]
		rb.mu.RUnlock()
		if exists {
			go handler(&Message{
				Channel: msg.Channel,
				Data:    []byte(msg.Payload),
			})
		}
	}
}

func (rb *redisBroker) Close() error {
	return rb.pubSub.Close()
}

// Publish pushes msg to every instance subscribed to a matching pattern,
// including this one. A channel with no recipients is not an error: the
// room's members may all be connected elsewhere.
func (rb *redisBroker) Publish(msg []byte, channel string) error {
	return rb.client.Publish(channel, string(msg)).Err()
}

func (rb *redisBroker) Subscribe(pattern string, cb MessageHandler) error {
	err := rb.pubSub.PSubscribe(pattern)
	if err != nil {
		return err
	}
	rb.mu.Lock()
	rb.handlers[pattern] = cb
	rb.mu.Unlock()
	return nil
}

func (rb *redisBroker) Unsubscribe(patterns ...string) error {
	if len(patterns) == 0 {
		return nil
	}
	rb.mu.Lock()
	for _, p := range patterns {
		delete(rb.handlers, p)
	}
	rb.mu.Unlock()
	return rb.pubSub.PUnsubscribe(patterns...)
}
