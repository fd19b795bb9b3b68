package msgbroker

import (
	"errors"
	"strings"
	"sync"
)

// memBroker is an in-process MessageBroker for single-instance deployments
// and tests. It mirrors the Redis loopback behavior: a publisher whose own
// pattern matches receives its own messages.
type memBroker struct {
	mu       sync.RWMutex
	handlers map[string]MessageHandler
	closed   bool
}

// NewMemoryBroker returns a MessageBroker that dispatches in-process.
func NewMemoryBroker() MessageBroker {
	return &memBroker{handlers: make(map[string]MessageHandler)}
}

// matches implements the subset of Redis glob patterns the package uses:
// a literal channel name or a trailing-star prefix pattern.
func matches(pattern, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}

func (mb *memBroker) Publish(msg []byte, channel string) error {
	mb.mu.RLock()
	if mb.closed {
		mb.mu.RUnlock()
		return errors.New("broker is closed")
	}
	var targets []MessageHandler
	for pattern, h := range mb.handlers {
		if matches(pattern, channel) {
			targets = append(targets, h)
		}
	}
	mb.mu.RUnlock()

	for _, h := range targets {
		go h(&Message{Channel: channel, Data: msg})
	}
	return nil
}

func (mb *memBroker) Subscribe(pattern string, cb MessageHandler) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return errors.New("broker is closed")
	}
	mb.handlers[pattern] = cb
	return nil
}

func (mb *memBroker) Unsubscribe(patterns ...string) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for _, p := range patterns {
		delete(mb.handlers, p)
	}
	return nil
}

func (mb *memBroker) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.closed = true
	mb.handlers = make(map[string]MessageHandler)
	return nil
}
