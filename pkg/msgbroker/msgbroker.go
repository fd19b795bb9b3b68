package msgbroker

// MessageBroker carries signaling traffic between server instances.
// Channels are named per room; subscriptions use glob patterns so one
// subscriber can cover every room ("signal:*").
type MessageBroker interface {
	// Publish sends msg to channel
	Publish(msg []byte, channel string) error
	// Subscribe registers cb for every channel matching pattern
	Subscribe(pattern string, cb MessageHandler) error
	// Unsubscribe removes the given patterns
	Unsubscribe(patterns ...string) error
	// Close closes subscriptions
	Close() error
}

// MessageHandler is a callback function that processes messages delivered to subscribers.
type MessageHandler func(msg *Message)

// Message is the representation of transmitted data
type Message struct {
	Channel string
	Data    []byte
}
