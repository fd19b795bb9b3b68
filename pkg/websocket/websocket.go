package websocket

import "sync"

// Subscriber is a live signaling connection that can receive pushed frames.
type Subscriber interface {
	GetID() string
	Send(b []byte) error
}

// Channels tracks which local connections are bound to which room channel,
// so broker messages can be fanned out to them.
type Channels interface {
	Subscribe(s Subscriber, channels ...string)
	Unsubscribe(s Subscriber, channels ...string)
	GetSubscribers(channel string) []Subscriber
}

type channels struct {
	sync.Mutex
	storage map[string]map[string]Subscriber
}

func NewChannels() Channels {
	return &channels{
		storage: make(map[string]map[string]Subscriber),
	}
}

func (h *channels) Subscribe(s Subscriber, chans ...string) {
	h.Lock()
	for _, ch := range chans {
		_, exists := h.storage[ch]
		if !exists {
			h.storage[ch] = make(map[string]Subscriber)
		}
		h.storage[ch][s.GetID()] = s
	}
	h.Unlock()
}

func (h *channels) Unsubscribe(s Subscriber, chans ...string) {
	h.Lock()
	for _, ch := range chans {
		subs, exists := h.storage[ch]
		if exists {
			delete(subs, s.GetID())
			if len(subs) == 0 {
				delete(h.storage, ch)
			}
		}
	}
	h.Unlock()
}

func (h *channels) GetSubscribers(channel string) []Subscriber {
	var result []Subscriber
	h.Lock()
	subscribers, channelExists := h.storage[channel]
	if channelExists {
		for _, s := range subscribers {
			result = append(result, s)
		}
	}
	h.Unlock()
	return result
}
