package broadcast

import (
	"context"
	"sync"
)

const clientBuffer = 16

// Message is one snapshot delivered to a client.
type Message struct {
	Channel Channel
	Payload []byte
}

// Client is one connected subscriber. It may join several channels and
// leaves all of them on Unregister.
type Client struct {
	hub      *Hub
	messages chan Message
}

func (c *Client) Messages() <-chan Message {
	return c.messages
}

func (c *Client) Join(ch Channel) {
	c.hub.join(c, ch)
}

// Hub fans snapshots out to the clients of a channel inside this process.
type Hub struct {
	mu       sync.RWMutex
	channels map[Channel]map[*Client]struct{}
	clients  map[*Client][]Channel
}

func NewHub() *Hub {
	return &Hub{
		channels: make(map[Channel]map[*Client]struct{}),
		clients:  make(map[*Client][]Channel),
	}
}

func (h *Hub) Register() *Client {
	c := &Client{hub: h, messages: make(chan Message, clientBuffer)}

	h.mu.Lock()
	h.clients[c] = nil
	h.mu.Unlock()

	return c
}

// Unregister removes c from every channel and closes its message stream.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	joined, ok := h.clients[c]
	if !ok {
		return
	}
	for _, ch := range joined {
		members := h.channels[ch]
		delete(members, c)
		if len(members) == 0 {
			delete(h.channels, ch)
		}
	}
	delete(h.clients, c)
	close(c.messages)
}

func (h *Hub) join(c *Client, ch Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	joined, ok := h.clients[c]
	if !ok {
		return
	}
	members := h.channels[ch]
	if members == nil {
		members = make(map[*Client]struct{})
		h.channels[ch] = members
	}
	if _, already := members[c]; already {
		return
	}
	members[c] = struct{}{}
	h.clients[c] = append(joined, ch)
}

// Send delivers payload to every member of ch. A client whose buffer is full
// loses its oldest queued message so the newest snapshot always lands.
func (h *Hub) Send(_ context.Context, ch Channel, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	msg := Message{Channel: ch, Payload: payload}
	for c := range h.channels[ch] {
		c.offer(msg)
	}
	return nil
}

func (c *Client) offer(msg Message) {
	for {
		select {
		case c.messages <- msg:
			return
		default:
		}
		select {
		case <-c.messages:
		default:
		}
	}
}

// Subscribers reports how many clients joined ch.
func (h *Hub) Subscribers(ch Channel) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[ch])
}
