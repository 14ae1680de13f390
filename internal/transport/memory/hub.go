// Package memory provides an in-process transport hub. It backs the relay
// fan-out path and gives tests and single-process deployments a deterministic
// transport without sockets.
package memory

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/duoset/duoset/internal/transport"
)

// Hub routes durable change notifications and ephemeral broadcasts between
// channels that share a name.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[*Channel]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Channel]struct{})}
}

// OpenChannel creates a channel for the given name. The channel delivers
// nothing until Subscribe is called.
func (h *Hub) OpenChannel(name string) transport.Channel {
	return &Channel{
		hub:        h,
		name:       name,
		broadcasts: make(map[string][]transport.BroadcastHandler),
	}
}

// CloseChannel detaches the channel from its room and stops delivery. Closing
// an already-closed channel is a no-op.
func (h *Hub) CloseChannel(ch transport.Channel) {
	channel, ok := ch.(*Channel)
	if !ok || channel == nil {
		return
	}

	channel.mu.Lock()
	if channel.closed {
		channel.mu.Unlock()
		return
	}
	channel.closed = true
	channel.subscribed = false
	onStatus := channel.onStatus
	channel.mu.Unlock()

	h.mu.Lock()
	if subscribers, ok := h.rooms[channel.name]; ok {
		delete(subscribers, channel)
		if len(subscribers) == 0 {
			delete(h.rooms, channel.name)
		}
	}
	h.mu.Unlock()

	if onStatus != nil {
		onStatus(transport.StatusClosed)
	}
}

// PublishDurableChange fans the full updated row out to every subscribed
// channel on the named room, including any publisher's own channel: durable
// notifications represent store truth, not peer chatter.
func (h *Hub) PublishDurableChange(name, filter string, row json.RawMessage) {
	for _, ch := range h.subscribers(name) {
		ch.deliverDurable(filter, row)
	}
}

func (h *Hub) subscribers(name string) []*Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[name]
	out := make([]*Channel, 0, len(room))
	for ch := range room {
		out = append(out, ch)
	}
	return out
}

func (h *Hub) attach(ch *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[ch.name]
	if !ok {
		room = make(map[*Channel]struct{})
		h.rooms[ch.name] = room
	}
	room[ch] = struct{}{}
}

func (h *Hub) broadcast(from *Channel, event string, payload json.RawMessage) {
	for _, ch := range h.subscribers(from.name) {
		if ch == from {
			continue
		}
		ch.deliverBroadcast(event, payload)
	}
}

// Channel is an in-process transport channel. Handler dispatch is serialized
// per channel.
type Channel struct {
	hub  *Hub
	name string

	mu            sync.Mutex
	durableFilter string
	durable       []transport.DurableChangeHandler
	broadcasts    map[string][]transport.BroadcastHandler
	onStatus      transport.StatusHandler
	subscribed    bool
	closed        bool

	dispatchMu sync.Mutex
}

// OnDurableChange registers a durable change handler for the given filter.
func (c *Channel) OnDurableChange(filter string, handler transport.DurableChangeHandler) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.durableFilter = filter
	c.durable = append(c.durable, handler)
	c.mu.Unlock()
}

// OnBroadcast registers a handler for a named ephemeral event.
func (c *Channel) OnBroadcast(event string, handler transport.BroadcastHandler) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.broadcasts[event] = append(c.broadcasts[event], handler)
	c.mu.Unlock()
}

// Subscribe attaches the channel to its room. The handshake is synchronous
// in-process, so StatusSubscribed is reported before Subscribe returns.
func (c *Channel) Subscribe(onStatus transport.StatusHandler) {
	c.mu.Lock()
	if c.closed || c.subscribed {
		c.mu.Unlock()
		return
	}
	c.subscribed = true
	c.onStatus = onStatus
	c.mu.Unlock()

	c.hub.attach(c)
	if onStatus != nil {
		onStatus(transport.StatusSubscribed)
	}
}

// Send publishes an ephemeral broadcast to every other subscribed channel in
// the room. Sends before Subscribe or after close are dropped.
func (c *Channel) Send(event string, payload any) error {
	c.mu.Lock()
	ready := c.subscribed && !c.closed
	c.mu.Unlock()
	if !ready {
		return fmt.Errorf("channel %q is not subscribed", c.name)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast payload: %w", err)
	}
	c.hub.broadcast(c, event, raw)
	return nil
}

func (c *Channel) deliverDurable(filter string, row json.RawMessage) {
	c.mu.Lock()
	if !c.subscribed || c.closed || (c.durableFilter != "" && filter != "" && c.durableFilter != filter) {
		c.mu.Unlock()
		return
	}
	handlers := append([]transport.DurableChangeHandler(nil), c.durable...)
	c.mu.Unlock()

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	for _, handler := range handlers {
		handler(row)
	}
}

func (c *Channel) deliverBroadcast(event string, payload json.RawMessage) {
	c.mu.Lock()
	if !c.subscribed || c.closed {
		c.mu.Unlock()
		return
	}
	handlers := append([]transport.BroadcastHandler(nil), c.broadcasts[event]...)
	c.mu.Unlock()

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	for _, handler := range handlers {
		handler(payload)
	}
}
