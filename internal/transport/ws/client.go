// Package ws implements the session transport over the relay WebSocket.
//
// The wire protocol is a stream of JSON frames. One connection carries one
// session scope; the read loop dispatches handlers one at a time, so
// consumers see the cooperative single-handler model the controller expects.
package ws

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/duoset/duoset/internal/transport"
	"golang.org/x/net/websocket"
)

// Config defines how the client reaches the relay.
type Config struct {
	// URL is the relay WebSocket endpoint, e.g. ws://localhost:8087/ws.
	URL string
	// Origin is the HTTP origin sent during the handshake.
	Origin string
	// ParticipantID identifies this client in join frames.
	ParticipantID string
	// Grant is an optional join grant token forwarded to the relay.
	Grant string
}

// Transport dials one relay WebSocket per opened channel.
type Transport struct {
	url           string
	origin        string
	participantID string
	grant         string
}

// NewTransport creates a relay WebSocket transport.
func NewTransport(cfg Config) (*Transport, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("relay websocket url is required")
	}
	origin := strings.TrimSpace(cfg.Origin)
	if origin == "" {
		origin = "http://localhost/"
	}
	return &Transport{
		url:           url,
		origin:        origin,
		participantID: strings.TrimSpace(cfg.ParticipantID),
		grant:         strings.TrimSpace(cfg.Grant),
	}, nil
}

// OpenChannel creates a channel for the named session scope. Nothing is
// dialed until Subscribe.
func (t *Transport) OpenChannel(name string) transport.Channel {
	return &Channel{
		transport:  t,
		name:       name,
		broadcasts: make(map[string][]transport.BroadcastHandler),
	}
}

// CloseChannel releases the channel and its connection. Closing twice is a
// no-op.
func (t *Transport) CloseChannel(ch transport.Channel) {
	channel, ok := ch.(*Channel)
	if !ok || channel == nil {
		return
	}
	channel.close()
}

// Channel is one session-scoped relay connection.
type Channel struct {
	transport *Transport
	name      string

	mu            sync.Mutex
	durableFilter string
	durable       []transport.DurableChangeHandler
	broadcasts    map[string][]transport.BroadcastHandler
	onStatus      transport.StatusHandler
	conn          *websocket.Conn
	encoder       *json.Encoder
	subscribed    bool
	closed        bool
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

// Subscribe dials the relay and performs the join handshake asynchronously.
// The status handler observes the outcome.
func (c *Channel) Subscribe(onStatus transport.StatusHandler) {
	c.mu.Lock()
	if c.closed || c.subscribed {
		c.mu.Unlock()
		return
	}
	c.subscribed = true
	c.onStatus = onStatus
	c.mu.Unlock()

	go c.connect()
}

// Send publishes an ephemeral broadcast frame. Sends before the handshake
// completes are dropped with an error; nothing queues.
func (c *Channel) Send(event string, payload any) error {
	c.mu.Lock()
	encoder := c.encoder
	closed := c.closed
	c.mu.Unlock()
	if closed || encoder == nil {
		return fmt.Errorf("channel %q is not connected", c.name)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast payload: %w", err)
	}
	inner, err := json.Marshal(BroadcastPayload{Event: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal broadcast frame: %w", err)
	}
	return c.writeFrame(Frame{Type: FrameBroadcast, Payload: inner})
}

func (c *Channel) connect() {
	sessionID := transport.SessionFromChannel(c.name)

	conn, err := websocket.Dial(c.transport.url, "", c.transport.origin)
	if err != nil {
		c.fail()
		return
	}

	join, err := json.Marshal(JoinPayload{
		SessionID:     sessionID,
		ParticipantID: c.transport.participantID,
		Grant:         c.transport.grant,
	})
	if err != nil {
		_ = conn.Close()
		c.fail()
		return
	}

	encoder := json.NewEncoder(conn)
	decoder := json.NewDecoder(conn)
	if err := encoder.Encode(Frame{Type: FrameJoin, Payload: join}); err != nil {
		_ = conn.Close()
		c.fail()
		return
	}

	var ack Frame
	if err := decoder.Decode(&ack); err != nil || ack.Type != FrameJoined {
		_ = conn.Close()
		c.fail()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.encoder = encoder
	onStatus := c.onStatus
	c.mu.Unlock()

	if onStatus != nil {
		onStatus(transport.StatusSubscribed)
	}
	c.readLoop(decoder)
}

func (c *Channel) readLoop(decoder *json.Decoder) {
	for {
		var frame Frame
		if err := decoder.Decode(&frame); err != nil {
			c.fail()
			return
		}

		switch frame.Type {
		case FrameDurableChange:
			var change DurableChangePayload
			if err := json.Unmarshal(frame.Payload, &change); err != nil {
				continue
			}
			c.dispatchDurable(change.SessionID, change.Row)
		case FrameBroadcast:
			var broadcast BroadcastPayload
			if err := json.Unmarshal(frame.Payload, &broadcast); err != nil {
				continue
			}
			c.dispatchBroadcast(broadcast.Event, broadcast.Payload)
		case FrameError:
			c.fail()
			return
		}
	}
}

func (c *Channel) dispatchDurable(filter string, row json.RawMessage) {
	c.mu.Lock()
	if c.closed || (c.durableFilter != "" && filter != "" && c.durableFilter != filter) {
		c.mu.Unlock()
		return
	}
	handlers := append([]transport.DurableChangeHandler(nil), c.durable...)
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(row)
	}
}

func (c *Channel) dispatchBroadcast(event string, payload json.RawMessage) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	handlers := append([]transport.BroadcastHandler(nil), c.broadcasts[event]...)
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(payload)
	}
}

func (c *Channel) writeFrame(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.encoder == nil {
		return fmt.Errorf("channel %q is not connected", c.name)
	}
	return c.encoder.Encode(frame)
}

// fail reports StatusError once and drops the connection.
func (c *Channel) fail() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.encoder = nil
	onStatus := c.onStatus
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if onStatus != nil {
		onStatus(transport.StatusError)
	}
}

func (c *Channel) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.encoder = nil
	onStatus := c.onStatus
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if onStatus != nil {
		onStatus(transport.StatusClosed)
	}
}
