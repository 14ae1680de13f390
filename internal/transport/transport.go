// Package transport defines the named channel abstraction used to exchange
// durable change notifications and ephemeral broadcasts between session
// participants.
package transport

import (
	"encoding/json"
	"strings"
)

// Status describes the subscription state of a channel.
type Status int

const (
	// StatusUnspecified represents an invalid status value.
	StatusUnspecified Status = iota
	// StatusSubscribed indicates the subscription handshake completed.
	StatusSubscribed
	// StatusClosed indicates the channel was released.
	StatusClosed
	// StatusError indicates the channel failed and will not deliver messages.
	StatusError
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusSubscribed:
		return "subscribed"
	case StatusClosed:
		return "closed"
	case StatusError:
		return "error"
	}
	return "unspecified"
}

// DurableChangeHandler receives the complete updated record after a durable
// store write. Delivery is at-least-once; payloads are full rows, so
// redundant deliveries are idempotent for last-writer-wins consumers.
type DurableChangeHandler func(row json.RawMessage)

// BroadcastHandler receives an ephemeral broadcast payload. Broadcasts carry
// no delivery guarantee: duplicates, drops, and reordering must be tolerated.
type BroadcastHandler func(payload json.RawMessage)

// StatusHandler observes subscription lifecycle transitions.
type StatusHandler func(status Status)

// Channel is a named conversation scoped to one session. Handlers must be
// registered before Subscribe; implementations dispatch handlers one at a
// time.
type Channel interface {
	// OnDurableChange registers a handler for durable change notifications
	// filtered to the given record key.
	OnDurableChange(filter string, handler DurableChangeHandler)
	// OnBroadcast registers a handler for a named ephemeral event.
	OnBroadcast(event string, handler BroadcastHandler)
	// Subscribe starts delivery and reports lifecycle transitions.
	Subscribe(onStatus StatusHandler)
	// Send publishes an ephemeral broadcast. It is fire-and-forget: no
	// retry, no acknowledgement, no persistence.
	Send(event string, payload any) error
}

// Transport hands out channels by name and releases them. Every opened
// channel must be released exactly once.
type Transport interface {
	OpenChannel(name string) Channel
	CloseChannel(ch Channel)
}

const sessionChannelPrefix = "session:"

// SessionChannel returns the canonical channel name for a session.
func SessionChannel(sessionID string) string {
	return sessionChannelPrefix + strings.TrimSpace(sessionID)
}

// SessionFromChannel extracts the session id from a canonical channel name.
// It returns an empty string for names outside the session namespace.
func SessionFromChannel(name string) string {
	if !strings.HasPrefix(name, sessionChannelPrefix) {
		return ""
	}
	return strings.TrimPrefix(name, sessionChannelPrefix)
}
