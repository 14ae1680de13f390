// Package syncer mirrors authoritative session state locally, applies
// optimistic writes, and reconciles with inbound durable and ephemeral
// updates from the other participant.
package syncer

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	stdsync "sync"
	"time"

	apperrors "github.com/duoset/duoset/internal/platform/errors"
	"github.com/duoset/duoset/internal/session"
	"github.com/duoset/duoset/internal/storage"
	"github.com/duoset/duoset/internal/transport"
)

var (
	// ErrClosed indicates the controller was torn down and accepts no calls.
	ErrClosed = apperrors.New(apperrors.CodeSessionControllerClosed, "session controller is closed")
	// ErrUnbound indicates no session is bound.
	ErrUnbound = apperrors.New(apperrors.CodeSessionControllerUnbound, "no session is bound")
)

// Config defines the collaborators for a Controller.
type Config struct {
	// Store reads and persists the authoritative session row.
	Store storage.SessionStateStore
	// Transport hands out the per-session channel.
	Transport transport.Transport
	// ParticipantID stamps local writes and ephemeral signals.
	ParticipantID string
	// Clock overrides time.Now for tests.
	Clock func() time.Time
	// OnStateChange observes every local state replacement or patch.
	OnStateChange func(session.State)
	// OnPartnerExerciseComplete observes partner exercise-complete pings.
	OnPartnerExerciseComplete func(blockIndex, reps int)
}

// Controller mirrors one session's durable state. It owns a read/write
// mirror; the store owns the authoritative row.
//
// Lifecycle: Unbound (empty session id) -> Connecting (channel acquired,
// snapshot and subscribe in flight) -> Connected -> torn down via Close.
// Rebinding a new session id releases the previous channel before the new
// one is acquired; a generation counter discards completions of in-flight
// work from earlier bindings.
type Controller struct {
	store         storage.SessionStateStore
	transport     transport.Transport
	participantID string
	clock         func() time.Time

	onStateChange func(session.State)
	onPartnerDone func(blockIndex, reps int)

	mu         stdsync.Mutex
	sessionID  string
	channel    transport.Channel
	state      *session.State
	connected  bool
	generation uint64
	closed     bool
}

// New creates an unbound controller. Call Bind to attach it to a session.
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "session state store is required")
	}
	if cfg.Transport == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "transport is required")
	}
	participantID := strings.TrimSpace(cfg.ParticipantID)
	if participantID == "" {
		return nil, session.ErrEmptyParticipantID
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Controller{
		store:         cfg.Store,
		transport:     cfg.Transport,
		participantID: participantID,
		clock:         clock,
		onStateChange: cfg.OnStateChange,
		onPartnerDone: cfg.OnPartnerExerciseComplete,
	}, nil
}

// Bind attaches the controller to the given session, releasing any previous
// channel first. An empty session id unbinds without acquiring anything: no
// channel, no I/O, nil state.
func (c *Controller) Bind(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	previous := c.channel
	c.channel = nil
	c.state = nil
	c.connected = false
	c.generation++
	generation := c.generation
	c.sessionID = sessionID
	c.mu.Unlock()

	if previous != nil {
		c.transport.CloseChannel(previous)
	}
	if sessionID == "" {
		return nil
	}

	ch := c.transport.OpenChannel(transport.SessionChannel(sessionID))

	c.mu.Lock()
	if c.closed || c.generation != generation {
		c.mu.Unlock()
		c.transport.CloseChannel(ch)
		return nil
	}
	c.channel = ch
	c.mu.Unlock()

	ch.OnDurableChange(sessionID, func(row json.RawMessage) {
		var next session.State
		if err := json.Unmarshal(row, &next); err != nil {
			log.Printf("syncer: decode durable change for session %s: %v", sessionID, err)
			return
		}
		c.replaceState(generation, next)
	})
	ch.OnBroadcast(EventTimerTick, func(payload json.RawMessage) {
		var tick TimerTickPayload
		if err := json.Unmarshal(payload, &tick); err != nil {
			return
		}
		c.patchTimer(generation, tick.Seconds)
	})
	ch.OnBroadcast(EventExerciseComplete, func(payload json.RawMessage) {
		var done ExerciseCompletePayload
		if err := json.Unmarshal(payload, &done); err != nil {
			return
		}
		if c.onPartnerDone != nil && c.currentGeneration() == generation {
			c.onPartnerDone(done.BlockIndex, done.Reps)
		}
	})
	ch.Subscribe(func(status transport.Status) {
		c.setConnected(generation, status == transport.StatusSubscribed)
	})

	go c.fetchSnapshot(ctx, generation, sessionID)
	return nil
}

// Close tears the controller down. The bound channel, if any, is released
// exactly once; completions of in-flight work are discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.generation++
	previous := c.channel
	c.channel = nil
	c.state = nil
	c.connected = false
	c.mu.Unlock()

	if previous != nil {
		c.transport.CloseChannel(previous)
	}
}

// State returns a copy of the local mirror, or nil before the first durable
// truth arrives.
func (c *Controller) State() *session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return nil
	}
	copied := c.state.Clone()
	return &copied
}

// IsConnected reports whether the subscription handshake has completed.
func (c *Controller) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SessionID returns the bound session id, empty when unbound.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// UpdateState applies the patch to the local mirror immediately, then
// persists it asynchronously stamped with the current time and participant.
// When persistence fails the optimistic patch is not algebraically undone;
// the durable snapshot is re-fetched and overwrites the mirror, since the
// patch may already be stale relative to the partner's concurrent writes.
func (c *Controller) UpdateState(ctx context.Context, patch session.StatePatch) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.sessionID == "" {
		c.mu.Unlock()
		return ErrUnbound
	}
	generation := c.generation
	sessionID := c.sessionID
	now := c.clock()

	var notify *session.State
	if c.state != nil {
		patch.ApplyTo(c.state)
		c.state.UpdatedAt = now
		c.state.UpdatedBy = c.participantID
		copied := c.state.Clone()
		notify = &copied
	}
	c.mu.Unlock()

	if notify != nil && c.onStateChange != nil {
		c.onStateChange(*notify)
	}

	go c.persist(ctx, generation, sessionID, patch, now)
	return nil
}

// BroadcastTimerTick sends the remaining seconds as an ephemeral broadcast.
// Sends while not connected are lost; there is no queueing.
func (c *Controller) BroadcastTimerTick(seconds int) {
	ch := c.connectedChannel()
	if ch == nil {
		return
	}
	if seconds < 0 {
		seconds = 0
	}
	if err := ch.Send(EventTimerTick, TimerTickPayload{Seconds: seconds}); err != nil {
		log.Printf("syncer: broadcast timer tick: %v", err)
	}
}

// SignalExerciseComplete pings the partner that an exercise finished.
func (c *Controller) SignalExerciseComplete(blockIndex, reps int) {
	ch := c.connectedChannel()
	if ch == nil {
		return
	}
	payload := ExerciseCompletePayload{
		BlockIndex:    blockIndex,
		Reps:          reps,
		ParticipantID: c.participantID,
	}
	if err := ch.Send(EventExerciseComplete, payload); err != nil {
		log.Printf("syncer: signal exercise complete: %v", err)
	}
}

func (c *Controller) connectedChannel() transport.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.channel == nil {
		return nil
	}
	return c.channel
}

func (c *Controller) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Controller) fetchSnapshot(ctx context.Context, generation uint64, sessionID string) {
	state, err := c.store.GetSessionState(ctx, sessionID)
	if err != nil {
		// The mirror stays nil; a durable notification may still seed it.
		log.Printf("syncer: fetch snapshot for session %s: %v", sessionID, err)
		return
	}
	c.replaceState(generation, state)
}

func (c *Controller) persist(ctx context.Context, generation uint64, sessionID string, patch session.StatePatch, stamp time.Time) {
	_, err := c.store.UpdateSessionState(ctx, sessionID, patch, stamp, c.participantID)
	if err == nil {
		return
	}
	log.Printf("syncer: persist update for session %s: %v", sessionID, err)

	// Reconcile by refetch: the optimistic patch may be stale, so durable
	// truth overwrites the mirror wholesale.
	state, fetchErr := c.store.GetSessionState(ctx, sessionID)
	if fetchErr != nil {
		log.Printf("syncer: reconcile fetch for session %s: %v", sessionID, fetchErr)
		return
	}
	c.replaceState(generation, state)
}

// replaceState installs durable truth wholesale: last writer wins, no
// field-level merge, because durable payloads always carry the complete row.
func (c *Controller) replaceState(generation uint64, next session.State) {
	c.mu.Lock()
	if c.closed || c.generation != generation {
		c.mu.Unlock()
		return
	}
	copied := next.Clone()
	c.state = &copied
	notify := copied.Clone()
	onChange := c.onStateChange
	c.mu.Unlock()

	if onChange != nil {
		onChange(notify)
	}
}

// patchTimer applies an ephemeral tick to the timer field only. Ticks that
// arrive before any durable state exist are dropped; there is nothing to
// patch.
func (c *Controller) patchTimer(generation uint64, seconds int) {
	if seconds < 0 {
		seconds = 0
	}

	c.mu.Lock()
	if c.closed || c.generation != generation || c.state == nil {
		c.mu.Unlock()
		return
	}
	c.state.TimerSecondsRemaining = seconds
	notify := c.state.Clone()
	onChange := c.onStateChange
	c.mu.Unlock()

	if onChange != nil {
		onChange(notify)
	}
}

func (c *Controller) setConnected(generation uint64, connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.generation != generation {
		return
	}
	c.connected = connected
}
