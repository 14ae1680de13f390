// Package syncfakes provides in-memory collaborator fakes for session sync
// tests.
package syncfakes

import (
	"context"
	"sync"
	"time"

	"github.com/duoset/duoset/internal/session"
	"github.com/duoset/duoset/internal/storage"
	"github.com/duoset/duoset/internal/transport"
)

// UpdateCall records one UpdateSessionState invocation.
type UpdateCall struct {
	SessionID string
	Fields    session.StatePatch
	UpdatedAt time.Time
	UpdatedBy string
}

// SessionStateStore is an in-memory SessionStateStore fake with injectable
// failures and gates for exercising asynchronous paths.
type SessionStateStore struct {
	mu          sync.Mutex
	states      map[string]session.State
	getErr      error
	updateErr   error
	getGate     chan struct{}
	updateGate  chan struct{}
	updateCalls []UpdateCall
}

// NewSessionStateStore constructs a SessionStateStore fake.
func NewSessionStateStore() *SessionStateStore {
	return &SessionStateStore{states: make(map[string]session.State)}
}

// Seed stores a session state row.
func (s *SessionStateStore) Seed(state session.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.SessionID] = state.Clone()
}

// SetGetErr makes GetSessionState fail with err.
func (s *SessionStateStore) SetGetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr = err
}

// SetUpdateErr makes UpdateSessionState fail with err.
func (s *SessionStateStore) SetUpdateErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateErr = err
}

// GateGets blocks GetSessionState until the returned channel is closed.
func (s *SessionStateStore) GateGets() chan struct{} {
	gate := make(chan struct{})
	s.mu.Lock()
	s.getGate = gate
	s.mu.Unlock()
	return gate
}

// GateUpdates blocks UpdateSessionState until the returned channel is closed.
func (s *SessionStateStore) GateUpdates() chan struct{} {
	gate := make(chan struct{})
	s.mu.Lock()
	s.updateGate = gate
	s.mu.Unlock()
	return gate
}

// UpdateCalls returns the recorded update invocations.
func (s *SessionStateStore) UpdateCalls() []UpdateCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UpdateCall(nil), s.updateCalls...)
}

// GetSessionState implements storage.SessionStateStore.
func (s *SessionStateStore) GetSessionState(_ context.Context, sessionID string) (session.State, error) {
	s.mu.Lock()
	gate := s.getGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return session.State{}, s.getErr
	}
	state, ok := s.states[sessionID]
	if !ok {
		return session.State{}, storage.ErrNotFound
	}
	return state.Clone(), nil
}

// PutSessionState implements storage.SessionStateStore.
func (s *SessionStateStore) PutSessionState(_ context.Context, state session.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.SessionID] = state.Clone()
	return nil
}

// UpdateSessionState implements storage.SessionStateStore.
func (s *SessionStateStore) UpdateSessionState(_ context.Context, sessionID string, fields session.StatePatch, updatedAt time.Time, updatedBy string) (session.State, error) {
	s.mu.Lock()
	gate := s.updateGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls = append(s.updateCalls, UpdateCall{
		SessionID: sessionID,
		Fields:    fields,
		UpdatedAt: updatedAt,
		UpdatedBy: updatedBy,
	})
	if s.updateErr != nil {
		return session.State{}, s.updateErr
	}
	state, ok := s.states[sessionID]
	if !ok {
		return session.State{}, storage.ErrNotFound
	}
	fields.ApplyTo(&state)
	state.UpdatedAt = updatedAt
	state.UpdatedBy = updatedBy
	s.states[sessionID] = state.Clone()
	return state.Clone(), nil
}

// CountingTransport wraps a Transport and counts channel opens and releases.
type CountingTransport struct {
	Inner transport.Transport

	mu     sync.Mutex
	opened int
	closed int
}

// NewCountingTransport wraps inner with open/close accounting.
func NewCountingTransport(inner transport.Transport) *CountingTransport {
	return &CountingTransport{Inner: inner}
}

// OpenChannel implements transport.Transport.
func (t *CountingTransport) OpenChannel(name string) transport.Channel {
	t.mu.Lock()
	t.opened++
	t.mu.Unlock()
	return t.Inner.OpenChannel(name)
}

// CloseChannel implements transport.Transport.
func (t *CountingTransport) CloseChannel(ch transport.Channel) {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
	t.Inner.CloseChannel(ch)
}

// Opened returns the number of channels handed out.
func (t *CountingTransport) Opened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened
}

// Closed returns the number of channels released.
func (t *CountingTransport) Closed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
