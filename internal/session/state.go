// Package session defines the shared state mirrored by both participants of a
// partner workout session.
package session

import (
	"time"

	apperrors "github.com/duoset/duoset/internal/platform/errors"
)

var (
	// ErrEmptySessionID indicates a missing session ID.
	ErrEmptySessionID = apperrors.New(apperrors.CodeSessionEmptyID, "session id is required")
	// ErrEmptyParticipantID indicates a missing participant ID.
	ErrEmptyParticipantID = apperrors.New(apperrors.CodeSessionEmptyParticipant, "participant id is required")
)

// State is the durable session record mirrored per client. The authoritative
// row lives in storage; clients hold a read/write mirror only.
//
// Paused and TimerRunning are tracked independently: pausing does not stop
// the timer at the data level, so whichever component pauses must also issue
// a timer update.
type State struct {
	SessionID             string     `json:"session_id"`
	CurrentBlockIndex     int        `json:"current_block_index"`
	BlockStartedAt        *time.Time `json:"block_started_at,omitempty"`
	TimerRunning          bool       `json:"timer_running"`
	TimerSecondsRemaining int        `json:"timer_seconds_remaining"`
	Paused                bool       `json:"is_paused"`
	PausedBy              string     `json:"paused_by,omitempty"`
	PartnerAReady         bool       `json:"partner_a_ready"`
	PartnerBReady         bool       `json:"partner_b_ready"`
	UpdatedAt             time.Time  `json:"last_updated_at"`
	UpdatedBy             string     `json:"updated_by,omitempty"`
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	if s.BlockStartedAt != nil {
		at := *s.BlockStartedAt
		s.BlockStartedAt = &at
	}
	return s
}

// StatePatch carries a partial field update. Nil fields are left untouched
// when the patch is applied.
type StatePatch struct {
	CurrentBlockIndex     *int       `json:"current_block_index,omitempty"`
	BlockStartedAt        *time.Time `json:"block_started_at,omitempty"`
	TimerRunning          *bool      `json:"timer_running,omitempty"`
	TimerSecondsRemaining *int       `json:"timer_seconds_remaining,omitempty"`
	Paused                *bool      `json:"is_paused,omitempty"`
	PausedBy              *string    `json:"paused_by,omitempty"`
	PartnerAReady         *bool      `json:"partner_a_ready,omitempty"`
	PartnerBReady         *bool      `json:"partner_b_ready,omitempty"`
}

// IsZero reports whether the patch carries no fields.
func (p StatePatch) IsZero() bool {
	return p.CurrentBlockIndex == nil &&
		p.BlockStartedAt == nil &&
		p.TimerRunning == nil &&
		p.TimerSecondsRemaining == nil &&
		p.Paused == nil &&
		p.PausedBy == nil &&
		p.PartnerAReady == nil &&
		p.PartnerBReady == nil
}

// ApplyTo overwrites the non-nil patch fields on the target state. Counters
// clamp to zero rather than going negative.
func (p StatePatch) ApplyTo(s *State) {
	if s == nil {
		return
	}
	if p.CurrentBlockIndex != nil {
		s.CurrentBlockIndex = clampNonNegative(*p.CurrentBlockIndex)
	}
	if p.BlockStartedAt != nil {
		at := *p.BlockStartedAt
		s.BlockStartedAt = &at
	}
	if p.TimerRunning != nil {
		s.TimerRunning = *p.TimerRunning
	}
	if p.TimerSecondsRemaining != nil {
		s.TimerSecondsRemaining = clampNonNegative(*p.TimerSecondsRemaining)
	}
	if p.Paused != nil {
		s.Paused = *p.Paused
	}
	if p.PausedBy != nil {
		s.PausedBy = *p.PausedBy
	}
	if p.PartnerAReady != nil {
		s.PartnerAReady = *p.PartnerAReady
	}
	if p.PartnerBReady != nil {
		s.PartnerBReady = *p.PartnerBReady
	}
}

func clampNonNegative(value int) int {
	if value < 0 {
		return 0
	}
	return value
}

// Int returns a pointer to the given int, for building patches.
func Int(value int) *int { return &value }

// Bool returns a pointer to the given bool, for building patches.
func Bool(value bool) *bool { return &value }

// String returns a pointer to the given string, for building patches.
func String(value string) *string { return &value }

// Time returns a pointer to the given time, for building patches.
func Time(value time.Time) *time.Time { return &value }
