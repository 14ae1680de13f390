// Package storage defines persistence interfaces for session state records.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/duoset/duoset/internal/session"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// SessionStateStore persists the authoritative session state row.
//
// UpdateSessionState applies the patch fields on top of the stored row and
// returns the complete updated record; the most recent persisted write wins
// with no cross-field merge.
type SessionStateStore interface {
	GetSessionState(ctx context.Context, sessionID string) (session.State, error)
	PutSessionState(ctx context.Context, state session.State) error
	UpdateSessionState(ctx context.Context, sessionID string, fields session.StatePatch, updatedAt time.Time, updatedBy string) (session.State, error)
}
