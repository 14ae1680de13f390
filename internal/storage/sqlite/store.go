// Package sqlite provides a SQLite-backed session state store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/duoset/duoset/internal/platform/storage/sqlitemigrate"
	"github.com/duoset/duoset/internal/session"
	"github.com/duoset/duoset/internal/storage"
	"github.com/duoset/duoset/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists session state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite session store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// GetSessionState reads one session state row.
func (s *Store) GetSessionState(ctx context.Context, sessionID string) (session.State, error) {
	if err := ctx.Err(); err != nil {
		return session.State{}, err
	}
	if s == nil || s.sqlDB == nil {
		return session.State{}, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return session.State{}, session.ErrEmptySessionID
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT session_id, current_block_index, block_started_at, timer_running,
       timer_seconds_remaining, is_paused, paused_by, partner_a_ready,
       partner_b_ready, last_updated_at, updated_by
FROM session_states WHERE session_id = ?`, sessionID)
	return scanState(row)
}

// PutSessionState inserts or replaces a full session state row.
func (s *Store) PutSessionState(ctx context.Context, state session.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	sessionID := strings.TrimSpace(state.SessionID)
	if sessionID == "" {
		return session.ErrEmptySessionID
	}

	var startedAt sql.NullInt64
	if state.BlockStartedAt != nil {
		startedAt = sql.NullInt64{Int64: toMillis(*state.BlockStartedAt), Valid: true}
	}
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT OR REPLACE INTO session_states (
    session_id, current_block_index, block_started_at, timer_running,
    timer_seconds_remaining, is_paused, paused_by, partner_a_ready,
    partner_b_ready, last_updated_at, updated_by
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID,
		state.CurrentBlockIndex,
		startedAt,
		boolToInt(state.TimerRunning),
		state.TimerSecondsRemaining,
		boolToInt(state.Paused),
		state.PausedBy,
		boolToInt(state.PartnerAReady),
		boolToInt(state.PartnerBReady),
		toMillis(updatedAt),
		state.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("put session state: %w", err)
	}
	return nil
}

// UpdateSessionState applies the patch fields on top of the stored row and
// returns the complete updated record.
func (s *Store) UpdateSessionState(ctx context.Context, sessionID string, fields session.StatePatch, updatedAt time.Time, updatedBy string) (session.State, error) {
	if err := ctx.Err(); err != nil {
		return session.State{}, err
	}
	if s == nil || s.sqlDB == nil {
		return session.State{}, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return session.State{}, session.ErrEmptySessionID
	}
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	assignments := []string{"last_updated_at = ?", "updated_by = ?"}
	args := []any{toMillis(updatedAt), updatedBy}

	if fields.CurrentBlockIndex != nil {
		assignments = append(assignments, "current_block_index = ?")
		args = append(args, max(0, *fields.CurrentBlockIndex))
	}
	if fields.BlockStartedAt != nil {
		assignments = append(assignments, "block_started_at = ?")
		args = append(args, toMillis(*fields.BlockStartedAt))
	}
	if fields.TimerRunning != nil {
		assignments = append(assignments, "timer_running = ?")
		args = append(args, boolToInt(*fields.TimerRunning))
	}
	if fields.TimerSecondsRemaining != nil {
		assignments = append(assignments, "timer_seconds_remaining = ?")
		args = append(args, max(0, *fields.TimerSecondsRemaining))
	}
	if fields.Paused != nil {
		assignments = append(assignments, "is_paused = ?")
		args = append(args, boolToInt(*fields.Paused))
	}
	if fields.PausedBy != nil {
		assignments = append(assignments, "paused_by = ?")
		args = append(args, *fields.PausedBy)
	}
	if fields.PartnerAReady != nil {
		assignments = append(assignments, "partner_a_ready = ?")
		args = append(args, boolToInt(*fields.PartnerAReady))
	}
	if fields.PartnerBReady != nil {
		assignments = append(assignments, "partner_b_ready = ?")
		args = append(args, boolToInt(*fields.PartnerBReady))
	}
	args = append(args, sessionID)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return session.State{}, fmt.Errorf("begin update transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		"UPDATE session_states SET "+strings.Join(assignments, ", ")+" WHERE session_id = ?",
		args...,
	)
	if err != nil {
		return session.State{}, fmt.Errorf("update session state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return session.State{}, fmt.Errorf("update session state rows: %w", err)
	}
	if affected == 0 {
		return session.State{}, storage.ErrNotFound
	}

	row := tx.QueryRowContext(ctx, `
SELECT session_id, current_block_index, block_started_at, timer_running,
       timer_seconds_remaining, is_paused, paused_by, partner_a_ready,
       partner_b_ready, last_updated_at, updated_by
FROM session_states WHERE session_id = ?`, sessionID)
	state, err := scanState(row)
	if err != nil {
		return session.State{}, err
	}
	if err := tx.Commit(); err != nil {
		return session.State{}, fmt.Errorf("commit update transaction: %w", err)
	}
	return state, nil
}

func scanState(row *sql.Row) (session.State, error) {
	var (
		state       session.State
		startedAt   sql.NullInt64
		timerOn     int
		paused      int
		aReady      int
		bReady      int
		updatedAtMs int64
	)
	err := row.Scan(
		&state.SessionID,
		&state.CurrentBlockIndex,
		&startedAt,
		&timerOn,
		&state.TimerSecondsRemaining,
		&paused,
		&state.PausedBy,
		&aReady,
		&bReady,
		&updatedAtMs,
		&state.UpdatedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.State{}, storage.ErrNotFound
		}
		return session.State{}, fmt.Errorf("scan session state: %w", err)
	}
	if startedAt.Valid {
		at := fromMillis(startedAt.Int64)
		state.BlockStartedAt = &at
	}
	state.TimerRunning = timerOn != 0
	state.Paused = paused != 0
	state.PartnerAReady = aReady != 0
	state.PartnerBReady = bReady != 0
	state.UpdatedAt = fromMillis(updatedAtMs)
	return state, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
