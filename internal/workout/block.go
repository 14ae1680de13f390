// Package workout defines the ordered segments of a partner workout session.
package workout

import (
	"strings"

	apperrors "github.com/duoset/duoset/internal/platform/errors"
)

var (
	// ErrEmptyBlockID indicates a missing block ID.
	ErrEmptyBlockID = apperrors.New(apperrors.CodeWorkoutEmptyBlockID, "block id is required")
	// ErrInvalidBlockType indicates an unknown block type value.
	ErrInvalidBlockType = apperrors.New(apperrors.CodeWorkoutInvalidBlockType, "block type must be one of: warmup, exercise, rest, cooldown")
	// ErrInvalidDuration indicates a non-positive block duration.
	ErrInvalidDuration = apperrors.New(apperrors.CodeWorkoutInvalidDuration, "block duration must be positive")
	// ErrInvalidSlotTarget indicates a slot with neither or both target kinds set.
	ErrInvalidSlotTarget = apperrors.New(apperrors.CodeWorkoutInvalidSlot, "slot target must be exactly one of: reps or duration")
)

// BlockType describes the kind of a workout block.
type BlockType string

const (
	// BlockTypeWarmup is a warmup segment.
	BlockTypeWarmup BlockType = "warmup"
	// BlockTypeExercise is a working exercise segment.
	BlockTypeExercise BlockType = "exercise"
	// BlockTypeRest is a rest segment.
	BlockTypeRest BlockType = "rest"
	// BlockTypeCooldown is a cooldown segment.
	BlockTypeCooldown BlockType = "cooldown"
)

// Valid reports whether the block type is a known value.
func (b BlockType) Valid() bool {
	switch b {
	case BlockTypeWarmup, BlockTypeExercise, BlockTypeRest, BlockTypeCooldown:
		return true
	}
	return false
}

// Side selects one of the two participant slots within a block.
type Side string

const (
	// SideA selects partner A's slot.
	SideA Side = "a"
	// SideB selects partner B's slot.
	SideB Side = "b"
)

// Slot is one participant's target and completion record within a block.
// Exactly one of TargetReps or TargetSeconds is set.
type Slot struct {
	ExerciseID    string `json:"exercise_id"`
	ExerciseName  string `json:"exercise_name"`
	TargetReps    int    `json:"target_reps,omitempty"`
	TargetSeconds int    `json:"target_seconds,omitempty"`
	Completed     bool   `json:"completed"`
	CompletedReps *int   `json:"completed_reps,omitempty"`
}

// Validate ensures the slot carries exactly one target kind.
func (s Slot) Validate() error {
	hasReps := s.TargetReps > 0
	hasDuration := s.TargetSeconds > 0
	if hasReps == hasDuration {
		return ErrInvalidSlotTarget
	}
	return nil
}

// Block is one ordered segment of a workout session, with one slot per partner.
type Block struct {
	ID              string    `json:"id"`
	Type            BlockType `json:"type"`
	DurationSeconds int       `json:"duration_seconds"`
	SlotA           Slot      `json:"slot_a"`
	SlotB           Slot      `json:"slot_b"`
}

// Validate checks block identity, type, duration, and both slots.
func (b Block) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return ErrEmptyBlockID
	}
	if !b.Type.Valid() {
		return ErrInvalidBlockType
	}
	if b.DurationSeconds <= 0 {
		return ErrInvalidDuration
	}
	if err := b.SlotA.Validate(); err != nil {
		return err
	}
	return b.SlotB.Validate()
}

// TotalDurationSeconds sums the duration of every block in the list.
func TotalDurationSeconds(blocks []Block) int {
	total := 0
	for _, b := range blocks {
		total += b.DurationSeconds
	}
	return total
}
