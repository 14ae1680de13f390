package workout

import (
	"errors"
	"testing"
)

func validBlock() Block {
	return Block{
		ID:              "b1",
		Type:            BlockTypeExercise,
		DurationSeconds: 60,
		SlotA:           Slot{ExerciseID: "e1", ExerciseName: "Push-up", TargetReps: 10},
		SlotB:           Slot{ExerciseID: "e2", ExerciseName: "Plank", TargetSeconds: 45},
	}
}

func TestBlockValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Block)
		wantErr error
	}{
		{name: "valid", mutate: func(*Block) {}},
		{
			name:    "empty id",
			mutate:  func(b *Block) { b.ID = "  " },
			wantErr: ErrEmptyBlockID,
		},
		{
			name:    "unknown type",
			mutate:  func(b *Block) { b.Type = "sprinting" },
			wantErr: ErrInvalidBlockType,
		},
		{
			name:    "zero duration",
			mutate:  func(b *Block) { b.DurationSeconds = 0 },
			wantErr: ErrInvalidDuration,
		},
		{
			name:    "slot with no target",
			mutate:  func(b *Block) { b.SlotA.TargetReps = 0 },
			wantErr: ErrInvalidSlotTarget,
		},
		{
			name: "slot with both targets",
			mutate: func(b *Block) {
				b.SlotB.TargetReps = 5
			},
			wantErr: ErrInvalidSlotTarget,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			block := validBlock()
			tc.mutate(&block)
			err := block.Validate()
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("validate: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestBlockTypeValid(t *testing.T) {
	for _, bt := range []BlockType{BlockTypeWarmup, BlockTypeExercise, BlockTypeRest, BlockTypeCooldown} {
		if !bt.Valid() {
			t.Fatalf("expected %q to be valid", bt)
		}
	}
	if BlockType("stretching").Valid() {
		t.Fatal("expected unknown type to be invalid")
	}
}

func TestTotalDurationSeconds(t *testing.T) {
	blocks := []Block{
		{DurationSeconds: 60},
		{DurationSeconds: 45},
		{DurationSeconds: 30},
		{DurationSeconds: 60},
	}
	if got := TotalDurationSeconds(blocks); got != 195 {
		t.Fatalf("expected 195 seconds, got %d", got)
	}
	if got := TotalDurationSeconds(nil); got != 0 {
		t.Fatalf("expected 0 for empty list, got %d", got)
	}
}
