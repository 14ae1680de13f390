package session

import (
	"testing"
	"time"
)

func TestApplyToOverwritesOnlyProvidedFields(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	state := State{
		SessionID:             "s1",
		CurrentBlockIndex:     1,
		BlockStartedAt:        &started,
		TimerRunning:          true,
		TimerSecondsRemaining: 45,
		PartnerAReady:         true,
	}

	patch := StatePatch{
		Paused:   Bool(true),
		PausedBy: String("p2"),
	}
	patch.ApplyTo(&state)

	if !state.Paused || state.PausedBy != "p2" {
		t.Fatalf("expected pause fields applied, got %+v", state)
	}
	if state.CurrentBlockIndex != 1 || !state.TimerRunning || state.TimerSecondsRemaining != 45 {
		t.Fatalf("untouched fields changed: %+v", state)
	}
	if state.BlockStartedAt == nil || !state.BlockStartedAt.Equal(started) {
		t.Fatalf("block started at changed: %v", state.BlockStartedAt)
	}
	if !state.PartnerAReady {
		t.Fatal("partner A readiness changed")
	}
}

func TestApplyToClampsNegativeValues(t *testing.T) {
	state := State{TimerSecondsRemaining: 30, CurrentBlockIndex: 2}
	patch := StatePatch{
		TimerSecondsRemaining: Int(-5),
		CurrentBlockIndex:     Int(-1),
	}
	patch.ApplyTo(&state)

	if state.TimerSecondsRemaining != 0 {
		t.Fatalf("expected timer clamped to 0, got %d", state.TimerSecondsRemaining)
	}
	if state.CurrentBlockIndex != 0 {
		t.Fatalf("expected index clamped to 0, got %d", state.CurrentBlockIndex)
	}
}

func TestApplyToNilState(t *testing.T) {
	// Must not panic.
	StatePatch{Paused: Bool(true)}.ApplyTo(nil)
}

func TestIsZero(t *testing.T) {
	if !(StatePatch{}).IsZero() {
		t.Fatal("empty patch should be zero")
	}
	if (StatePatch{TimerRunning: Bool(false)}).IsZero() {
		t.Fatal("patch with a field should not be zero")
	}
}

func TestCloneIsDeep(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	state := State{SessionID: "s1", BlockStartedAt: &started}

	copied := state.Clone()
	*copied.BlockStartedAt = copied.BlockStartedAt.Add(time.Hour)

	if !state.BlockStartedAt.Equal(started) {
		t.Fatal("clone aliases block started at")
	}
}
