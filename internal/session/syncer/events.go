package syncer

// Ephemeral broadcast event names shared by clients and the relay.
const (
	// EventTimerTick carries the remaining countdown seconds. High frequency,
	// quickly superseded, never persisted.
	EventTimerTick = "timer-tick"
	// EventExerciseComplete signals that the partner finished an exercise.
	// A notification hook only; it is not folded into session state.
	EventExerciseComplete = "exercise-complete"
)

// TimerTickPayload is the wire payload for EventTimerTick.
type TimerTickPayload struct {
	Seconds int `json:"seconds"`
}

// ExerciseCompletePayload is the wire payload for EventExerciseComplete.
type ExerciseCompletePayload struct {
	BlockIndex    int    `json:"block_index"`
	Reps          int    `json:"reps"`
	ParticipantID string `json:"participant_id,omitempty"`
}
