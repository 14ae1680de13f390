package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Session errors
	CodeSessionEmptyID           Code = "SESSION_EMPTY_ID"
	CodeSessionEmptyParticipant  Code = "SESSION_EMPTY_PARTICIPANT_ID"
	CodeSessionControllerClosed  Code = "SESSION_CONTROLLER_CLOSED"
	CodeSessionControllerUnbound Code = "SESSION_CONTROLLER_UNBOUND"

	// Workout errors
	CodeWorkoutEmptyBlockID     Code = "WORKOUT_EMPTY_BLOCK_ID"
	CodeWorkoutInvalidBlockType Code = "WORKOUT_INVALID_BLOCK_TYPE"
	CodeWorkoutInvalidDuration  Code = "WORKOUT_INVALID_DURATION"
	CodeWorkoutInvalidSlot      Code = "WORKOUT_INVALID_SLOT_TARGET"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"

	// Relay errors
	CodeJoinGrantInvalid Code = "RELAY_JOIN_GRANT_INVALID"
)
