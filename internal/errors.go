package internal

import "errors"

// Rejection reasons surfaced to clients in error events. Every refused
// operation carries exactly one of these; the operation never mutates state
// once it has been refused.
const (
	ReasonUnauthenticated       = "unauthenticated"
	ReasonBanned                = "banned"
	ReasonMuted                 = "muted"
	ReasonModerationUnavailable = "moderation_unavailable"
	ReasonRoomNotFound          = "room_not_found"
	ReasonPersistenceFailure    = "persistence_failure"
	ReasonRateLimited           = "rate_limited"
	ReasonBadRequest            = "bad_request"
)

var (
	// ErrUnauthenticated terminates the connection attempt.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrBanned rejects room joins and sends from banned users.
	ErrBanned = errors.New("banned from room")
	// ErrMuted rejects sends and typing from muted users.
	ErrMuted = errors.New("muted in room")
	// ErrModerationUnavailable is returned when the moderation collaborator
	// fails and fail-open is not configured.
	ErrModerationUnavailable = errors.New("moderation gate unavailable")
	// ErrRoomNotFound rejects joins to rooms the store does not know.
	ErrRoomNotFound = errors.New("room not found")
)

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrBanned):
		return ReasonBanned
	case errors.Is(err, ErrMuted):
		return ReasonMuted
	case errors.Is(err, ErrModerationUnavailable):
		return ReasonModerationUnavailable
	case errors.Is(err, ErrRoomNotFound):
		return ReasonRoomNotFound
	case errors.Is(err, ErrUnauthenticated):
		return ReasonUnauthenticated
	default:
		return ReasonPersistenceFailure
	}
}
