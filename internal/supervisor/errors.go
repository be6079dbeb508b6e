package supervisor

import "errors"

var (
	// ErrSessionNotFound is returned when no session exists for the id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrOwnerQuotaExceeded is returned when an owner is at their session
	// limit.
	ErrOwnerQuotaExceeded = errors.New("owner session quota exceeded")

	// ErrGlobalQuotaExceeded is returned when the process is at its running
	// session limit.
	ErrGlobalQuotaExceeded = errors.New("global running session quota exceeded")

	// ErrSessionNotRunning is returned for operations that need a live
	// connection.
	ErrSessionNotRunning = errors.New("session is not running")

	// ErrArtifactNotAvailable is returned when no pairing artifact is
	// pending for the session.
	ErrArtifactNotAvailable = errors.New("no credential artifact available")
)
