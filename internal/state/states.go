// Package state provides the finite state machine for the session connection lifecycle.
package state

// State represents a connection state in the session lifecycle.
type State string

const (
	// Primary states
	StateCreated            State = "created"
	StateStarting           State = "starting"
	StateAwaitingCredential State = "awaiting_credential"
	StateConnected          State = "connected"
	StateDisconnected       State = "disconnected"
	StateReconnecting       State = "reconnecting"

	// Terminal states
	StateLoggedOut State = "logged_out"
	StateDeleted   State = "deleted"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true if the state is a terminal state.
func (s State) IsTerminal() bool {
	switch s {
	case StateLoggedOut, StateDeleted:
		return true
	default:
		return false
	}
}

// IsRunning returns true if a connection handle should exist in this state.
func (s State) IsRunning() bool {
	switch s {
	case StateStarting, StateAwaitingCredential, StateConnected, StateReconnecting:
		return true
	default:
		return false
	}
}

// IsOperational returns true if the session can send and receive messages.
func (s State) IsOperational() bool {
	return s == StateConnected
}
