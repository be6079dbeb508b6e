package state

import (
	"context"
	"sync"

	"github.com/qmuntal/stateless"
)

// TransitionCallback is called when a state transition occurs.
type TransitionCallback func(ctx context.Context, from, to State, trigger Trigger)

// Machine wraps the stateless state machine with session lifecycle behavior.
// One Machine exists per session; it is safe for concurrent use.
type Machine struct {
	sm          *stateless.StateMachine
	callbacks   []TransitionCallback
	callbacksMu sync.RWMutex
}

// NewMachine creates a new state machine starting in the given state.
// A freshly created session starts in StateCreated; a restarted process
// resumes from the persisted state.
func NewMachine(initial State) *Machine {
	m := &Machine{
		callbacks: make([]TransitionCallback, 0),
	}

	sm := stateless.NewStateMachine(initial)

	sm.Configure(StateCreated).
		Permit(TriggerStart, StateStarting).
		Permit(TriggerDelete, StateDeleted)

	sm.Configure(StateStarting).
		Permit(TriggerCredentialRequired, StateAwaitingCredential).
		Permit(TriggerAuthenticated, StateConnected).
		Permit(TriggerConnectionLost, StateDisconnected).
		Permit(TriggerStop, StateDisconnected).
		Permit(TriggerLogout, StateLoggedOut).
		Permit(TriggerDelete, StateDeleted)

	sm.Configure(StateAwaitingCredential).
		Permit(TriggerAuthenticated, StateConnected).
		Permit(TriggerConnectionLost, StateDisconnected).
		Permit(TriggerStop, StateDisconnected).
		Permit(TriggerLogout, StateLoggedOut).
		Permit(TriggerDelete, StateDeleted)

	sm.Configure(StateConnected).
		Permit(TriggerConnectionLost, StateDisconnected).
		Permit(TriggerStop, StateDisconnected).
		Permit(TriggerLogout, StateLoggedOut).
		Permit(TriggerDelete, StateDeleted)

	// Disconnected is left either by the reconnect scheduler or by an
	// explicit Start from the API.
	sm.Configure(StateDisconnected).
		Permit(TriggerReconnect, StateReconnecting).
		Permit(TriggerStart, StateStarting).
		Permit(TriggerLogout, StateLoggedOut).
		Permit(TriggerDelete, StateDeleted)

	sm.Configure(StateReconnecting).
		Permit(TriggerStart, StateStarting).
		Permit(TriggerStop, StateDisconnected).
		Permit(TriggerLogout, StateLoggedOut).
		Permit(TriggerDelete, StateDeleted)

	// LoggedOut is terminal for the connection: no auto-restart. A new
	// pairing may still be initiated explicitly.
	sm.Configure(StateLoggedOut).
		Permit(TriggerStart, StateStarting).
		Permit(TriggerDelete, StateDeleted)

	sm.Configure(StateDeleted)
	// No transitions out of Deleted

	sm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		m.callbacksMu.RLock()
		callbacks := make([]TransitionCallback, len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.callbacksMu.RUnlock()

		from := t.Source.(State)
		to := t.Destination.(State)
		trigger := t.Trigger.(Trigger)

		for _, cb := range callbacks {
			cb(ctx, from, to, trigger)
		}
	})

	m.sm = sm
	return m
}

// State returns the current state.
func (m *Machine) State(ctx context.Context) (State, error) {
	state, err := m.sm.State(ctx)
	if err != nil {
		return "", err
	}
	return state.(State), nil
}

// Fire triggers a state transition.
func (m *Machine) Fire(ctx context.Context, trigger Trigger, args ...any) error {
	return m.sm.FireCtx(ctx, trigger, args...)
}

// CanFire returns true if the trigger can be fired from the current state.
func (m *Machine) CanFire(ctx context.Context, trigger Trigger, args ...any) (bool, error) {
	return m.sm.CanFireCtx(ctx, trigger, args...)
}

// IsInState returns true if the machine is in the specified state.
func (m *Machine) IsInState(ctx context.Context, state State) (bool, error) {
	currentState, err := m.State(ctx)
	if err != nil {
		return false, err
	}
	return currentState == state, nil
}

// OnTransition registers a callback to be called on state transitions.
func (m *Machine) OnTransition(cb TransitionCallback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// MustState returns the current state, panicking on error.
func (m *Machine) MustState() State {
	state, err := m.State(context.Background())
	if err != nil {
		panic(err)
	}
	return state
}

// IsOperational returns true if the session is connected and authenticated.
func (m *Machine) IsOperational() bool {
	return m.MustState() == StateConnected
}
