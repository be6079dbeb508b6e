package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMachine(t *testing.T) {
	m := NewMachine(StateCreated)
	require.NotNil(t, m)

	state, err := m.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCreated, state)
}

func TestMachine_PairingFlow(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(StateCreated)

	// Start -> Starting
	err := m.Fire(ctx, TriggerStart)
	require.NoError(t, err)
	assert.Equal(t, StateStarting, m.MustState())

	// No stored credential -> AwaitingCredential
	err = m.Fire(ctx, TriggerCredentialRequired)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingCredential, m.MustState())

	// Handshake succeeds -> Connected
	err = m.Fire(ctx, TriggerAuthenticated)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, m.MustState())
	assert.True(t, m.IsOperational())
}

func TestMachine_DirectAuthFlow(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(StateCreated)

	// Existing credential: Starting goes straight to Connected
	_ = m.Fire(ctx, TriggerStart)
	err := m.Fire(ctx, TriggerAuthenticated)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, m.MustState())
}

func TestMachine_TransientDisconnectFlow(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(StateCreated)

	_ = m.Fire(ctx, TriggerStart)
	_ = m.Fire(ctx, TriggerAuthenticated)

	// Transient drop: Connected -> Disconnected -> Reconnecting -> Starting
	err := m.Fire(ctx, TriggerConnectionLost)
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, m.MustState())

	err = m.Fire(ctx, TriggerReconnect)
	require.NoError(t, err)
	assert.Equal(t, StateReconnecting, m.MustState())

	err = m.Fire(ctx, TriggerStart)
	require.NoError(t, err)
	assert.Equal(t, StateStarting, m.MustState())
}

func TestMachine_LogoutIsTerminalForConnection(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(StateCreated)

	_ = m.Fire(ctx, TriggerStart)
	_ = m.Fire(ctx, TriggerAuthenticated)

	err := m.Fire(ctx, TriggerLogout)
	require.NoError(t, err)
	assert.Equal(t, StateLoggedOut, m.MustState())
	assert.True(t, StateLoggedOut.IsTerminal())

	// No reconnect path out of LoggedOut
	ok, err := m.CanFire(ctx, TriggerReconnect)
	require.NoError(t, err)
	assert.False(t, ok)

	// Explicit re-pairing is still allowed
	ok, err = m.CanFire(ctx, TriggerStart)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMachine_StopCancelsReconnecting(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(StateCreated)

	_ = m.Fire(ctx, TriggerStart)
	_ = m.Fire(ctx, TriggerAuthenticated)
	_ = m.Fire(ctx, TriggerConnectionLost)
	_ = m.Fire(ctx, TriggerReconnect)

	err := m.Fire(ctx, TriggerStop)
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, m.MustState())
}

func TestMachine_DeleteFromAnyState(t *testing.T) {
	for _, from := range []State{
		StateCreated, StateStarting, StateAwaitingCredential,
		StateConnected, StateDisconnected, StateReconnecting, StateLoggedOut,
	} {
		t.Run(string(from), func(t *testing.T) {
			m := NewMachine(from)
			err := m.Fire(context.Background(), TriggerDelete)
			require.NoError(t, err)
			assert.Equal(t, StateDeleted, m.MustState())
		})
	}
}

func TestMachine_DeletedIsAbsorbing(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(StateDeleted)

	ok, err := m.CanFire(ctx, TriggerStart)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMachine_OnTransition(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(StateCreated)

	var transitions []string
	m.OnTransition(func(_ context.Context, from, to State, trigger Trigger) {
		transitions = append(transitions, string(from)+"->"+string(to)+":"+string(trigger))
	})

	_ = m.Fire(ctx, TriggerStart)
	_ = m.Fire(ctx, TriggerCredentialRequired)
	_ = m.Fire(ctx, TriggerAuthenticated)

	require.Len(t, transitions, 3)
	assert.Equal(t, "created->starting:start", transitions[0])
	assert.Equal(t, "starting->awaiting_credential:credential_required", transitions[1])
	assert.Equal(t, "awaiting_credential->connected:authenticated", transitions[2])
}

func TestState_IsRunning(t *testing.T) {
	assert.True(t, StateStarting.IsRunning())
	assert.True(t, StateAwaitingCredential.IsRunning())
	assert.True(t, StateConnected.IsRunning())
	assert.True(t, StateReconnecting.IsRunning())
	assert.False(t, StateCreated.IsRunning())
	assert.False(t, StateDisconnected.IsRunning())
	assert.False(t, StateLoggedOut.IsRunning())
	assert.False(t, StateDeleted.IsRunning())
}
