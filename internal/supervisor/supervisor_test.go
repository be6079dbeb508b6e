package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dymas00/whatsapp-multi-user-temp/internal/bus"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/config"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/provider"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/state"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/store"
)

// scriptedProvider is a controllable provider for lifecycle tests. Tests
// push events through emit to simulate the remote network.
type scriptedProvider struct {
	events       chan provider.Event
	closeOnce    sync.Once
	connectCalls atomic.Int32
	connectErr   error
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{events: make(chan provider.Event, 16)}
}

func (f *scriptedProvider) Connect(ctx context.Context) error {
	f.connectCalls.Add(1)
	return f.connectErr
}

func (f *scriptedProvider) Disconnect()                   {}
func (f *scriptedProvider) Events() <-chan provider.Event { return f.events }

func (f *scriptedProvider) Send(ctx context.Context, jid, text string) (string, time.Time, error) {
	return "SENT-1", time.Now(), nil
}

func (f *scriptedProvider) PersistCredentials(ctx context.Context) error { return nil }

func (f *scriptedProvider) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *scriptedProvider) emit(evt provider.Event) {
	f.events <- evt
}

type testEnv struct {
	sup   *Supervisor
	db    *store.SQLiteStore
	bus   *bus.Bus
	cfg   *config.Config
	provs map[string]*scriptedProvider
	mu    sync.Mutex
}

func (e *testEnv) providerFor(sessionID string) *scriptedProvider {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.provs[sessionID]
}

func setupSupervisor(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	events := bus.New(nil)
	t.Cleanup(events.Close)

	cfg := &config.Config{
		SessionsDir:         t.TempDir(),
		MaxSessionsPerOwner: 3,
		MaxRunningSessions:  10,
		ReconnectDelay:      20 * time.Millisecond,
		ReconnectMaxRetries: 5,
	}

	env := &testEnv{db: db, bus: events, cfg: cfg, provs: make(map[string]*scriptedProvider)}

	factory := func(ctx context.Context, sessionID, credentialDir string, log *slog.Logger) (provider.Provider, error) {
		p := newScriptedProvider()
		env.mu.Lock()
		env.provs[sessionID] = p
		env.mu.Unlock()
		return p, nil
	}

	env.sup = New(cfg, db, events, factory, nil, slog.Default())
	t.Cleanup(func() { env.sup.Shutdown(context.Background()) })
	return env
}

func (e *testEnv) createAndStart(t *testing.T, ownerID string) string {
	t.Helper()
	ctx := context.Background()

	sess, err := e.sup.Create(ctx, ownerID, "test session")
	require.NoError(t, err)
	_, err = e.sup.Start(ctx, sess.SessionID)
	require.NoError(t, err)
	return sess.SessionID
}

func (e *testEnv) waitForState(t *testing.T, sessionID string, want state.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := e.sup.GetStatus(context.Background(), sessionID)
		return err == nil && status.State == want
	}, 2*time.Second, 5*time.Millisecond, "session never reached %s", want)
}

func TestSupervisor_CreateEnforcesOwnerQuota(t *testing.T) {
	env := setupSupervisor(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.sup.Create(ctx, "owner-1", "session")
		require.NoError(t, err)
	}

	_, err := env.sup.Create(ctx, "owner-1", "one too many")
	assert.ErrorIs(t, err, ErrOwnerQuotaExceeded)

	// Other owners are unaffected.
	_, err = env.sup.Create(ctx, "owner-2", "session")
	assert.NoError(t, err)
}

func TestSupervisor_StartUnknownSession(t *testing.T) {
	env := setupSupervisor(t)
	_, err := env.sup.Start(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSupervisor_StartIsIdempotent(t *testing.T) {
	env := setupSupervisor(t)
	ctx := context.Background()

	id := env.createAndStart(t, "owner-1")
	status, err := env.sup.Start(ctx, id)
	require.NoError(t, err)
	assert.True(t, status.Running)
	_, err = env.sup.Start(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, 1, env.sup.RunningCount())
	// Only one provider was ever constructed.
	assert.EqualValues(t, 1, env.providerFor(id).connectCalls.Load())
}

func TestSupervisor_StartConcurrentSingleHandle(t *testing.T) {
	env := setupSupervisor(t)
	ctx := context.Background()

	sess, err := env.sup.Create(ctx, "owner-1", "racy")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.sup.Start(ctx, sess.SessionID)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, env.sup.RunningCount())
}

func TestSupervisor_GlobalQuota(t *testing.T) {
	env := setupSupervisor(t)
	env.cfg.MaxRunningSessions = 2
	ctx := context.Background()

	env.createAndStart(t, "owner-1")
	env.createAndStart(t, "owner-2")

	sess, err := env.sup.Create(ctx, "owner-3", "over the line")
	require.NoError(t, err)
	_, err = env.sup.Start(ctx, sess.SessionID)
	assert.ErrorIs(t, err, ErrGlobalQuotaExceeded)
}

func TestSupervisor_PairingFlow(t *testing.T) {
	env := setupSupervisor(t)
	ctx := context.Background()

	id := env.createAndStart(t, "owner-1")
	env.waitForState(t, id, state.StateStarting)

	prov := env.providerFor(id)
	prov.emit(provider.CredentialArtifactIssued{Code: "pairing-code-1"})
	env.waitForState(t, id, state.StateAwaitingCredential)

	artifact, err := env.sup.GetCredentialArtifact(ctx, id)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(artifact, "data:image/png;base64,"))

	prov.emit(provider.ConnectionStateChanged{
		State:     provider.ConnectionOpen,
		DeviceJID: "15551234567:12@s.whatsapp.net",
	})
	env.waitForState(t, id, state.StateConnected)

	status, err := env.sup.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "15551234567", status.PhoneNumber)
	assert.Empty(t, status.QRCode, "artifact is cleared on connect")

	_, err = env.sup.GetCredentialArtifact(ctx, id)
	assert.ErrorIs(t, err, ErrArtifactNotAvailable)
}

func TestSupervisor_TransientDisconnectReconnects(t *testing.T) {
	env := setupSupervisor(t)
	id := env.createAndStart(t, "owner-1")
	prov := env.providerFor(id)

	prov.emit(provider.ConnectionStateChanged{State: provider.ConnectionOpen, DeviceJID: "1555@s.whatsapp.net"})
	env.waitForState(t, id, state.StateConnected)

	prov.emit(provider.ConnectionStateChanged{State: provider.ConnectionClosed, Cause: provider.CauseNetwork})
	env.waitForState(t, id, state.StateReconnecting)

	// After the backoff delay the session moves to Starting and reconnects.
	env.waitForState(t, id, state.StateStarting)
	require.Eventually(t, func() bool {
		return prov.connectCalls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	// Identity survives the transient disconnect.
	status, err := env.sup.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "1555", status.PhoneNumber)
}

func TestSupervisor_StartRevivesSessionAfterRetryBudget(t *testing.T) {
	env := setupSupervisor(t)
	env.cfg.ReconnectMaxRetries = 0
	ctx := context.Background()

	id := env.createAndStart(t, "owner-1")
	prov := env.providerFor(id)

	prov.emit(provider.ConnectionStateChanged{State: provider.ConnectionOpen, DeviceJID: "1555@s.whatsapp.net"})
	env.waitForState(t, id, state.StateConnected)

	// With a zero retry budget the transient drop parks the session.
	prov.emit(provider.ConnectionStateChanged{State: provider.ConnectionClosed, Cause: provider.CauseNetwork})
	env.waitForState(t, id, state.StateDisconnected)

	calls := prov.connectCalls.Load()
	time.Sleep(3 * env.cfg.ReconnectDelay)
	assert.Equal(t, calls, prov.connectCalls.Load())
	assert.Equal(t, 1, env.sup.RunningCount())

	// An explicit start on the parked session redials instead of reporting
	// the wedged state back as an idempotent success.
	status, err := env.sup.Start(ctx, id)
	require.NoError(t, err)
	assert.True(t, status.Running)
	require.Eventually(t, func() bool {
		return prov.connectCalls.Load() > calls
	}, 2*time.Second, 5*time.Millisecond)

	prov.emit(provider.ConnectionStateChanged{State: provider.ConnectionOpen, DeviceJID: "1555@s.whatsapp.net"})
	env.waitForState(t, id, state.StateConnected)
	assert.Equal(t, 1, env.sup.RunningCount())
}

func TestSupervisor_LogoutIsTerminal(t *testing.T) {
	env := setupSupervisor(t)
	id := env.createAndStart(t, "owner-1")
	prov := env.providerFor(id)

	prov.emit(provider.ConnectionStateChanged{State: provider.ConnectionOpen, DeviceJID: "1555@s.whatsapp.net"})
	env.waitForState(t, id, state.StateConnected)

	calls := prov.connectCalls.Load()
	prov.emit(provider.ConnectionStateChanged{State: provider.ConnectionClosed, Cause: provider.CauseLoggedOut})
	env.waitForState(t, id, state.StateLoggedOut)

	// No reconnect fires after a logout.
	time.Sleep(3 * env.cfg.ReconnectDelay)
	assert.Equal(t, calls, prov.connectCalls.Load())
}

func TestSupervisor_StopCancelsPendingReconnect(t *testing.T) {
	env := setupSupervisor(t)
	env.cfg.ReconnectDelay = 50 * time.Millisecond
	ctx := context.Background()

	id := env.createAndStart(t, "owner-1")
	prov := env.providerFor(id)

	prov.emit(provider.ConnectionStateChanged{State: provider.ConnectionOpen, DeviceJID: "1555@s.whatsapp.net"})
	env.waitForState(t, id, state.StateConnected)

	prov.emit(provider.ConnectionStateChanged{State: provider.ConnectionClosed, Cause: provider.CauseNetwork})
	env.waitForState(t, id, state.StateReconnecting)

	calls := prov.connectCalls.Load()
	require.NoError(t, env.sup.Stop(ctx, id))
	env.waitForState(t, id, state.StateDisconnected)
	assert.Zero(t, env.sup.RunningCount())

	// The pending reconnect must not fire after Stop.
	time.Sleep(3 * env.cfg.ReconnectDelay)
	assert.Equal(t, calls, prov.connectCalls.Load())

	status, err := env.sup.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StateDisconnected, status.State)
}

func TestSupervisor_StopNotRunningIsNoop(t *testing.T) {
	env := setupSupervisor(t)
	ctx := context.Background()

	sess, err := env.sup.Create(ctx, "owner-1", "never started")
	require.NoError(t, err)

	assert.NoError(t, env.sup.Stop(ctx, sess.SessionID))
	assert.NoError(t, env.sup.Stop(ctx, "not-even-a-session"))
}

func TestSupervisor_DeleteRemovesEverything(t *testing.T) {
	env := setupSupervisor(t)
	ctx := context.Background()

	id := env.createAndStart(t, "owner-1")
	prov := env.providerFor(id)
	prov.emit(provider.ConnectionStateChanged{State: provider.ConnectionOpen, DeviceJID: "1555@s.whatsapp.net"})
	env.waitForState(t, id, state.StateConnected)

	_, err := env.sup.SendTextMessage(ctx, id, "1234@s.whatsapp.net", "about to vanish")
	require.NoError(t, err)

	require.NoError(t, env.sup.Delete(ctx, id))
	assert.Zero(t, env.sup.RunningCount())

	_, err = env.sup.GetStatus(ctx, id)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	n, err := env.db.Messages.CountBySession(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n, "messages cascade with the session")

	err = env.sup.Delete(ctx, id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSupervisor_SendRequiresRunningSession(t *testing.T) {
	env := setupSupervisor(t)
	ctx := context.Background()

	sess, err := env.sup.Create(ctx, "owner-1", "offline")
	require.NoError(t, err)

	_, err = env.sup.SendTextMessage(ctx, sess.SessionID, "1234@s.whatsapp.net", "hello")
	assert.ErrorIs(t, err, ErrSessionNotRunning)
}

func TestSupervisor_ListSessionsTagsRunning(t *testing.T) {
	env := setupSupervisor(t)
	ctx := context.Background()

	runningID := env.createAndStart(t, "owner-1")
	stopped, err := env.sup.Create(ctx, "owner-1", "stopped")
	require.NoError(t, err)

	sessions, err := env.sup.ListSessions(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	byID := make(map[string]SessionStatus, len(sessions))
	for _, s := range sessions {
		byID[s.SessionID] = s
	}
	assert.True(t, byID[runningID].Running)
	assert.False(t, byID[stopped.SessionID].Running)

	// Owner filter excludes other owners.
	other, err := env.sup.ListSessions(ctx, "owner-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSupervisor_SessionEventsPublished(t *testing.T) {
	env := setupSupervisor(t)

	var mu sync.Mutex
	var types []string
	env.bus.Subscribe(bus.WildcardTopic(bus.CategorySession), func(e bus.Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})

	id := env.createAndStart(t, "owner-1")
	prov := env.providerFor(id)
	prov.emit(provider.CredentialArtifactIssued{Code: "code"})
	prov.emit(provider.ConnectionStateChanged{State: provider.ConnectionOpen, DeviceJID: "1555@s.whatsapp.net"})
	env.waitForState(t, id, state.StateConnected)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, types, EventSessionConnection)
	assert.Contains(t, types, EventSessionQR)
	assert.Contains(t, types, EventSessionAuthenticated)
}

func TestSupervisor_InitialConnectFailureSchedulesReconnect(t *testing.T) {
	env := setupSupervisor(t)
	ctx := context.Background()

	sess, err := env.sup.Create(ctx, "owner-1", "flaky network")
	require.NoError(t, err)

	_, err = env.sup.Start(ctx, sess.SessionID)
	require.NoError(t, err)
	prov := env.providerFor(sess.SessionID)

	prov.emit(provider.ConnectionStateChanged{State: provider.ConnectionClosed, Cause: provider.CauseTimeout})
	env.waitForState(t, sess.SessionID, state.StateReconnecting)

	require.Eventually(t, func() bool {
		return prov.connectCalls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSupervisor_RestartAfterLogout(t *testing.T) {
	env := setupSupervisor(t)
	ctx := context.Background()

	id := env.createAndStart(t, "owner-1")
	prov := env.providerFor(id)
	prov.emit(provider.ConnectionStateChanged{State: provider.ConnectionClosed, Cause: provider.CauseLoggedOut})
	env.waitForState(t, id, state.StateLoggedOut)

	require.NoError(t, env.sup.Stop(ctx, id))

	// An explicit start after logout begins a fresh pairing.
	status, err := env.sup.Start(ctx, id)
	require.NoError(t, err)
	assert.True(t, status.Running)
	env.waitForState(t, id, state.StateStarting)
	assert.Equal(t, 1, env.sup.RunningCount())
}

func TestSupervisor_ShutdownStopsAll(t *testing.T) {
	env := setupSupervisor(t)

	env.createAndStart(t, "owner-1")
	env.createAndStart(t, "owner-2")
	require.Equal(t, 2, env.sup.RunningCount())

	env.sup.Shutdown(context.Background())
	assert.Zero(t, env.sup.RunningCount())
}

func TestSupervisor_StartUnknownConnectError(t *testing.T) {
	env := setupSupervisor(t)
	ctx := context.Background()

	sess, err := env.sup.Create(ctx, "owner-1", "bad link")
	require.NoError(t, err)

	// A failing initial connect keeps the handle registered and hands
	// control to the reconnect policy.
	env.mu.Lock()
	env.provs[sess.SessionID] = nil
	env.mu.Unlock()

	failing := newScriptedProvider()
	failing.connectErr = errors.New("dns failure")
	env.sup.factory = func(ctx context.Context, sessionID, credentialDir string, log *slog.Logger) (provider.Provider, error) {
		env.mu.Lock()
		env.provs[sessionID] = failing
		env.mu.Unlock()
		return failing, nil
	}

	_, err = env.sup.Start(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, env.sup.RunningCount())

	require.Eventually(t, func() bool {
		return failing.connectCalls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}
