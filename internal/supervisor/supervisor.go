// Package supervisor owns the registry of running sessions. It enforces
// creation and running quotas, drives each session's connection state
// machine, and binds a connection provider plus ingestion pipeline to every
// running session.
package supervisor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/Dymas00/whatsapp-multi-user-temp/internal/bus"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/config"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/ingest"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/provider"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/state"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/store"
)

// Recorder receives supervisor lifecycle counts. Implementations must be
// safe for concurrent use.
type Recorder interface {
	ingest.Recorder
	SessionStarted()
	SessionStopped()
	ReconnectScheduled()
}

// SessionStatus is a stored session tagged with whether a running handle
// currently exists for it.
type SessionStatus struct {
	store.Session
	Running bool `json:"running"`
}

// Supervisor manages the lifecycle of every session in the process. All
// public methods are safe for concurrent use; the running-handle registry
// is the single piece of state shared across sessions.
type Supervisor struct {
	cfg      *config.Config
	sessions store.SessionRepository
	messages store.MessageRepository
	contacts store.ContactRepository
	events   *bus.Bus
	factory  provider.Factory
	recorder Recorder
	log      *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

// New creates a supervisor. recorder may be nil.
func New(cfg *config.Config, db *store.SQLiteStore, events *bus.Bus, factory provider.Factory, recorder Recorder, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		sessions: db.Sessions,
		messages: db.Messages,
		contacts: db.Contacts,
		events:   events,
		factory:  factory,
		recorder: recorder,
		log:      log.With("component", "supervisor"),
		handles:  make(map[string]*handle),
	}
}

// Create allocates a new session record for an owner. It does not start a
// connection.
func (s *Supervisor) Create(ctx context.Context, ownerID, name string) (*store.Session, error) {
	count, err := s.sessions.CountByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	if count >= s.cfg.MaxSessionsPerOwner {
		return nil, fmt.Errorf("%w: owner %s has %d sessions (max %d)",
			ErrOwnerQuotaExceeded, ownerID, count, s.cfg.MaxSessionsPerOwner)
	}

	sess := &store.Session{
		SessionID: uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		State:     state.StateCreated,
		CreatedAt: time.Now(),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.log.Info("session created", "session_id", sess.SessionID, "owner_id", ownerID)
	return sess, nil
}

// Start brings a session online and returns its current status. Starting
// an already-running session is an idempotent success that reports the
// existing handle's state.
func (s *Supervisor) Start(ctx context.Context, sessionID string) (*SessionStatus, error) {
	s.mu.Lock()

	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if h, running := s.handles[sessionID]; running {
		s.mu.Unlock()
		// A registered handle parked in Disconnected has spent its
		// reconnect budget; an explicit start re-arms it instead of
		// reporting the wedged state back as success.
		if h.machine.MustState() == state.StateDisconnected {
			h.reconnect.Reset()
			if err := h.machine.Fire(h.ctx, state.TriggerStart); err == nil {
				s.connectHandle(h)
			}
		}
		sess.State = h.machine.MustState()
		return &SessionStatus{Session: *sess, Running: true}, nil
	}

	if len(s.handles) >= s.cfg.MaxRunningSessions {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d sessions running (max %d)",
			ErrGlobalQuotaExceeded, len(s.handles), s.cfg.MaxRunningSessions)
	}

	// A running persisted state here means a previous process died without
	// a clean stop; resume as if disconnected.
	initial := sess.State
	if initial.IsRunning() {
		initial = state.StateDisconnected
	}

	h, err := s.buildHandle(ctx, sess, initial)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	if err := h.machine.Fire(h.ctx, state.TriggerStart); err != nil {
		s.mu.Unlock()
		h.cancel()
		h.prov.Close()
		return nil, fmt.Errorf("session %s cannot start from %s: %w", sessionID, initial, err)
	}

	s.handles[sessionID] = h
	go h.run()
	s.mu.Unlock()

	// The dial runs off the registry lock so a slow connect on one session
	// never stalls supervisor operations on the others.
	s.connectHandle(h)

	if s.recorder != nil {
		s.recorder.SessionStarted()
	}
	s.log.Info("session started", "session_id", sessionID)

	sess.State = h.machine.MustState()
	return &SessionStatus{Session: *sess, Running: true}, nil
}

// connectHandle dials a registered handle's provider. A failed dial hands
// the session to the reconnect policy; a handle that lost its registry slot
// to a concurrent Stop or Delete is left alone.
func (s *Supervisor) connectHandle(h *handle) {
	s.mu.Lock()
	owns := s.handles[h.sessionID] == h
	s.mu.Unlock()
	if !owns || h.ctx.Err() != nil {
		return
	}

	if err := h.prov.Connect(h.ctx); err != nil {
		s.log.Warn("connect failed", "session_id", h.sessionID, "error", err)
		if ferr := h.machine.Fire(h.ctx, state.TriggerConnectionLost); ferr == nil {
			h.scheduleReconnect()
		}
	}
}

func (s *Supervisor) buildHandle(ctx context.Context, sess *store.Session, initial state.State) (*handle, error) {
	credentialDir := s.credentialDir(sess.SessionID)
	prov, err := s.factory(ctx, sess.SessionID, credentialDir, s.log)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	h := &handle{
		sessionID: sess.SessionID,
		ownerID:   sess.OwnerID,
		machine:   state.NewMachine(initial),
		prov:      prov,
		log:       s.log.With("session_id", sess.SessionID),
		ctx:       runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		reconnect: backoff.WithMaxRetries(
			backoff.NewConstantBackOff(s.cfg.ReconnectDelay),
			uint64(s.cfg.ReconnectMaxRetries),
		),
	}
	h.pipeline = ingest.New(sess.SessionID, prov, s.messages, s.contacts, s.events, s.recorder, s.log)

	h.machine.OnTransition(func(ctx context.Context, from, to state.State, trigger state.Trigger) {
		if err := s.sessions.UpdateState(ctx, sess.SessionID, to); err != nil {
			s.log.Error("failed to persist session state", "session_id", sess.SessionID, "error", err)
		}
		s.events.Publish(sessionEvent(EventSessionConnection, sess.SessionID, StateChange{
			From: from, To: to, Trigger: trigger,
		}))
	})

	h.onConnected = s.handleConnected
	h.onArtifact = s.handleArtifact
	h.onLoggedOut = s.handleLoggedOut
	h.onCredsUpdated = s.handleCredsUpdated
	h.onReconnect = func(*handle) {
		if s.recorder != nil {
			s.recorder.ReconnectScheduled()
		}
	}

	return h, nil
}

func (s *Supervisor) handleConnected(ctx context.Context, h *handle, deviceJID string) {
	if deviceJID != "" {
		phone := store.PhoneNumberFromJID(deviceJID)
		if err := s.sessions.SetPhoneNumber(ctx, h.sessionID, phone); err != nil {
			s.log.Error("failed to record phone identity", "session_id", h.sessionID, "error", err)
		}
	}
	if err := s.sessions.ClearQRCode(ctx, h.sessionID); err != nil {
		s.log.Error("failed to clear credential artifact", "session_id", h.sessionID, "error", err)
	}
	if err := s.sessions.TouchConnection(ctx, h.sessionID, time.Now()); err != nil {
		s.log.Error("failed to record connection time", "session_id", h.sessionID, "error", err)
	}
	s.events.Publish(sessionEvent(EventSessionAuthenticated, h.sessionID, map[string]string{
		"deviceJid": deviceJID,
	}))
}

func (s *Supervisor) handleArtifact(ctx context.Context, h *handle, code string) {
	dataURL, err := artifactDataURL(code)
	if err != nil {
		s.log.Error("failed to encode credential artifact", "session_id", h.sessionID, "error", err)
		return
	}
	h.setArtifact(dataURL)
	if err := s.sessions.SetQRCode(ctx, h.sessionID, dataURL); err != nil {
		s.log.Error("failed to store credential artifact", "session_id", h.sessionID, "error", err)
	}
	s.events.Publish(sessionEvent(EventSessionQR, h.sessionID, map[string]string{
		"qr":      dataURL,
		"rawCode": code,
	}))
}

func (s *Supervisor) handleLoggedOut(ctx context.Context, h *handle) {
	// Stored credentials are invalid after a remote logout; remove them so
	// the next start issues a fresh pairing artifact.
	if err := os.RemoveAll(s.credentialDir(h.sessionID)); err != nil {
		s.log.Error("failed to remove credentials", "session_id", h.sessionID, "error", err)
	}
	if err := s.sessions.ClearQRCode(ctx, h.sessionID); err != nil {
		s.log.Error("failed to clear credential artifact", "session_id", h.sessionID, "error", err)
	}
	s.events.Publish(sessionEvent(EventSessionLogout, h.sessionID, nil))
}

func (s *Supervisor) handleCredsUpdated(ctx context.Context, h *handle) {
	if err := h.prov.PersistCredentials(ctx); err != nil {
		s.log.Error("failed to persist credentials", "session_id", h.sessionID, "error", err)
	}
}

// Stop takes a session offline. Stopping a session that is not running is a
// no-op. Any pending reconnect is cancelled before it can fire.
func (s *Supervisor) Stop(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	h, running := s.handles[sessionID]
	if running {
		delete(s.handles, sessionID)
	}
	s.mu.Unlock()

	if !running {
		return nil
	}

	s.teardown(ctx, h)

	if err := s.sessions.ClearQRCode(ctx, sessionID); err != nil {
		s.log.Error("failed to clear credential artifact", "session_id", sessionID, "error", err)
	}

	if s.recorder != nil {
		s.recorder.SessionStopped()
	}
	s.log.Info("session stopped", "session_id", sessionID)
	return nil
}

// teardown cancels the handle context first so no reconnect timer can fire
// during or after the disconnect.
func (s *Supervisor) teardown(ctx context.Context, h *handle) {
	h.cancel()
	h.prov.Disconnect()

	if ok, _ := h.machine.CanFire(ctx, state.TriggerStop); ok {
		if err := h.machine.Fire(ctx, state.TriggerStop); err != nil {
			s.log.Warn("stop transition failed", "session_id", h.sessionID, "error", err)
		}
	}

	h.prov.Close()
	<-h.done
}

// Delete stops a session and removes every trace of it: state machine to
// Deleted, stored messages and contacts (cascade), the session row, and
// on-disk credentials. Irreversible.
func (s *Supervisor) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	h, running := s.handles[sessionID]
	if running {
		delete(s.handles, sessionID)
	}
	s.mu.Unlock()

	if running {
		s.teardown(ctx, h)
		if err := h.machine.Fire(ctx, state.TriggerDelete); err != nil {
			s.log.Warn("delete transition failed", "session_id", sessionID, "error", err)
		}
		if s.recorder != nil {
			s.recorder.SessionStopped()
		}
	}

	if _, err := s.sessions.GetByID(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return fmt.Errorf("failed to load session: %w", err)
	}

	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := os.RemoveAll(s.credentialDir(sessionID)); err != nil {
		s.log.Error("failed to remove credentials", "session_id", sessionID, "error", err)
	}

	s.events.Publish(sessionEvent(EventSessionDeleted, sessionID, nil))
	s.log.Info("session deleted", "session_id", sessionID)
	return nil
}

// GetStatus returns a session's stored record tagged with whether it is
// currently running.
func (s *Supervisor) GetStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, err
	}

	s.mu.Lock()
	_, running := s.handles[sessionID]
	s.mu.Unlock()

	return &SessionStatus{Session: *sess, Running: running}, nil
}

// ListSessions returns an owner's sessions, or every session when ownerID
// is empty.
func (s *Supervisor) ListSessions(ctx context.Context, ownerID string) ([]SessionStatus, error) {
	sessions, err := s.sessions.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]SessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		_, running := s.handles[sess.SessionID]
		statuses = append(statuses, SessionStatus{Session: sess, Running: running})
	}
	return statuses, nil
}

// GetCredentialArtifact returns the session's pending pairing artifact as a
// PNG data URL.
func (s *Supervisor) GetCredentialArtifact(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	h, running := s.handles[sessionID]
	s.mu.Unlock()

	if running {
		if artifact := h.currentArtifact(); artifact != "" {
			return artifact, nil
		}
	}

	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return "", err
	}
	if sess.QRCode == "" {
		return "", fmt.Errorf("%w: session %s", ErrArtifactNotAvailable, sessionID)
	}
	return sess.QRCode, nil
}

// SendTextMessage sends a text message through a running session.
func (s *Supervisor) SendTextMessage(ctx context.Context, sessionID, remoteJID, text string) (*store.Message, error) {
	s.mu.Lock()
	h, running := s.handles[sessionID]
	s.mu.Unlock()

	if !running {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotRunning, sessionID)
	}
	return h.pipeline.SendText(ctx, remoteJID, text)
}

// GetMessageHistory returns a conversation's messages in ascending
// timestamp order. beforeMillis > 0 pages to strictly older messages.
func (s *Supervisor) GetMessageHistory(ctx context.Context, sessionID, remoteJID string, limit int, beforeMillis int64) ([]store.Message, error) {
	if _, err := s.sessions.GetByID(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, err
	}
	return s.messages.History(ctx, sessionID, remoteJID, limit, beforeMillis)
}

// GetContacts returns a session's contacts, most recently active first.
func (s *Supervisor) GetContacts(ctx context.Context, sessionID string) ([]store.Contact, error) {
	if _, err := s.sessions.GetByID(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, err
	}
	return s.contacts.ListBySession(ctx, sessionID)
}

// RunningCount reports how many sessions currently hold a handle.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Shutdown stops every running session. Used on process exit.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[string]*handle)
	s.mu.Unlock()

	for _, h := range handles {
		s.teardown(ctx, h)
		if s.recorder != nil {
			s.recorder.SessionStopped()
		}
	}
	s.log.Info("all sessions stopped", "count", len(handles))
}

func (s *Supervisor) credentialDir(sessionID string) string {
	return filepath.Join(s.cfg.SessionsDir, sessionID)
}

// artifactDataURL renders a pairing code as a PNG data URL suitable for an
// <img> tag.
func artifactDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("failed to encode artifact: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
