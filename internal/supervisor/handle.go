package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Dymas00/whatsapp-multi-user-temp/internal/bus"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/ingest"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/provider"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/state"
)

// handle is one running session: its provider connection, state machine,
// ingestion pipeline, and the context that bounds all of its background
// work. Cancelling ctx kills pending reconnect timers, so a stopped or
// deleted session can never be revived by a stale timer.
type handle struct {
	sessionID string
	ownerID   string
	machine   *state.Machine
	prov      provider.Provider
	pipeline  *ingest.Pipeline
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// reconnect yields the delay before each retry and backoff.Stop once
	// the retry budget for the current disconnect episode is spent. Reset
	// on every successful connection.
	reconnect backoff.BackOff

	mu       sync.Mutex
	artifact string

	onConnected    func(ctx context.Context, h *handle, deviceJID string)
	onArtifact     func(ctx context.Context, h *handle, artifact string)
	onLoggedOut    func(ctx context.Context, h *handle)
	onReconnect    func(h *handle)
	onCredsUpdated func(ctx context.Context, h *handle)
}

func (h *handle) setArtifact(artifact string) {
	h.mu.Lock()
	h.artifact = artifact
	h.mu.Unlock()
}

func (h *handle) currentArtifact() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.artifact
}

// run consumes the provider's event sequence until it closes. It is the
// only goroutine touching the session's pipeline, which preserves provider
// ordering.
func (h *handle) run() {
	defer close(h.done)

	for evt := range h.prov.Events() {
		switch e := evt.(type) {
		case provider.ConnectionStateChanged:
			h.handleConnectionChange(e)
		case provider.CredentialArtifactIssued:
			h.handleArtifact(e)
		case provider.CredentialsUpdated:
			if h.onCredsUpdated != nil {
				h.onCredsUpdated(h.ctx, h)
			}
		default:
			h.pipeline.Handle(h.ctx, evt)
		}
	}
}

func (h *handle) handleConnectionChange(e provider.ConnectionStateChanged) {
	switch e.State {
	case provider.ConnectionConnecting:
		// Already reflected by Starting.

	case provider.ConnectionOpen:
		if err := h.machine.Fire(h.ctx, state.TriggerAuthenticated); err != nil {
			h.log.Warn("unexpected connection open", "state", h.machine.MustState(), "error", err)
			return
		}
		h.setArtifact("")
		h.reconnect.Reset()
		if h.onConnected != nil {
			h.onConnected(h.ctx, h, e.DeviceJID)
		}

	case provider.ConnectionClosed:
		h.log.Info("connection closed", "cause", e.Cause)
		if e.Cause.IsTerminal() {
			if err := h.machine.Fire(h.ctx, state.TriggerLogout); err != nil {
				h.log.Warn("logout transition failed", "error", err)
			}
			h.setArtifact("")
			if h.onLoggedOut != nil {
				h.onLoggedOut(h.ctx, h)
			}
			return
		}
		if err := h.machine.Fire(h.ctx, state.TriggerConnectionLost); err != nil {
			// Stop already moved the machine; nothing to do.
			return
		}
		h.scheduleReconnect()
	}
}

func (h *handle) handleArtifact(e provider.CredentialArtifactIssued) {
	if ok, _ := h.machine.CanFire(h.ctx, state.TriggerCredentialRequired); ok {
		if err := h.machine.Fire(h.ctx, state.TriggerCredentialRequired); err != nil {
			h.log.Warn("credential transition failed", "error", err)
			return
		}
	}
	h.setArtifact(e.Code)
	if h.onArtifact != nil {
		h.onArtifact(h.ctx, h, e.Code)
	}
}

// scheduleReconnect arms a delayed retry. The timer is bounded by the
// handle context: Stop and Delete cancel it before it fires.
func (h *handle) scheduleReconnect() {
	if h.ctx.Err() != nil {
		return
	}

	delay := h.reconnect.NextBackOff()
	if delay == backoff.Stop {
		h.log.Error("reconnect retries exhausted, waiting for an explicit start")
		return
	}

	if err := h.machine.Fire(h.ctx, state.TriggerReconnect); err != nil {
		return
	}
	if h.onReconnect != nil {
		h.onReconnect(h)
	}
	h.log.Info("reconnect scheduled", "delay", delay)

	go func() {
		select {
		case <-h.ctx.Done():
			return
		case <-time.After(delay):
		}

		// Stop may have raced the timer and moved the machine off
		// Reconnecting while we slept.
		if ok, _ := h.machine.CanFire(h.ctx, state.TriggerStart); !ok {
			return
		}
		if err := h.machine.Fire(h.ctx, state.TriggerStart); err != nil {
			return
		}
		if err := h.prov.Connect(h.ctx); err != nil {
			h.log.Warn("reconnect attempt failed", "error", err)
			if ferr := h.machine.Fire(h.ctx, state.TriggerConnectionLost); ferr == nil {
				h.scheduleReconnect()
			}
		}
	}()
}

// StateChange is the payload published on session:connection topics.
type StateChange struct {
	From    state.State   `json:"from"`
	To      state.State   `json:"to"`
	Trigger state.Trigger `json:"trigger"`
}

// Event type names published on the session category.
const (
	EventSessionConnection    = "connection"
	EventSessionQR            = "qr"
	EventSessionAuthenticated = "authenticated"
	EventSessionLogout        = "logout"
	EventSessionDeleted       = "deleted"
)

func sessionEvent(eventType, sessionID string, payload any) bus.Event {
	return bus.Event{
		Category:  bus.CategorySession,
		Type:      eventType,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}
