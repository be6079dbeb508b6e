package store

import (
	"context"
	"errors"
	"time"

	"github.com/Dymas00/whatsapp-multi-user-temp/internal/state"
)

// ErrNotFound is returned when a requested item is not found.
var ErrNotFound = errors.New("not found")

// SessionRepository defines operations for session persistence.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, sessionID string) (*Session, error)
	// List returns sessions for an owner, or all sessions when ownerID is empty.
	List(ctx context.Context, ownerID string) ([]Session, error)
	CountByOwner(ctx context.Context, ownerID string) (int, error)
	UpdateState(ctx context.Context, sessionID string, s state.State) error
	SetPhoneNumber(ctx context.Context, sessionID, phone string) error
	SetQRCode(ctx context.Context, sessionID, artifact string) error
	ClearQRCode(ctx context.Context, sessionID string) error
	TouchConnection(ctx context.Context, sessionID string, at time.Time) error
	// Delete removes the session row; messages and contacts cascade.
	Delete(ctx context.Context, sessionID string) error
}

// MessageRepository defines operations for message persistence.
type MessageRepository interface {
	// Insert stores a message keyed on (session, message id). A duplicate id
	// is an idempotent no-op; the bool reports whether a row was created.
	Insert(ctx context.Context, msg *Message) (bool, error)
	// UpdateStatus advances a message's status. Requests for an earlier
	// status than currently stored are no-ops, and nothing leaves failed;
	// the bool reports whether the row changed.
	UpdateStatus(ctx context.Context, sessionID, messageID string, status MessageStatus) (bool, error)
	GetByID(ctx context.Context, sessionID, messageID string) (*Message, error)
	// History returns messages for a conversation in ascending timestamp
	// order; beforeMillis > 0 bounds the page to strictly older messages.
	History(ctx context.Context, sessionID, remoteJID string, limit int, beforeMillis int64) ([]Message, error)
	CountBySession(ctx context.Context, sessionID string) (int, error)
}

// ContactRepository defines operations for contact persistence.
type ContactRepository interface {
	// Upsert creates or updates a contact. Empty fields in the update leave
	// stored values unchanged; last_interaction never decreases.
	Upsert(ctx context.Context, c *Contact) error
	GetByJID(ctx context.Context, sessionID, jid string) (*Contact, error)
	// ListBySession returns a session's contacts ordered by last interaction,
	// most recent first.
	ListBySession(ctx context.Context, sessionID string) ([]Contact, error)
	CountBySession(ctx context.Context, sessionID string) (int, error)
}
