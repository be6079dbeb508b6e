// Package provider defines the connection provider consumed by the session
// supervisor and the ingestion pipeline, and its event model.
//
// A Provider owns one live connection to the remote chat network. It pushes
// a lazy, unbounded sequence of events on Events() and accepts outbound
// sends. The supervisor and pipeline depend only on this interface, never on
// a concrete network implementation.
package provider

import (
	"context"
	"log/slog"
	"time"
)

// ConnectionState mirrors the remote connection lifecycle as reported by
// the network layer.
type ConnectionState string

const (
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionOpen       ConnectionState = "open"
	ConnectionClosed     ConnectionState = "close"
)

// DisconnectCause classifies why a connection closed. Transient causes are
// recovered by reconnecting; a logged-out cause is terminal.
type DisconnectCause string

const (
	CauseNone      DisconnectCause = ""
	CauseNetwork   DisconnectCause = "network"
	CauseTimeout   DisconnectCause = "timeout"
	CauseConflict  DisconnectCause = "conflict"
	CauseLoggedOut DisconnectCause = "logged_out"
)

// IsTerminal reports whether the cause rules out automatic reconnection.
func (c DisconnectCause) IsTerminal() bool {
	return c == CauseLoggedOut
}

// Event is the closed set of provider events. Consumers switch over the
// concrete types; there are no other implementations.
type Event interface {
	providerEvent()
}

// ConnectionStateChanged reports a connection lifecycle change. DeviceJID is
// set when State is ConnectionOpen; Cause is set when State is
// ConnectionClosed.
type ConnectionStateChanged struct {
	State     ConnectionState
	Cause     DisconnectCause
	DeviceJID string
}

// CredentialArtifactIssued carries a fresh pairing code because no valid
// stored credential exists. Codes rotate; each event replaces the previous.
type CredentialArtifactIssued struct {
	Code string
}

// CredentialsUpdated signals that the provider refreshed its stored
// credential material. PersistCredentials must be called before assuming a
// reconnect will succeed.
type CredentialsUpdated struct{}

// MessagesUpserted carries a batch of inbound or history-synced messages.
type MessagesUpserted struct {
	Messages []RawMessage
}

// MessageStatusChanged reports a delivery status change for one message.
// RawStatus uses the wire encoding: 0/1 sent, 2 delivered, 3 read.
type MessageStatusChanged struct {
	MessageID string
	RemoteJID string
	RawStatus int
}

// ContactsUpdated carries a batch of contact attribute changes. Absent
// fields are empty strings and leave stored values untouched.
type ContactsUpdated struct {
	Updates []ContactUpdate
}

func (ConnectionStateChanged) providerEvent()   {}
func (CredentialArtifactIssued) providerEvent() {}
func (CredentialsUpdated) providerEvent()       {}
func (MessagesUpserted) providerEvent()         {}
func (MessageStatusChanged) providerEvent()     {}
func (ContactsUpdated) providerEvent()          {}

// RawMessage is one provider-reported message before classification.
type RawMessage struct {
	ID          string
	RemoteJID   string
	FromMe      bool
	Participant string
	PushName    string
	Timestamp   time.Time
	Body        Body
}

// Body holds the per-kind content of a raw message. Exactly zero or one
// field is non-nil; classification walks them in a fixed order.
type Body struct {
	Text        *string
	Image       *Media
	Video       *Media
	Audio       *Media
	Document    *Media
	Sticker     *Media
	Location    *Location
	ContactCard *ContactCard
}

// Media describes a media attachment reference.
type Media struct {
	Caption  string
	URL      string
	Filename string
	MimeType string
}

// Location describes a shared location.
type Location struct {
	Latitude  float64
	Longitude float64
	Name      string
}

// ContactCard describes a shared contact.
type ContactCard struct {
	DisplayName string
}

// ContactUpdate is one contact attribute change.
type ContactUpdate struct {
	JID               string
	Name              string
	PushName          string
	Status            string
	ProfilePictureURL string
}

// Provider is one live connection to the remote chat network.
type Provider interface {
	// Connect establishes the connection. Progress and failures after the
	// initial dial are reported via Events.
	Connect(ctx context.Context) error

	// Disconnect closes the connection without touching stored credentials.
	Disconnect()

	// Events returns the provider's event sequence. The channel is closed
	// when the provider is closed.
	Events() <-chan Event

	// Send delivers a text message and returns the provider-assigned
	// message id and timestamp.
	Send(ctx context.Context, jid, text string) (string, time.Time, error)

	// PersistCredentials flushes refreshed credential material to the
	// session's credential directory.
	PersistCredentials(ctx context.Context) error

	// Close releases all resources. Events is closed as a result.
	Close() error
}

// Factory constructs a Provider bound to a session's credential directory.
type Factory func(ctx context.Context, sessionID, credentialDir string, log *slog.Logger) (Provider, error)
