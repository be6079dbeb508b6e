// Package store provides data persistence for sessions, messages, and contacts.
package store

import (
	"strings"
	"time"

	"github.com/Dymas00/whatsapp-multi-user-temp/internal/state"
)

// MessageStatus is the delivery status of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusReceived  MessageStatus = "received"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// statusRank orders statuses for the monotonic-advance rule. Received ranks
// with sent: both mean "the message exists on the remote side".
var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusReceived:  1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the position of the status in the pending→sent→delivered→read
// order. Failed has no rank; it is terminal from any state.
func (s MessageStatus) Rank() int {
	return statusRank[s]
}

// CanAdvanceTo reports whether a stored message with this status may be
// updated to next. Transitions never move backwards and nothing leaves failed.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next.Rank() > s.Rank()
}

// MessageType classifies message content.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeSticker  MessageType = "sticker"
	TypeLocation MessageType = "location"
	TypeContact  MessageType = "contact"
	TypeUnknown  MessageType = "unknown"
)

// Session is one user-owned, independently connectable WhatsApp identity.
type Session struct {
	SessionID      string      `json:"session_id"`
	OwnerID        string      `json:"owner_id"`
	Name           string      `json:"name"`
	State          state.State `json:"state"`
	PhoneNumber    string      `json:"phone_number,omitempty"`
	QRCode         string      `json:"qr_code,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	LastConnection time.Time   `json:"last_connection,omitempty"`
}

// Message is one chat message scoped to a session. Timestamp is epoch millis
// and is the authoritative ordering key within a conversation.
type Message struct {
	SessionID   string        `json:"session_id"`
	MessageID   string        `json:"message_id"`
	RemoteJID   string        `json:"remote_jid"`
	FromMe      bool          `json:"from_me"`
	Participant string        `json:"participant,omitempty"`
	PushName    string        `json:"push_name,omitempty"`
	Timestamp   int64         `json:"timestamp"`
	Type        MessageType   `json:"type"`
	Content     string        `json:"content,omitempty"`
	MediaURL    string        `json:"media_url,omitempty"`
	Status      MessageStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Contact is one remote party (individual or group) known to a session.
// LastInteraction is epoch millis and never decreases.
type Contact struct {
	SessionID         string    `json:"session_id"`
	JID               string    `json:"jid"`
	Name              string    `json:"name,omitempty"`
	PushName          string    `json:"push_name,omitempty"`
	PhoneNumber       string    `json:"phone_number,omitempty"`
	IsGroup           bool      `json:"is_group"`
	LastInteraction   int64     `json:"last_interaction,omitempty"`
	ProfilePictureURL string    `json:"profile_picture_url,omitempty"`
	Status            string    `json:"status,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PhoneNumberFromJID extracts the bare phone number from a jid.
func PhoneNumberFromJID(jid string) string {
	if jid == "" {
		return ""
	}
	if i := strings.IndexAny(jid, ":@"); i >= 0 {
		return jid[:i]
	}
	return jid
}

// IsGroupJID reports whether a jid addresses a group.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us")
}
