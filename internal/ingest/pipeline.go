package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Dymas00/whatsapp-multi-user-temp/internal/bus"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/provider"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/store"
)

// Event type names published on the message and contact categories.
const (
	EventMessageNew    = "new"
	EventMessageStatus = "status"
	EventContactUpdate = "update"
)

// StatusUpdate is the payload published on message:status topics.
type StatusUpdate struct {
	MessageID string              `json:"messageId"`
	RemoteJID string              `json:"remoteJid"`
	Status    store.MessageStatus `json:"status"`
}

// Recorder receives ingestion throughput counts. Implementations must be
// safe for concurrent use.
type Recorder interface {
	MessageReceived()
	MessageSent()
}

// Pipeline turns one session's raw provider events into persisted rows and
// bus events. A failure on one item is logged and dropped; it never stops
// the session or affects other items in the same batch.
type Pipeline struct {
	sessionID string
	prov      provider.Provider
	messages  store.MessageRepository
	contacts  store.ContactRepository
	events    *bus.Bus
	recorder  Recorder
	log       *slog.Logger
}

// New creates a pipeline for a session. recorder may be nil.
func New(sessionID string, prov provider.Provider, messages store.MessageRepository, contacts store.ContactRepository, events *bus.Bus, recorder Recorder, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		sessionID: sessionID,
		prov:      prov,
		messages:  messages,
		contacts:  contacts,
		events:    events,
		recorder:  recorder,
		log:       log.With("component", "ingest", "session_id", sessionID),
	}
}

// Handle processes one provider event. Connection lifecycle events are not
// routed here; callers pass only message and contact events.
func (p *Pipeline) Handle(ctx context.Context, evt provider.Event) {
	switch e := evt.(type) {
	case provider.MessagesUpserted:
		for _, raw := range e.Messages {
			p.ingestMessage(ctx, raw)
		}
	case provider.MessageStatusChanged:
		p.applyStatus(ctx, e)
	case provider.ContactsUpdated:
		for _, upd := range e.Updates {
			p.applyContact(ctx, upd)
		}
	}
}

func (p *Pipeline) ingestMessage(ctx context.Context, raw provider.RawMessage) {
	msgType, content, mediaURL := Classify(raw.Body)

	status := store.StatusReceived
	if raw.FromMe {
		status = store.StatusSent
	}

	msg := &store.Message{
		SessionID:   p.sessionID,
		MessageID:   raw.ID,
		RemoteJID:   raw.RemoteJID,
		FromMe:      raw.FromMe,
		Participant: raw.Participant,
		PushName:    raw.PushName,
		Timestamp:   raw.Timestamp.UnixMilli(),
		Type:        msgType,
		Content:     content,
		MediaURL:    mediaURL,
		Status:      status,
	}

	created, err := p.messages.Insert(ctx, msg)
	if err != nil {
		p.log.Error("failed to persist message", "message_id", raw.ID, "error", err)
		return
	}
	if !created {
		p.log.Debug("duplicate message ignored", "message_id", raw.ID)
		return
	}

	p.touchContact(ctx, raw)

	if p.recorder != nil && !raw.FromMe {
		p.recorder.MessageReceived()
	}

	p.events.Publish(bus.Event{
		Category:  bus.CategoryMessage,
		Type:      EventMessageNew,
		SessionID: p.sessionID,
		Payload:   msg,
		Timestamp: time.Now(),
	})
}

// touchContact records that the conversation partner was just heard from.
func (p *Pipeline) touchContact(ctx context.Context, raw provider.RawMessage) {
	contact := &store.Contact{
		SessionID:       p.sessionID,
		JID:             raw.RemoteJID,
		PhoneNumber:     store.PhoneNumberFromJID(raw.RemoteJID),
		IsGroup:         store.IsGroupJID(raw.RemoteJID),
		LastInteraction: raw.Timestamp.UnixMilli(),
	}
	if !raw.FromMe && raw.Participant == "" {
		contact.PushName = raw.PushName
	}
	if err := p.contacts.Upsert(ctx, contact); err != nil {
		p.log.Warn("failed to update contact", "jid", raw.RemoteJID, "error", err)
	}
}

func (p *Pipeline) applyStatus(ctx context.Context, e provider.MessageStatusChanged) {
	status := statusFromRaw(e.RawStatus)
	if status == "" {
		return
	}

	changed, err := p.messages.UpdateStatus(ctx, p.sessionID, e.MessageID, status)
	if err != nil {
		p.log.Error("failed to update message status", "message_id", e.MessageID, "error", err)
		return
	}
	if !changed {
		return
	}

	p.events.Publish(bus.Event{
		Category:  bus.CategoryMessage,
		Type:      EventMessageStatus,
		SessionID: p.sessionID,
		Payload: StatusUpdate{
			MessageID: e.MessageID,
			RemoteJID: e.RemoteJID,
			Status:    status,
		},
		Timestamp: time.Now(),
	})
}

func (p *Pipeline) applyContact(ctx context.Context, upd provider.ContactUpdate) {
	contact := &store.Contact{
		SessionID:         p.sessionID,
		JID:               upd.JID,
		Name:              upd.Name,
		PushName:          upd.PushName,
		Status:            upd.Status,
		ProfilePictureURL: upd.ProfilePictureURL,
		PhoneNumber:       store.PhoneNumberFromJID(upd.JID),
		IsGroup:           store.IsGroupJID(upd.JID),
	}
	if err := p.contacts.Upsert(ctx, contact); err != nil {
		p.log.Error("failed to upsert contact", "jid", upd.JID, "error", err)
		return
	}

	p.events.Publish(bus.Event{
		Category:  bus.CategoryContact,
		Type:      EventContactUpdate,
		SessionID: p.sessionID,
		Payload:   contact,
		Timestamp: time.Now(),
	})
}

// SendText delivers a text message over the session's connection and
// persists it. A delivery failure leaves no stored trace of the attempt.
func (p *Pipeline) SendText(ctx context.Context, remoteJID, text string) (*store.Message, error) {
	id, sentAt, err := p.prov.Send(ctx, remoteJID, text)
	if err != nil {
		return nil, fmt.Errorf("send failed: %w", err)
	}

	msg := &store.Message{
		SessionID: p.sessionID,
		MessageID: id,
		RemoteJID: remoteJID,
		FromMe:    true,
		Timestamp: sentAt.UnixMilli(),
		Type:      store.TypeText,
		Content:   text,
		Status:    store.StatusPending,
	}

	created, err := p.messages.Insert(ctx, msg)
	if err != nil {
		p.log.Error("failed to persist sent message", "message_id", id, "error", err)
		return nil, fmt.Errorf("failed to persist sent message: %w", err)
	}
	if !created {
		// The connection already reported this id; the ingest path owns it.
		p.log.Debug("sent message already recorded", "message_id", id)
		return msg, nil
	}

	p.touchContact(ctx, provider.RawMessage{
		RemoteJID: remoteJID,
		FromMe:    true,
		Timestamp: sentAt,
	})

	if p.recorder != nil {
		p.recorder.MessageSent()
	}

	p.events.Publish(bus.Event{
		Category:  bus.CategoryMessage,
		Type:      EventMessageNew,
		SessionID: p.sessionID,
		Payload:   msg,
		Timestamp: time.Now(),
	})
	return msg, nil
}
