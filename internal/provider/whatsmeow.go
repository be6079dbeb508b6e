package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// WhatsmeowProvider implements Provider on top of whatsmeow. One instance
// per running session; credentials live in a per-session SQLite store under
// the session's credential directory.
type WhatsmeowProvider struct {
	sessionID string
	container *sqlstore.Container
	log       *slog.Logger

	mu     sync.RWMutex
	client *whatsmeow.Client

	// evMu orders emit against Close so the channel is never written after
	// it is closed.
	evMu   sync.RWMutex
	closed bool
	events chan Event
}

// NewWhatsmeow creates a provider bound to a session credential directory.
func NewWhatsmeow(ctx context.Context, sessionID, credentialDir string, log *slog.Logger) (Provider, error) {
	if err := os.MkdirAll(credentialDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credential directory: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "provider", "session_id", sessionID)

	dbLog := &slogAdapter{log: log.With("module", "whatsmeow-db")}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(credentialDir, "credentials.db"))
	container, err := sqlstore.New(ctx, "sqlite3", dsn, dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	return &WhatsmeowProvider{
		sessionID: sessionID,
		container: container,
		log:       log,
		events:    make(chan Event, 128),
	}, nil
}

// Connect establishes the connection to WhatsApp. If no stored credential
// exists, CredentialArtifactIssued events follow on Events().
func (w *WhatsmeowProvider) Connect(ctx context.Context) error {
	w.mu.Lock()

	if w.client != nil && w.client.IsConnected() {
		w.mu.Unlock()
		return nil
	}

	if w.client == nil {
		deviceStore, err := w.container.GetFirstDevice(ctx)
		if err != nil {
			w.mu.Unlock()
			return fmt.Errorf("failed to get device store: %w", err)
		}

		clientLog := &slogAdapter{log: w.log.With("module", "whatsmeow")}
		w.client = whatsmeow.NewClient(deviceStore, clientLog)
		// The supervisor owns reconnection policy.
		w.client.EnableAutoReconnect = false
		w.client.AddEventHandler(w.handleEvent)
	}
	client := w.client
	w.mu.Unlock()

	w.emit(ConnectionStateChanged{State: ConnectionConnecting})

	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// Disconnect closes the connection without touching stored credentials.
func (w *WhatsmeowProvider) Disconnect() {
	w.mu.RLock()
	client := w.client
	w.mu.RUnlock()

	if client != nil {
		client.Disconnect()
	}
}

// Events returns the provider's event sequence.
func (w *WhatsmeowProvider) Events() <-chan Event {
	return w.events
}

// Send delivers a text message.
func (w *WhatsmeowProvider) Send(ctx context.Context, jid, text string) (string, time.Time, error) {
	w.mu.RLock()
	client := w.client
	w.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		return "", time.Time{}, fmt.Errorf("session %s is not connected", w.sessionID)
	}

	recipient, err := types.ParseJID(jid)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid JID: %w", err)
	}

	resp, err := client.SendMessage(ctx, recipient, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to send message: %w", err)
	}

	return resp.ID, resp.Timestamp, nil
}

// PersistCredentials flushes the device state to the credential store.
func (w *WhatsmeowProvider) PersistCredentials(ctx context.Context) error {
	w.mu.RLock()
	client := w.client
	w.mu.RUnlock()

	if client == nil || client.Store == nil {
		return nil
	}
	return client.Store.Save(ctx)
}

// Close disconnects and releases the credential store. Events is closed.
func (w *WhatsmeowProvider) Close() error {
	w.Disconnect()

	w.evMu.Lock()
	if !w.closed {
		w.closed = true
		close(w.events)
	}
	w.evMu.Unlock()

	if w.container != nil {
		return w.container.Close()
	}
	return nil
}

// emit pushes an event, dropping it when the consumer has fallen too far
// behind or the provider is already closed.
func (w *WhatsmeowProvider) emit(evt Event) {
	w.evMu.RLock()
	defer w.evMu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.events <- evt:
	default:
		w.log.Warn("event channel full, dropping event", "type", fmt.Sprintf("%T", evt))
	}
}

// handleEvent maps raw whatsmeow events to the provider event union.
func (w *WhatsmeowProvider) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.QR:
		// WhatsApp sends several rotation codes in one event; only the first
		// is currently valid. A new QR event fires on rotation.
		if len(evt.Codes) > 0 {
			w.emit(CredentialArtifactIssued{Code: evt.Codes[0]})
		}

	case *events.PairSuccess:
		w.emit(CredentialsUpdated{})

	case *events.Connected:
		deviceJID := ""
		w.mu.RLock()
		if w.client != nil && w.client.Store.ID != nil {
			deviceJID = w.client.Store.ID.String()
		}
		w.mu.RUnlock()
		w.emit(ConnectionStateChanged{State: ConnectionOpen, DeviceJID: deviceJID})

	case *events.Disconnected:
		w.emit(ConnectionStateChanged{State: ConnectionClosed, Cause: CauseNetwork})

	case *events.KeepAliveTimeout:
		w.emit(ConnectionStateChanged{State: ConnectionClosed, Cause: CauseTimeout})

	case *events.StreamReplaced:
		w.emit(ConnectionStateChanged{State: ConnectionClosed, Cause: CauseConflict})

	case *events.LoggedOut:
		w.emit(ConnectionStateChanged{State: ConnectionClosed, Cause: CauseLoggedOut})

	case *events.Message:
		w.emit(MessagesUpserted{Messages: []RawMessage{rawMessageFromEvent(evt)}})

	case *events.Receipt:
		raw := rawStatusFromReceipt(evt.Type)
		if raw == 0 {
			return
		}
		for _, id := range evt.MessageIDs {
			w.emit(MessageStatusChanged{
				MessageID: id,
				RemoteJID: evt.Chat.String(),
				RawStatus: raw,
			})
		}

	case *events.Contact:
		w.emit(ContactsUpdated{Updates: []ContactUpdate{{
			JID:  evt.JID.String(),
			Name: evt.Action.GetFullName(),
		}}})

	case *events.PushName:
		w.emit(ContactsUpdated{Updates: []ContactUpdate{{
			JID:      evt.JID.String(),
			PushName: evt.NewPushName,
		}}})
	}
}

func rawMessageFromEvent(evt *events.Message) RawMessage {
	raw := RawMessage{
		ID:        evt.Info.ID,
		RemoteJID: evt.Info.Chat.String(),
		FromMe:    evt.Info.IsFromMe,
		PushName:  evt.Info.PushName,
		Timestamp: evt.Info.Timestamp,
		Body:      bodyFromMessage(evt.Message),
	}
	if evt.Info.IsGroup {
		raw.Participant = evt.Info.Sender.String()
	}
	return raw
}

// bodyFromMessage pulls the per-kind content out of a WhatsApp message.
func bodyFromMessage(msg *waE2E.Message) Body {
	var body Body
	if msg == nil {
		return body
	}

	switch {
	case msg.Conversation != nil:
		body.Text = msg.Conversation
	case msg.GetExtendedTextMessage() != nil:
		body.Text = proto.String(msg.GetExtendedTextMessage().GetText())
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		body.Image = &Media{Caption: img.GetCaption(), URL: img.GetURL(), MimeType: img.GetMimetype()}
	case msg.GetVideoMessage() != nil:
		vid := msg.GetVideoMessage()
		body.Video = &Media{Caption: vid.GetCaption(), URL: vid.GetURL(), MimeType: vid.GetMimetype()}
	case msg.GetAudioMessage() != nil:
		audio := msg.GetAudioMessage()
		body.Audio = &Media{URL: audio.GetURL(), MimeType: audio.GetMimetype()}
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		body.Document = &Media{Caption: doc.GetTitle(), URL: doc.GetURL(), Filename: doc.GetFileName(), MimeType: doc.GetMimetype()}
	case msg.GetStickerMessage() != nil:
		body.Sticker = &Media{URL: msg.GetStickerMessage().GetURL()}
	case msg.GetLocationMessage() != nil:
		loc := msg.GetLocationMessage()
		body.Location = &Location{
			Latitude:  loc.GetDegreesLatitude(),
			Longitude: loc.GetDegreesLongitude(),
			Name:      loc.GetName(),
		}
	case msg.GetContactMessage() != nil:
		body.ContactCard = &ContactCard{DisplayName: msg.GetContactMessage().GetDisplayName()}
	}
	return body
}

func rawStatusFromReceipt(t types.ReceiptType) int {
	switch t {
	case types.ReceiptTypeDelivered:
		return 2
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		return 3
	case types.ReceiptTypeSender:
		return 1
	default:
		return 0
	}
}

// slogAdapter adapts slog.Logger to whatsmeow's log interface.
type slogAdapter struct {
	log *slog.Logger
}

func (s *slogAdapter) Debugf(msg string, args ...interface{}) {
	s.log.Debug(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Infof(msg string, args ...interface{}) {
	s.log.Info(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Warnf(msg string, args ...interface{}) {
	s.log.Warn(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Errorf(msg string, args ...interface{}) {
	s.log.Error(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Sub(module string) waLog.Logger {
	return &slogAdapter{log: s.log.With("module", module)}
}

var _ waLog.Logger = (*slogAdapter)(nil)
var _ Provider = (*WhatsmeowProvider)(nil)
