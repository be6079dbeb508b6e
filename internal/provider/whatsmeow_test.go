package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestBodyFromMessage(t *testing.T) {
	t.Run("conversation text", func(t *testing.T) {
		body := bodyFromMessage(&waE2E.Message{Conversation: proto.String("hello")})
		require.NotNil(t, body.Text)
		assert.Equal(t, "hello", *body.Text)
	})

	t.Run("extended text", func(t *testing.T) {
		body := bodyFromMessage(&waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("quoted reply")},
		})
		require.NotNil(t, body.Text)
		assert.Equal(t, "quoted reply", *body.Text)
	})

	t.Run("image with caption", func(t *testing.T) {
		body := bodyFromMessage(&waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				Caption:  proto.String("look at this"),
				URL:      proto.String("https://mmg.whatsapp.net/img"),
				Mimetype: proto.String("image/jpeg"),
			},
		})
		require.NotNil(t, body.Image)
		assert.Equal(t, "look at this", body.Image.Caption)
		assert.Equal(t, "https://mmg.whatsapp.net/img", body.Image.URL)
		assert.Equal(t, "image/jpeg", body.Image.MimeType)
	})

	t.Run("document", func(t *testing.T) {
		body := bodyFromMessage(&waE2E.Message{
			DocumentMessage: &waE2E.DocumentMessage{
				Title:    proto.String("Q3 Report"),
				FileName: proto.String("q3.pdf"),
				URL:      proto.String("https://mmg.whatsapp.net/doc"),
			},
		})
		require.NotNil(t, body.Document)
		assert.Equal(t, "Q3 Report", body.Document.Caption)
		assert.Equal(t, "q3.pdf", body.Document.Filename)
	})

	t.Run("location", func(t *testing.T) {
		body := bodyFromMessage(&waE2E.Message{
			LocationMessage: &waE2E.LocationMessage{
				DegreesLatitude:  proto.Float64(52.52),
				DegreesLongitude: proto.Float64(13.405),
			},
		})
		require.NotNil(t, body.Location)
		assert.Equal(t, 52.52, body.Location.Latitude)
		assert.Equal(t, 13.405, body.Location.Longitude)
	})

	t.Run("contact card", func(t *testing.T) {
		body := bodyFromMessage(&waE2E.Message{
			ContactMessage: &waE2E.ContactMessage{DisplayName: proto.String("Carol")},
		})
		require.NotNil(t, body.ContactCard)
		assert.Equal(t, "Carol", body.ContactCard.DisplayName)
	})

	t.Run("nil message", func(t *testing.T) {
		body := bodyFromMessage(nil)
		assert.Equal(t, Body{}, body)
	})
}

func TestRawStatusFromReceipt(t *testing.T) {
	assert.Equal(t, 2, rawStatusFromReceipt(types.ReceiptTypeDelivered))
	assert.Equal(t, 3, rawStatusFromReceipt(types.ReceiptTypeRead))
	assert.Equal(t, 3, rawStatusFromReceipt(types.ReceiptTypeReadSelf))
	assert.Equal(t, 1, rawStatusFromReceipt(types.ReceiptTypeSender))
	assert.Equal(t, 0, rawStatusFromReceipt(types.ReceiptTypeRetry))
}

func TestRawMessageFromEvent(t *testing.T) {
	ts := time.Now()
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:     types.NewJID("123456789-group", types.GroupServer),
				Sender:   types.NewJID("15551234567", types.DefaultUserServer),
				IsFromMe: false,
				IsGroup:  true,
			},
			ID:        "MSG-1",
			PushName:  "Alice",
			Timestamp: ts,
		},
		Message: &waE2E.Message{Conversation: proto.String("group hello")},
	}

	raw := rawMessageFromEvent(evt)
	assert.Equal(t, "MSG-1", raw.ID)
	assert.Equal(t, "123456789-group@g.us", raw.RemoteJID)
	assert.Equal(t, "15551234567@s.whatsapp.net", raw.Participant)
	assert.Equal(t, "Alice", raw.PushName)
	assert.False(t, raw.FromMe)
	assert.Equal(t, ts, raw.Timestamp)
	require.NotNil(t, raw.Body.Text)
	assert.Equal(t, "group hello", *raw.Body.Text)
}

func TestDisconnectCauseClassification(t *testing.T) {
	assert.False(t, CauseNetwork.IsTerminal())
	assert.False(t, CauseTimeout.IsTerminal())
	assert.False(t, CauseConflict.IsTerminal())
	assert.True(t, CauseLoggedOut.IsTerminal())
	assert.False(t, CauseNone.IsTerminal())
}
