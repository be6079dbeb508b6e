package ingest

import (
	"fmt"

	"github.com/Dymas00/whatsapp-multi-user-temp/internal/provider"
	"github.com/Dymas00/whatsapp-multi-user-temp/internal/store"
)

// Classify resolves the body of a raw message into a message type, display
// content, and media URL. The checks run in a fixed order so a body with
// multiple populated fields (which the network should never produce)
// classifies deterministically.
func Classify(body provider.Body) (store.MessageType, string, string) {
	switch {
	case body.Text != nil:
		return store.TypeText, *body.Text, ""
	case body.Image != nil:
		return store.TypeImage, body.Image.Caption, body.Image.URL
	case body.Video != nil:
		return store.TypeVideo, body.Video.Caption, body.Video.URL
	case body.Audio != nil:
		return store.TypeAudio, "", body.Audio.URL
	case body.Document != nil:
		content := body.Document.Caption
		if content == "" {
			content = body.Document.Filename
		}
		return store.TypeDocument, content, body.Document.URL
	case body.Sticker != nil:
		return store.TypeSticker, "", body.Sticker.URL
	case body.Location != nil:
		loc := body.Location
		return store.TypeLocation, fmt.Sprintf("Latitude: %f, Longitude: %f", loc.Latitude, loc.Longitude), ""
	case body.ContactCard != nil:
		return store.TypeContact, body.ContactCard.DisplayName, ""
	default:
		return store.TypeUnknown, "", ""
	}
}

// statusFromRaw maps the network's numeric acknowledgement levels onto
// message statuses. Unknown levels return "" meaning no change.
func statusFromRaw(raw int) store.MessageStatus {
	switch raw {
	case 0, 1:
		return store.StatusSent
	case 2:
		return store.StatusDelivered
	case 3:
		return store.StatusRead
	default:
		return ""
	}
}
