package engine

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/wadash/wadash/internal/model"
)

// parseLiveMessage normalizes a live whatsmeow message event.
func parseLiveMessage(evt *events.Message) model.Message {
	return model.Message{
		ID:         evt.Info.ID,
		ChatID:     evt.Info.Chat.String(),
		Sender:     evt.Info.Sender.String(),
		SenderName: evt.Info.PushName,
		Body:       extractTextBody(evt.Message),
		Type:       detectMessageType(evt.Message),
		Timestamp:  evt.Info.Timestamp.UnixMilli(),
		FromMe:     evt.Info.IsFromMe,
	}
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}

// TypeLabel renders a message type as the short label shown in chat
// previews.
func TypeLabel(msgType string) string {
	switch msgType {
	case "text":
		return ""
	case "image":
		return "[Photo]"
	case "video":
		return "[Video]"
	case "audio":
		return "[Audio]"
	case "document":
		return "[Document]"
	case "sticker":
		return "[Sticker]"
	case "contact":
		return "[Contact]"
	case "location":
		return "[Location]"
	default:
		return "[Message]"
	}
}
