package engine

import (
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"github.com/wadash/wadash/internal/bus"
	"github.com/wadash/wadash/internal/model"
)

// handleEvent maps whatsmeow events onto bus events scoped to this
// adapter's account. Unknown engine errors are logged, never rethrown:
// an engine hiccup must not take the daemon down.
func (a *Adapter) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		a.logger.Info("WhatsApp connected")
		a.bus.Publish(bus.NewEvent(bus.KindEngineAuth, Event{AccountID: a.accountID}))
		a.bus.Publish(bus.NewEvent(bus.KindEngineReady, Event{AccountID: a.accountID}))
	case *events.Disconnected:
		a.logger.Warn("WhatsApp disconnected")
		a.bus.Publish(bus.NewEvent(bus.KindEngineDisconnected, Event{
			AccountID: a.accountID,
			Reason:    "connection lost",
		}))
	case *events.LoggedOut:
		a.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		a.bus.Publish(bus.NewEvent(bus.KindEngineDisconnected, Event{
			AccountID: a.accountID,
			Reason:    evt.Reason.String(),
		}))
	case *events.Message:
		a.handleMessage(evt)
	case *events.HistorySync:
		a.handleHistorySync(evt)
	case *events.StreamError:
		a.logger.Error("engine stream error", zap.String("code", evt.Code))
	}
}

func (a *Adapter) handleMessage(evt *events.Message) {
	msg := parseLiveMessage(evt)
	a.recordMessage(msg)
	if !msg.FromMe {
		a.bumpUnread(msg.ChatID)
	}
	a.bus.Publish(bus.NewEvent(bus.KindEngineMessage, Event{
		AccountID: a.accountID,
		Message:   &msg,
	}))
}

// handleHistorySync seeds the conversation metadata and message
// buffers from the engine's initial history payloads.
func (a *Adapter) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	count := 0
	for _, conv := range data.GetConversations() {
		chatID := conv.GetID()

		a.mu.Lock()
		st := a.chats[chatID]
		if st == nil {
			st = &chatState{}
			a.chats[chatID] = st
		}
		if n := conv.GetName(); n != "" {
			st.name = n
		}
		st.unread = int(conv.GetUnreadCount())
		a.mu.Unlock()

		for _, hm := range conv.GetMessages() {
			wmsg := hm.GetMessage()
			if wmsg == nil || wmsg.GetMessage() == nil {
				continue
			}
			body := extractTextBody(wmsg.GetMessage())
			a.recordMessage(model.Message{
				ID:        wmsg.GetKey().GetID(),
				ChatID:    chatID,
				Sender:    wmsg.GetKey().GetParticipant(),
				Body:      body,
				Type:      detectMessageType(wmsg.GetMessage()),
				Timestamp: int64(wmsg.GetMessageTimestamp()) * 1000,
				FromMe:    wmsg.GetKey().GetFromMe(),
			})
			count++
		}
	}
	if count > 0 {
		a.logger.Info("history sync ingested", zap.Int("messages", count))
	}
}
