package bridge

import (
	"context"
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/wadash/wadash/internal/bus"
	"github.com/wadash/wadash/internal/engine"
	"github.com/wadash/wadash/internal/lifecycle"
	"github.com/wadash/wadash/internal/model"
	chatsync "github.com/wadash/wadash/internal/sync"
)

const qrImageSize = 256

// Start begins relaying internal bus events to connected clients.
func (b *Bridge) Start(ctx context.Context) {
	events, unsubscribe := b.bus.Subscribe("", 512)
	b.stop = unsubscribe
	go func() {
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					return
				}
				b.relay(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the relay and disconnects clients.
func (b *Bridge) Stop() {
	if b.stop != nil {
		b.stop()
	}
	b.hub.Close()
}

// relay owns the bus-to-wire mapping.
func (b *Bridge) relay(evt bus.Event) {
	switch evt.Kind {
	case bus.KindEngineQR:
		payload, ok := evt.Payload.(engine.Event)
		if !ok {
			return
		}
		b.hub.Broadcast("qr", map[string]any{
			"code": payload.QRCode,
			"png":  qrPNG(payload.QRCode, b.logger),
		})

	case bus.KindSessionStatus:
		change, ok := evt.Payload.(lifecycle.StatusChange)
		if !ok {
			return
		}
		b.hub.Broadcast("status", map[string]any{"isReady": change.Ready})
		if change.Ready {
			b.hub.Broadcast("ready", nil)
		} else {
			b.hub.Broadcast("disconnected", map[string]any{"reason": change.Reason})
		}

	case bus.KindEngineMessage:
		payload, ok := evt.Payload.(engine.Event)
		if !ok || payload.Message == nil {
			return
		}
		b.hub.Broadcast("newMessage", payload.Message)

	case bus.KindSyncProgress:
		if s, ok := evt.Payload.(model.SyncStatus); ok {
			b.hub.Broadcast("syncProgress", s)
		}

	case bus.KindSyncChat:
		ce, ok := evt.Payload.(chatsync.ChatEvent)
		if !ok {
			return
		}
		b.hub.Broadcast("syncChat", map[string]any{
			"chat":  ce.Chat,
			"index": ce.Index,
			"total": ce.Total,
		})

	case bus.KindSyncClear:
		b.hub.Broadcast("syncClear", nil)

	case bus.KindSyncComplete:
		done, ok := evt.Payload.(chatsync.CompleteEvent)
		if !ok {
			return
		}
		b.hub.Broadcast("syncComplete", map[string]any{
			"total":     done.Total,
			"success":   done.Success,
			"errors":    done.Errors,
			"unchanged": done.Unchanged,
			"fromCache": done.FromCache,
		})
		chats := done.Chats
		if chats == nil {
			chats = []model.Chat{}
		}
		b.hub.Broadcast("chats", map[string]any{"list": chats})

	case bus.KindSearchProgress:
		b.hub.Broadcast("searchProgress", evt.Payload)

	case bus.KindSearchResults:
		b.hub.Broadcast("searchResults", evt.Payload)

	case bus.KindAccountsChanged:
		if list, ok := evt.Payload.([]model.Account); ok {
			b.hub.Broadcast("accounts", map[string]any{"list": list})
		}

	case bus.KindAccountSwitched:
		if id, ok := evt.Payload.(model.AccountID); ok {
			b.hub.Broadcast("currentAccount", map[string]any{"id": id})
		}

	case bus.KindSessionCleared:
		b.hub.Broadcast("sessionsCleared", evt.Payload)
	}
}

// qrPNG renders the pairing code as a base64 PNG, or empty on failure
// so clients can still render the raw code.
func qrPNG(code string, logger *zap.Logger) string {
	if code == "" {
		return ""
	}
	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		logger.Warn("qr render failed", zap.Error(err))
		return ""
	}
	return base64.StdEncoding.EncodeToString(png)
}
