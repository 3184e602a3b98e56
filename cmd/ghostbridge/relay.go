package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"

	"ghostbridge/internal/core"
	"ghostbridge/internal/remote/telegram"
	"ghostbridge/pkg/ghostbridge"
)

// relayController forwards plain text messages between one room and one
// Telegram chat. It is deliberately minimal: anything that is not plain text
// is rejected as unhandled so the dispatcher's diagnostics kick in.
type relayController struct {
	logger    *slog.Logger
	connector *telegram.Connector
	chatID    int64
	roomID    string
}

func newRelayController(
	logger *slog.Logger,
	connector *telegram.Connector,
	chatID int64,
	roomID string,
) *relayController {
	return &relayController{
		logger:    logger,
		connector: connector,
		chatID:    chatID,
		roomID:    roomID,
	}
}

func (r *relayController) OnEvent(ctx context.Context, request *ghostbridge.Request[*ghostbridge.Event], _ *ghostbridge.BridgeContext) {
	event := request.Payload()

	if event.Type != ghostbridge.EventTypeMessage || event.IsState() {
		request.Reject(ghostbridge.ErrEventNotHandled)
		return
	}

	msgType := gjson.GetBytes(event.Content, "msgtype").String()
	if msgType != "m.text" {
		request.Reject(fmt.Errorf("msgtype %q: %w", msgType, ghostbridge.ErrEventNotHandled))
		return
	}

	body := gjson.GetBytes(event.Content, "body").String()
	if body == "" {
		request.Reject(fmt.Errorf("empty body: %w", ghostbridge.ErrEventNotHandled))
		return
	}

	if r.chatID == 0 {
		request.Reject(fmt.Errorf("no relay chat configured: %w", ghostbridge.ErrEventNotHandled))
		return
	}

	messageID, err := r.connector.SendText(ctx, r.chatID, fmt.Sprintf("%s: %s", event.Sender, body))
	if err != nil {
		request.Reject(fmt.Errorf("relay to chat %d: %w", r.chatID, err))
		return
	}

	r.logger.InfoContext(ctx, "relayed message to telegram",
		"event_id", event.ID,
		"sender", event.Sender,
		"chat_id", r.chatID,
		"message_id", messageID,
	)
	request.Resolve(messageID)
}

// onRemoteMessage provisions a ghost identity for the Telegram sender and
// relays the text into the configured room. Relay failures are logged rather
// than returned so one bad message never tears the connector down.
func (r *relayController) onRemoteMessage(
	ctx context.Context,
	dispatcher *core.Dispatcher,
	domain string,
	msg telegram.InboundMessage,
) error {
	if msg.Text == "" {
		return nil
	}

	ghostID := fmt.Sprintf("@telegram_%d:%s", msg.SenderID, domain)
	handle, err := dispatcher.Intents().Get(ghostID, "")
	if err != nil {
		r.logger.WarnContext(ctx, "ghost provisioning failed",
			"ghost", ghostID,
			"error", err,
		)
		return nil
	}

	if r.roomID == "" {
		r.logger.DebugContext(ctx, "no relay room configured, dropping remote message",
			"ghost", handle.UserID(),
			"chat_id", msg.ChatID,
		)
		return nil
	}

	eventID, err := handle.SendNotice(ctx, r.roomID, msg.Text)
	if err != nil {
		if errors.Is(err, ghostbridge.ErrNoTransport) {
			r.logger.DebugContext(ctx, "relay skipped, no homeserver transport",
				"ghost", handle.UserID(),
			)
			return nil
		}
		r.logger.WarnContext(ctx, "relay to room failed",
			"ghost", handle.UserID(),
			"room_id", r.roomID,
			"error", err,
		)
		return nil
	}

	r.logger.InfoContext(ctx, "relayed message from telegram",
		"ghost", handle.UserID(),
		"room_id", r.roomID,
		"event_id", eventID,
	)
	return nil
}
