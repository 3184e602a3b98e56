package telegram

import (
	"context"
	"fmt"
	"sync"

	"github.com/gotd/td/tg"
)

// updateStream adapts the gotd update handler contract into a channel of
// inbound text messages, remembering peers along the way so outbound sends
// can resolve them later.
type updateStream struct {
	messages chan InboundMessage
	peers    *peerCache
}

func newUpdateStream(buffer int, peers *peerCache) *updateStream {
	return &updateStream{
		messages: make(chan InboundMessage, buffer),
		peers:    peers,
	}
}

// Handle flattens gotd update containers and forwards text messages.
func (s *updateStream) Handle(ctx context.Context, updates tg.UpdatesClass) error {
	switch typed := updates.(type) {
	case *tg.Updates:
		s.peers.rememberEntities(typed.Users, typed.Chats)
		return s.publishBatch(ctx, typed.Updates)
	case *tg.UpdatesCombined:
		s.peers.rememberEntities(typed.Users, typed.Chats)
		return s.publishBatch(ctx, typed.Updates)
	case *tg.UpdateShort:
		return s.publishSingle(ctx, typed.Update)
	case *tg.UpdateShortMessage:
		return s.publish(ctx, InboundMessage{
			ChatID:    typed.UserID,
			SenderID:  typed.UserID,
			MessageID: typed.ID,
			Text:      typed.Message,
		})
	case *tg.UpdateShortChatMessage:
		return s.publish(ctx, InboundMessage{
			ChatID:    typed.ChatID,
			SenderID:  typed.FromID,
			MessageID: typed.ID,
			Text:      typed.Message,
		})
	default:
		// Sequence gaps and unsupported containers are fine to skip in the
		// sample connector.
		return nil
	}
}

func (s *updateStream) publishBatch(ctx context.Context, updates []tg.UpdateClass) error {
	for _, update := range updates {
		if err := s.publishSingle(ctx, update); err != nil {
			return err
		}
	}

	return nil
}

func (s *updateStream) publishSingle(ctx context.Context, update tg.UpdateClass) error {
	newMessage, ok := update.(*tg.UpdateNewMessage)
	if !ok {
		return nil
	}
	msg, ok := newMessage.Message.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}

	inbound := InboundMessage{
		MessageID: msg.ID,
		Text:      msg.Message,
	}
	switch peer := msg.PeerID.(type) {
	case *tg.PeerUser:
		inbound.ChatID = peer.UserID
	case *tg.PeerChat:
		inbound.ChatID = peer.ChatID
	case *tg.PeerChannel:
		inbound.ChatID = peer.ChannelID
	default:
		return nil
	}
	if from, ok := msg.GetFromID(); ok {
		if user, ok := from.(*tg.PeerUser); ok {
			inbound.SenderID = user.UserID
		}
	} else {
		inbound.SenderID = inbound.ChatID
	}

	return s.publish(ctx, inbound)
}

func (s *updateStream) publish(ctx context.Context, msg InboundMessage) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("publish inbound message: %w", ctx.Err())
	case s.messages <- msg:
		return nil
	}
}

// peerCache stores input peers discovered from inbound update entities so
// outbound sends can address chats without extra RPC resolution.
type peerCache struct {
	mu    sync.RWMutex
	byIDs map[int64]tg.InputPeerClass
}

func newPeerCache() *peerCache {
	return &peerCache{
		byIDs: make(map[int64]tg.InputPeerClass),
	}
}

func (c *peerCache) rememberEntities(users []tg.UserClass, chats []tg.ChatClass) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, userClass := range users {
		if user, ok := userClass.(*tg.User); ok {
			c.byIDs[user.ID] = user.AsInputPeer()
		}
	}
	for _, chatClass := range chats {
		switch chat := chatClass.(type) {
		case *tg.Chat:
			c.byIDs[chat.ID] = &tg.InputPeerChat{ChatID: chat.ID}
		case *tg.Channel:
			c.byIDs[chat.ID] = chat.AsInputPeer()
		}
	}
}

func (c *peerCache) resolve(chatID int64) (tg.InputPeerClass, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	peer, ok := c.byIDs[chatID]
	if !ok {
		return nil, fmt.Errorf("no known peer for chat %d", chatID)
	}

	return peer, nil
}
