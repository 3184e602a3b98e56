package telegram

import (
	"context"
	"testing"

	"github.com/gotd/td/tg"
)

func TestUpdateStreamFlattensNewMessages(t *testing.T) {
	t.Parallel()

	peers := newPeerCache()
	stream := newUpdateStream(4, peers)

	err := stream.Handle(context.Background(), &tg.Updates{
		Users: []tg.UserClass{
			&tg.User{ID: 42, AccessHash: 7},
		},
		Updates: []tg.UpdateClass{
			&tg.UpdateNewMessage{
				Message: &tg.Message{
					ID:      100,
					Message: "hello",
					PeerID:  &tg.PeerUser{UserID: 42},
					FromID:  &tg.PeerUser{UserID: 42},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	select {
	case msg := <-stream.messages:
		if msg.ChatID != 42 || msg.SenderID != 42 || msg.Text != "hello" || msg.MessageID != 100 {
			t.Fatalf("inbound message = %+v", msg)
		}
	default:
		t.Fatal("no inbound message published")
	}

	if _, err := peers.resolve(42); err != nil {
		t.Fatalf("peer not remembered: %v", err)
	}
	if _, err := peers.resolve(43); err == nil {
		t.Fatal("unknown peer must not resolve")
	}
}

func TestUpdateStreamShortMessages(t *testing.T) {
	t.Parallel()

	stream := newUpdateStream(4, newPeerCache())

	err := stream.Handle(context.Background(), &tg.UpdateShortChatMessage{
		ID:      5,
		FromID:  9,
		ChatID:  77,
		Message: "short",
	})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	select {
	case msg := <-stream.messages:
		if msg.ChatID != 77 || msg.SenderID != 9 || msg.Text != "short" {
			t.Fatalf("inbound message = %+v", msg)
		}
	default:
		t.Fatal("no inbound message published")
	}
}

func TestUpdateStreamSkipsOutgoingAndUnsupported(t *testing.T) {
	t.Parallel()

	stream := newUpdateStream(4, newPeerCache())

	if err := stream.Handle(context.Background(), &tg.UpdatesTooLong{}); err != nil {
		t.Fatalf("handle too-long failed: %v", err)
	}
	if err := stream.Handle(context.Background(), &tg.Updates{
		Updates: []tg.UpdateClass{
			&tg.UpdateNewMessage{
				Message: &tg.Message{
					ID:      1,
					Out:     true,
					Message: "own echo",
					PeerID:  &tg.PeerUser{UserID: 42},
				},
			},
		},
	}); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	select {
	case msg := <-stream.messages:
		t.Fatalf("unexpected inbound message %+v", msg)
	default:
	}
}

func TestConnectorConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid",
			cfg:  Config{AppID: 1, AppHash: "h", SessionFile: "s.json"},
		},
		{
			name:    "missing app id",
			cfg:     Config{AppHash: "h", SessionFile: "s.json"},
			wantErr: true,
		},
		{
			name:    "missing hash",
			cfg:     Config{AppID: 1, SessionFile: "s.json"},
			wantErr: true,
		},
		{
			name:    "missing session file",
			cfg:     Config{AppID: 1, AppHash: "h"},
			wantErr: true,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.cfg.validate()
			if testCase.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("validate failed: %v", err)
			}
		})
	}
}
