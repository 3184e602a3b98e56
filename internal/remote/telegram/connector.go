// Package telegram is the sample remote-network connector shipped with the
// relay bridge. It covers just enough of the remote side to demonstrate the
// dispatch core end to end: a session run loop with reconnects, an inbound
// text-message stream, and outbound text sends.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/gotd/td/session"
	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/unpack"
)

const defaultUpdateBuffer = 256

// Config is the connector configuration block.
type Config struct {
	AppID        int    `json:"app_id"`
	AppHash      string `json:"app_hash"`
	SessionFile  string `json:"session_file"`
	UpdateBuffer int    `json:"update_buffer"`
}

func (c Config) validate() error {
	if c.AppID <= 0 {
		return fmt.Errorf("app_id must be > 0")
	}
	if strings.TrimSpace(c.AppHash) == "" {
		return fmt.Errorf("app_hash is required")
	}
	if strings.TrimSpace(c.SessionFile) == "" {
		return fmt.Errorf("session_file is required")
	}

	return nil
}

// InboundMessage is one remote-side text message.
type InboundMessage struct {
	ChatID    int64
	SenderID  int64
	MessageID int
	Text      string
}

// MessageHandler consumes inbound remote messages.
type MessageHandler func(ctx context.Context, msg InboundMessage) error

// Connector owns one authenticated remote session.
type Connector struct {
	cfg     Config
	logger  *slog.Logger
	client  *gotdtelegram.Client
	updates *updateStream
	peers   *peerCache
	sender  *message.Sender
}

// New creates a connector from config. The session file must already hold
// an authorized session; the sample bridge does not drive interactive login.
func New(cfg Config, logger *slog.Logger) (*Connector, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("new telegram connector: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	storage, err := newSessionStorage(cfg.SessionFile)
	if err != nil {
		return nil, fmt.Errorf("new telegram connector: %w", err)
	}

	buffer := cfg.UpdateBuffer
	if buffer <= 0 {
		buffer = defaultUpdateBuffer
	}
	peers := newPeerCache()
	updates := newUpdateStream(buffer, peers)

	client := gotdtelegram.NewClient(cfg.AppID, cfg.AppHash, gotdtelegram.Options{
		UpdateHandler:  updates,
		SessionStorage: storage,
	})

	return &Connector{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		updates: updates,
		peers:   peers,
		sender:  message.NewSender(client.API()),
	}, nil
}

// Run connects the session and forwards inbound messages to handler until
// ctx is cancelled. Transient session failures reconnect with exponential
// backoff.
func (c *Connector) Run(ctx context.Context, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("run telegram connector: nil handler")
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.Retry(func() error {
		runErr := c.runSession(ctx, handler)
		if runErr == nil || ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		c.logger.Warn("telegram session ended, reconnecting", "error", runErr)

		return runErr
	}, policy)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("run telegram connector: %w", err)
	}

	return nil
}

func (c *Connector) runSession(ctx context.Context, handler MessageHandler) error {
	return c.client.Run(ctx, func(runCtx context.Context) error {
		status, err := c.client.Auth().Status(runCtx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized {
			return backoff.Permanent(fmt.Errorf(
				"session %s is not authorized; provision it before starting the bridge",
				c.cfg.SessionFile,
			))
		}

		c.logger.Info("telegram session connected")

		for {
			select {
			case <-runCtx.Done():
				return nil
			case msg, ok := <-c.updates.messages:
				if !ok {
					return nil
				}
				if err := handler(runCtx, msg); err != nil {
					c.logger.Warn("inbound remote message handler failed",
						"chat_id", msg.ChatID,
						"message_id", msg.MessageID,
						"error", err,
					)
				}
			}
		}
	})
}

// SendText sends a plain text message into a remote chat previously seen on
// the inbound stream.
func (c *Connector) SendText(ctx context.Context, chatID int64, text string) (int, error) {
	peer, err := c.peers.resolve(chatID)
	if err != nil {
		return 0, fmt.Errorf("send text to %d: %w", chatID, err)
	}

	updates, err := c.sender.To(peer).Text(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("send text to %d: %w", chatID, err)
	}

	messageID, err := unpack.MessageID(updates, nil)
	if err != nil {
		return 0, fmt.Errorf("send text to %d: unpack message id: %w", chatID, err)
	}

	return messageID, nil
}

func newSessionStorage(path string) (*session.FileStorage, error) {
	absPath, err := filepath.Abs(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("resolve session file path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	return &session.FileStorage{Path: absPath}, nil
}
