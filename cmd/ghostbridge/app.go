package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"ghostbridge/internal/core"
	"ghostbridge/internal/remote/telegram"
	"ghostbridge/internal/state"
	"ghostbridge/pkg/ghostbridge"
)

const (
	envConfigFile         = "GHOSTBRIDGE_CONFIG_FILE"
	defaultConfigFilePath = "config/bridge.json"
)

type appConfig struct {
	logLevel slog.Level

	botUserID  string
	domain     string
	namespaces []*regexp.Regexp

	queuePolicy  core.QueuePolicy
	perRequest   bool
	suppressEcho bool

	idleThreshold time.Duration
	sweepPeriod   time.Duration

	telegram  telegram.Config
	relayChat int64
	relayRoom string
}

type fileConfig struct {
	LogLevel   string   `json:"log_level"`
	BotUserID  string   `json:"bot_user_id"`
	Domain     string   `json:"domain"`
	Namespaces []string `json:"namespaces"`

	Queue struct {
		Policy     string `json:"policy"`
		PerRequest *bool  `json:"per_request"`
	} `json:"queue"`

	SuppressEcho *bool `json:"suppress_echo"`

	Eviction struct {
		IdleThreshold string `json:"idle_threshold"`
		SweepPeriod   string `json:"sweep_period"`
	} `json:"eviction"`

	RelayRoomID string `json:"relay_room_id"`

	Telegram struct {
		telegram.Config
		RelayChatID int64 `json:"relay_chat_id"`
	} `json:"telegram"`
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))
	slog.SetDefault(logger)

	connector, err := telegram.New(cfg.telegram, logger)
	if err != nil {
		return fmt.Errorf("new telegram connector: %w", err)
	}

	relay := newRelayController(logger, connector, cfg.relayChat, cfg.relayRoom)

	dispatcher, err := core.New(
		core.WithController(relay),
		core.WithBotUserID(cfg.botUserID),
		core.WithQueuePolicy(cfg.queuePolicy),
		core.WithPerRequestSerialization(cfg.perRequest),
		core.WithEchoSuppression(cfg.suppressEcho),
		core.WithNamespaces(cfg.namespaces...),
		core.WithLogger(logger),
		core.WithIntentOptions(
			state.WithIdleThreshold(cfg.idleThreshold),
			state.WithSweepPeriod(cfg.sweepPeriod),
			state.WithIntentLogger(logger),
		),
	)
	if err != nil {
		return fmt.Errorf("new dispatcher: %w", err)
	}
	defer dispatcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return connector.Run(groupCtx, func(runCtx context.Context, msg telegram.InboundMessage) error {
			return relay.onRemoteMessage(runCtx, dispatcher, cfg.domain, msg)
		})
	})
	group.Go(func() error {
		return readEventStream(groupCtx, logger, dispatcher, os.Stdin)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run bridge: %w", err)
	}

	return nil
}

// readEventStream is the development transport: one JSON event per line on
// stdin, exactly as a homeserver transaction would deliver them.
func readEventStream(
	ctx context.Context,
	logger *slog.Logger,
	dispatcher *core.Dispatcher,
	input io.Reader,
) error {
	type rawEvent struct {
		EventID   string          `json:"event_id"`
		Type      string          `json:"type"`
		RoomID    string          `json:"room_id"`
		Sender    string          `json:"sender"`
		StateKey  *string         `json:"state_key"`
		Content   json.RawMessage `json:"content"`
		Timestamp int64           `json:"origin_server_ts"`
		Ephemeral bool            `json:"ephemeral"`
	}

	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var raw rawEvent
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			logger.Warn("skipped malformed event line", "error", err)
			continue
		}

		event := &ghostbridge.Event{
			ID:        raw.EventID,
			Type:      raw.Type,
			RoomID:    raw.RoomID,
			Sender:    raw.Sender,
			StateKey:  raw.StateKey,
			Content:   raw.Content,
			Timestamp: time.UnixMilli(raw.Timestamp),
			Ephemeral: raw.Ephemeral,
		}

		var err error
		if event.Ephemeral {
			_, err = dispatcher.OnEphemeralEvent(ctx, event)
		} else {
			_, err = dispatcher.OnEvent(ctx, event)
		}
		if err != nil {
			logger.Warn("event dispatch failed",
				"event_id", event.ID,
				"type", event.Type,
				"error", err,
			)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}

	return nil
}

func loadConfig() (appConfig, error) {
	path := strings.TrimSpace(os.Getenv(envConfigFile))
	if path == "" {
		path = defaultConfigFilePath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return appConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return appConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	return cfg, nil
}

func parseConfig(data []byte) (appConfig, error) {
	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return appConfig{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg := appConfig{
		logLevel:     slog.LevelInfo,
		botUserID:    strings.TrimSpace(parsed.BotUserID),
		domain:       strings.TrimSpace(parsed.Domain),
		queuePolicy:  core.QueuePolicySingle,
		perRequest:   false,
		suppressEcho: true,
		telegram:     parsed.Telegram.Config,
		relayChat:    parsed.Telegram.RelayChatID,
		relayRoom:    strings.TrimSpace(parsed.RelayRoomID),
	}

	if cfg.botUserID == "" {
		return appConfig{}, fmt.Errorf("bot_user_id is required")
	}
	if cfg.domain == "" {
		return appConfig{}, fmt.Errorf("domain is required")
	}

	if level := strings.TrimSpace(parsed.LogLevel); level != "" {
		if err := cfg.logLevel.UnmarshalText([]byte(level)); err != nil {
			return appConfig{}, fmt.Errorf("parse log_level %q: %w", level, err)
		}
	}

	for _, pattern := range parsed.Namespaces {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return appConfig{}, fmt.Errorf("compile namespace %q: %w", pattern, err)
		}
		cfg.namespaces = append(cfg.namespaces, compiled)
	}

	if policy := strings.TrimSpace(parsed.Queue.Policy); policy != "" {
		cfg.queuePolicy = core.QueuePolicy(policy)
	}
	if parsed.Queue.PerRequest != nil {
		cfg.perRequest = *parsed.Queue.PerRequest
	}
	if parsed.SuppressEcho != nil {
		cfg.suppressEcho = *parsed.SuppressEcho
	}

	var err error
	cfg.idleThreshold, err = parseOptionalDuration(parsed.Eviction.IdleThreshold)
	if err != nil {
		return appConfig{}, fmt.Errorf("parse eviction.idle_threshold: %w", err)
	}
	cfg.sweepPeriod, err = parseOptionalDuration(parsed.Eviction.SweepPeriod)
	if err != nil {
		return appConfig{}, fmt.Errorf("parse eviction.sweep_period: %w", err)
	}

	return cfg, nil
}

func parseOptionalDuration(value string) (time.Duration, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}

	parsed, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("must be > 0")
	}

	return parsed, nil
}
