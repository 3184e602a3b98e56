package core

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"ghostbridge/internal/state"
	"ghostbridge/pkg/ghostbridge"
)

const defaultPingSendTimeout = 10 * time.Second

// Option mutates dispatcher construction configuration.
type Option func(*config)

// config stores resolved dispatcher settings after option application.
type config struct {
	botUserID  string
	controller ghostbridge.Controller
	factory    ghostbridge.ActorFactory

	queuePolicy QueuePolicy
	perRequest  bool

	suppressEcho bool
	namespaces   []*regexp.Regexp

	allowEditOnLookupFailure bool

	upgradeHandler  ghostbridge.RoomUpgradeHandler
	consumeUpgrades bool

	contextStore   ghostbridge.ContextStore
	roomStore      ghostbridge.Store
	userStore      ghostbridge.Store
	disableContext bool

	intentOptions []state.IntentOption

	logger       *slog.Logger
	onAsyncError func(context.Context, string, error)
}

func defaultConfig() config {
	logger := slog.Default()

	return config{
		factory:     ghostbridge.DefaultActorFactory,
		queuePolicy: QueuePolicySingle,
		logger:      logger,
		onAsyncError: func(ctx context.Context, scope string, err error) {
			logger.ErrorContext(ctx, "ghostbridge async error", "scope", scope, "error", err)
		},
	}
}

// WithController sets the bridge business logic receiving ordered events.
func WithController(controller ghostbridge.Controller) Option {
	return func(cfg *config) {
		cfg.controller = controller
	}
}

// WithBotUserID sets the bridge's own identity.
func WithBotUserID(userID string) Option {
	return func(cfg *config) {
		cfg.botUserID = userID
	}
}

// WithActorFactory overrides actor handle construction.
func WithActorFactory(factory ghostbridge.ActorFactory) Option {
	return func(cfg *config) {
		if factory != nil {
			cfg.factory = factory
		}
	}
}

// WithQueuePolicy selects the event delivery ordering policy.
func WithQueuePolicy(policy QueuePolicy) Option {
	return func(cfg *config) {
		cfg.queuePolicy = policy
	}
}

// WithPerRequestSerialization holds back the next delivery in an ordering
// scope until the previous request has settled, so ordering-sensitive
// controllers can guarantee the remote side sees the same order. Under
// QueuePolicyNone each item is its own scope and the flag has no effect.
func WithPerRequestSerialization(enabled bool) Option {
	return func(cfg *config) {
		cfg.perRequest = enabled
	}
}

// WithEchoSuppression drops events sent by the bridge's own identity or by
// senders matching its namespaces before they reach the controller.
func WithEchoSuppression(enabled bool) Option {
	return func(cfg *config) {
		cfg.suppressEcho = enabled
	}
}

// WithNamespaces declares the sender patterns the bridge provisions ghosts
// under; used by echo suppression and the unhandled-event diagnostic.
func WithNamespaces(patterns ...*regexp.Regexp) Option {
	return func(cfg *config) {
		for _, pattern := range patterns {
			if pattern != nil {
				cfg.namespaces = append(cfg.namespaces, pattern)
			}
		}
	}
}

// WithAllowEditOnLookupFailure decides what happens to a message edit whose
// parent-sender lookup fails: allow it through (true) or drop it (false,
// the default).
func WithAllowEditOnLookupFailure(allow bool) Option {
	return func(cfg *config) {
		cfg.allowEditOnLookupFailure = allow
	}
}

// WithRoomUpgradeHandler installs upgrade interception. When consume is
// true, tombstones and consumed successor invites never reach the
// controller.
func WithRoomUpgradeHandler(handler ghostbridge.RoomUpgradeHandler, consume bool) Option {
	return func(cfg *config) {
		cfg.upgradeHandler = handler
		cfg.consumeUpgrades = consume
	}
}

// WithContextStore installs context enrichment backed by the given opaque
// persistent stores.
func WithContextStore(store ghostbridge.ContextStore, roomStore, userStore ghostbridge.Store) Option {
	return func(cfg *config) {
		cfg.contextStore = store
		cfg.roomStore = roomStore
		cfg.userStore = userStore
	}
}

// WithDisableContext skips context building entirely; controllers receive a
// nil context. Useful when enrichment cost is not worth it.
func WithDisableContext(disabled bool) Option {
	return func(cfg *config) {
		cfg.disableContext = disabled
	}
}

// WithIntentOptions forwards options to the dispatcher-owned intent cache.
func WithIntentOptions(options ...state.IntentOption) Option {
	return func(cfg *config) {
		cfg.intentOptions = append(cfg.intentOptions, options...)
	}
}

// WithLogger configures structured logging.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithOnAsyncError overrides how failures on dispatcher-owned goroutines
// are reported.
func WithOnAsyncError(onAsyncError func(context.Context, string, error)) Option {
	return func(cfg *config) {
		if onAsyncError != nil {
			cfg.onAsyncError = onAsyncError
		}
	}
}
