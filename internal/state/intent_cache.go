package state

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ghostbridge/pkg/ghostbridge"
)

const (
	defaultIdleThreshold = 15 * time.Minute
	defaultSweepPeriod   = 10 * time.Minute
)

// IntentOption mutates intent cache configuration.
type IntentOption func(*intentConfig)

// WithIdleThreshold sets how long an unused handle survives between sweeps.
func WithIdleThreshold(threshold time.Duration) IntentOption {
	return func(cfg *intentConfig) {
		if threshold > 0 {
			cfg.idleThreshold = threshold
		}
	}
}

// WithSweepPeriod sets the eviction sweep interval.
func WithSweepPeriod(period time.Duration) IntentOption {
	return func(cfg *intentConfig) {
		if period > 0 {
			cfg.sweepPeriod = period
		}
	}
}

// WithStillNeeded installs an eviction veto predicate.
func WithStillNeeded(stillNeeded ghostbridge.StillNeededFunc) IntentOption {
	return func(cfg *intentConfig) {
		cfg.stillNeeded = stillNeeded
	}
}

// WithSessionHooks installs the per-identity encryption session hook source.
// Identities the source returns nil for are constructed without hooks.
func WithSessionHooks(hooks func(identity string) *ghostbridge.SessionHooks) IntentOption {
	return func(cfg *intentConfig) {
		cfg.sessionHooks = hooks
	}
}

// WithIdentityEscaping toggles percent-escaping of identities in cache keys.
func WithIdentityEscaping(enabled bool) IntentOption {
	return func(cfg *intentConfig) {
		cfg.escapeIdentities = enabled
	}
}

// WithIntentLogger configures structured logging for cache operations.
func WithIntentLogger(logger *slog.Logger) IntentOption {
	return func(cfg *intentConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithIntentClock overrides the time source; tests use it to age entries.
func WithIntentClock(clock func() time.Time) IntentOption {
	return func(cfg *intentConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

type intentConfig struct {
	idleThreshold    time.Duration
	sweepPeriod      time.Duration
	stillNeeded      ghostbridge.StillNeededFunc
	sessionHooks     func(identity string) *ghostbridge.SessionHooks
	escapeIdentities bool
	logger           *slog.Logger
	clock            func() time.Time
}

// IntentCache lazily constructs and idle-evicts per-identity actor handles.
//
// The bridge's own identity is built once at construction and is exempt from
// eviction for the cache lifetime.
type IntentCache struct {
	cfg       intentConfig
	botUserID string
	factory   ghostbridge.ActorFactory
	members   *MembershipCache
	bot       ghostbridge.ActorHandle

	mu      sync.Mutex
	entries map[string]*intentEntry
	closed  bool

	stopOnce sync.Once
	stop     chan struct{}
	swept    sync.WaitGroup
}

type intentEntry struct {
	handle       ghostbridge.ActorHandle
	identity     string
	scoped       bool
	lastAccessed time.Time
}

// NewIntentCache creates the cache and eagerly constructs the bridge's own
// fixed handle through the factory.
func NewIntentCache(
	botUserID string,
	factory ghostbridge.ActorFactory,
	members *MembershipCache,
	options ...IntentOption,
) (*IntentCache, error) {
	if botUserID == "" {
		return nil, fmt.Errorf("new intent cache: empty bot user id")
	}
	if factory == nil {
		return nil, fmt.Errorf("new intent cache: nil actor factory")
	}
	if members == nil {
		return nil, fmt.Errorf("new intent cache: nil membership cache")
	}

	cfg := intentConfig{
		idleThreshold:    defaultIdleThreshold,
		sweepPeriod:      defaultSweepPeriod,
		escapeIdentities: true,
		logger:           slog.Default(),
		clock:            time.Now,
	}
	for _, option := range options {
		option(&cfg)
	}

	cache := &IntentCache{
		cfg:       cfg,
		botUserID: botUserID,
		factory:   factory,
		members:   members,
		entries:   make(map[string]*intentEntry),
		stop:      make(chan struct{}),
	}

	bot, err := cache.construct(botUserID, "")
	if err != nil {
		return nil, fmt.Errorf("new intent cache: construct bridge handle %s: %w", botUserID, err)
	}
	cache.bot = bot

	return cache, nil
}

// Bot returns the bridge's own fixed handle.
func (c *IntentCache) Bot() ghostbridge.ActorHandle {
	return c.bot
}

// Get returns the handle for identity, constructing it on first use.
// requestID binds the handle to one request scope; empty means unscoped.
// An empty identity or the bridge's own identity yields the fixed handle.
func (c *IntentCache) Get(identity, requestID string) (ghostbridge.ActorHandle, error) {
	if identity == "" || identity == c.botUserID {
		return c.bot, nil
	}

	key := identity
	if c.cfg.escapeIdentities {
		key = escapeIdentity(identity)
	}
	if requestID != "" {
		key = key + "\x00" + requestID
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("get actor %s: %w", identity, ghostbridge.ErrIntentCacheClosed)
	}
	if entry, ok := c.entries[key]; ok {
		entry.lastAccessed = c.cfg.clock()
		handle := entry.handle
		c.mu.Unlock()
		return handle, nil
	}
	c.mu.Unlock()

	// Construction happens outside the lock; factories may do real work.
	handle, err := c.construct(identity, requestID)
	if err != nil {
		return nil, fmt.Errorf("get actor %s: %w", identity, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("get actor %s: %w", identity, ghostbridge.ErrIntentCacheClosed)
	}
	if entry, ok := c.entries[key]; ok {
		// A concurrent Get won construction; keep the first handle so the
		// one-handle-per-(identity, scope) invariant holds.
		entry.lastAccessed = c.cfg.clock()
		return entry.handle, nil
	}
	c.entries[key] = &intentEntry{
		handle:       handle,
		identity:     identity,
		scoped:       requestID != "",
		lastAccessed: c.cfg.clock(),
	}

	return handle, nil
}

func (c *IntentCache) construct(identity, requestID string) (ghostbridge.ActorHandle, error) {
	opts := ghostbridge.ActorOptions{
		Registered: c.members.IsUserRegistered(identity),
		Membership: c.members,
		RequestID:  requestID,
	}
	if c.cfg.sessionHooks != nil {
		opts.Sessions = c.cfg.sessionHooks(identity)
	}

	handle, err := c.factory(identity, opts)
	if err != nil {
		return nil, fmt.Errorf("construct actor: %w", err)
	}
	if handle == nil {
		return nil, fmt.Errorf("construct actor: factory returned nil handle")
	}

	return handle, nil
}

// Len returns the number of evictable cached entries. The fixed bridge
// handle is not counted.
func (c *IntentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// StartSweeper launches the periodic idle eviction sweep. It is stopped by
// Close.
func (c *IntentCache) StartSweeper() {
	c.swept.Add(1)
	go func() {
		defer c.swept.Done()

		ticker := time.NewTicker(c.cfg.sweepPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.sweepOnce(c.cfg.clock())
			}
		}
	}()
}

// sweepOnce removes entries idle past the threshold unless the still-needed
// predicate claims them.
func (c *IntentCache) sweepOnce(now time.Time) {
	type victim struct {
		key   string
		entry *intentEntry
	}

	c.mu.Lock()
	candidates := make([]victim, 0)
	for key, entry := range c.entries {
		if now.Sub(entry.lastAccessed) > c.cfg.idleThreshold {
			candidates = append(candidates, victim{key: key, entry: entry})
		}
	}
	c.mu.Unlock()

	evicted := 0
	for _, candidate := range candidates {
		if c.cfg.stillNeeded != nil && c.cfg.stillNeeded(candidate.entry.handle) {
			continue
		}

		c.mu.Lock()
		// Re-check idleness; the entry may have been touched since the scan.
		if entry, ok := c.entries[candidate.key]; ok && now.Sub(entry.lastAccessed) > c.cfg.idleThreshold {
			delete(c.entries, candidate.key)
			evicted++
		}
		c.mu.Unlock()
	}

	if evicted > 0 {
		c.cfg.logger.Debug("evicted idle actor handles",
			"evicted", evicted,
			"remaining", c.Len(),
		)
	}
}

// Close stops the sweeper and rejects further lookups. It is idempotent.
func (c *IntentCache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	c.swept.Wait()

	c.mu.Lock()
	c.closed = true
	c.entries = make(map[string]*intentEntry)
	c.mu.Unlock()
}
