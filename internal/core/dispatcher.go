package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/sjson"

	"ghostbridge/internal/state"
	"ghostbridge/pkg/ghostbridge"
)

// Dispatcher is the runtime core: it receives raw events from the
// transport, updates the dispatcher-owned caches, applies suppression,
// validation, and upgrade interception, and feeds surviving events through
// the ordered queue to the controller.
//
// One Dispatcher owns one MembershipCache and one IntentCache for its whole
// lifetime; collaborators receive references, never globals.
type Dispatcher struct {
	cfg config

	requests *RequestFactory[*ghostbridge.Event]
	queue    *EventQueue
	members  *state.MembershipCache
	intents  *state.IntentCache

	mu           sync.Mutex
	pendingPings map[string]chan time.Time
	closed       bool

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New constructs a dispatcher. A controller and the bridge's own identity
// are required; everything else has production defaults.
func New(options ...Option) (*Dispatcher, error) {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	if cfg.controller == nil {
		return nil, fmt.Errorf("new dispatcher: nil controller")
	}
	if cfg.botUserID == "" {
		return nil, fmt.Errorf("new dispatcher: empty bot user id")
	}

	members := state.NewMembershipCache()
	intents, err := state.NewIntentCache(cfg.botUserID, cfg.factory, members, cfg.intentOptions...)
	if err != nil {
		return nil, fmt.Errorf("new dispatcher: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	dispatcher := &Dispatcher{
		cfg:          cfg,
		requests:     NewRequestFactory[*ghostbridge.Event](cfg.onAsyncError),
		members:      members,
		intents:      intents,
		pendingPings: make(map[string]chan time.Time),
		runCtx:       runCtx,
		runCancel:    runCancel,
	}

	queue, err := NewEventQueue(cfg.queuePolicy, cfg.perRequest, dispatcher.deliver, cfg.onAsyncError)
	if err != nil {
		runCancel()
		intents.Close()
		return nil, fmt.Errorf("new dispatcher: %w", err)
	}
	dispatcher.queue = queue

	dispatcher.requests.AddDefaultResolveCallback(func(request *ghostbridge.Request[*ghostbridge.Event], _ any) {
		cfg.logger.Info("request finished",
			"request_id", request.ID(),
			"outcome", "SUCCESS",
			"duration_ms", request.Duration().Milliseconds(),
		)
	})
	dispatcher.requests.AddDefaultRejectCallback(func(request *ghostbridge.Request[*ghostbridge.Event], err error) {
		cfg.logger.Info("request finished",
			"request_id", request.ID(),
			"outcome", "FAILED",
			"duration_ms", request.Duration().Milliseconds(),
			"error", err,
		)
	})

	intents.StartSweeper()

	return dispatcher, nil
}

// Members exposes the dispatcher-owned membership cache.
func (d *Dispatcher) Members() *state.MembershipCache {
	return d.members
}

// Intents exposes the dispatcher-owned actor cache.
func (d *Dispatcher) Intents() *state.IntentCache {
	return d.intents
}

// Requests exposes the request factory so embedders can attach their own
// default settlement and timeout hooks.
func (d *Dispatcher) Requests() *RequestFactory[*ghostbridge.Event] {
	return d.requests
}

// OnEvent runs one raw event through the dispatch pipeline. It returns the
// request tracking the event's outcome, or nil when a pipeline stage
// consumed the event before the controller; the transport caller decides
// whether to await settlement and retry at its own level.
func (d *Dispatcher) OnEvent(ctx context.Context, event *ghostbridge.Event) (*ghostbridge.Request[*ghostbridge.Event], error) {
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch event: %w", err)
	}

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("dispatch event %s: %w", event.ID, ghostbridge.ErrDispatcherClosed)
	}

	// 1. Self-ping: a pending route check for this room swallows the event.
	if d.resolveSelfPing(event) {
		return nil, nil
	}

	// 2. Caches reflect every event, including ones suppressed below, so
	// downstream logic always observes state current as of this event.
	d.updateCaches(event)

	// 3. Echo suppression.
	if d.cfg.suppressEcho && d.isOwnSender(event.Sender) {
		d.cfg.logger.Debug("suppressed echo event",
			"event_id", event.ID,
			"room_id", event.RoomID,
			"sender", event.Sender,
		)
		return nil, nil
	}

	// 4. Edit-sender validation.
	if parentID := event.ReplacesEventID(); parentID != "" {
		if !d.validateEditSender(ctx, event, parentID) {
			return nil, nil
		}
	}

	// 5. Room-upgrade interception.
	if consumed := d.handleUpgrade(ctx, event); consumed {
		return nil, nil
	}

	// 6. Track, enrich, enqueue.
	request := d.requests.NewRequest(event)
	if err := d.queue.Push(d.runCtx, request, event, d.enrichFunc(event)); err != nil {
		return nil, fmt.Errorf("dispatch event %s: %w", event.ID, err)
	}
	d.queue.Consume()

	return request, nil
}

// OnEphemeralEvent delivers a typing/presence/read-receipt event directly
// to the controller, bypassing the ordered queue.
func (d *Dispatcher) OnEphemeralEvent(ctx context.Context, event *ghostbridge.Event) (*ghostbridge.Request[*ghostbridge.Event], error) {
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch ephemeral event: %w", err)
	}

	request := d.requests.NewRequest(event)

	controller, ok := d.cfg.controller.(ghostbridge.EphemeralController)
	if !ok {
		// No ephemeral surface; settle so nothing dangles.
		request.Resolve(nil)
		return request, nil
	}

	if err := runSafely("controller ephemeral handler", func() error {
		controller.OnEphemeralEvent(ctx, request)
		return nil
	}); err != nil {
		d.cfg.onAsyncError(ctx, "controller ephemeral handler", err)
		request.Reject(err)
	}

	return request, nil
}

// SelfPing verifies the inbound route by sending the diagnostic ping event
// as the bridge's own identity and waiting for it to arrive back at
// OnEvent. It returns the observed round-trip time.
func (d *Dispatcher) SelfPing(ctx context.Context, roomID string) (time.Duration, error) {
	if roomID == "" {
		return 0, fmt.Errorf("self ping: empty room id")
	}

	arrival := make(chan time.Time, 1)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, fmt.Errorf("self ping %s: %w", roomID, ghostbridge.ErrDispatcherClosed)
	}
	if _, exists := d.pendingPings[roomID]; exists {
		d.mu.Unlock()
		return 0, fmt.Errorf("self ping %s: ping already pending", roomID)
	}
	d.pendingPings[roomID] = arrival
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pendingPings, roomID)
		d.mu.Unlock()
	}()

	started := time.Now()
	content, err := sjson.SetBytes([]byte(`{}`), "sentTs", started.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("self ping %s: build content: %w", roomID, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, defaultPingSendTimeout)
	defer cancel()
	if _, err := d.intents.Bot().SendEvent(sendCtx, roomID, ghostbridge.EventTypePing, content); err != nil {
		return 0, fmt.Errorf("self ping %s: send: %w", roomID, err)
	}

	select {
	case arrived := <-arrival:
		return arrived.Sub(started), nil
	case <-ctx.Done():
		return 0, fmt.Errorf("self ping %s: %w", roomID, ctx.Err())
	}
}

// Close shuts the dispatcher down: the queue stops delivering, the intent
// sweeper stops, and further dispatch is rejected. Pending requests keep
// whatever settlement state they have.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.runCancel()
	d.queue.Close()
	d.intents.Close()
}

// resolveSelfPing settles a pending ping deferred when the designated ping
// event from the bridge's own identity arrives.
func (d *Dispatcher) resolveSelfPing(event *ghostbridge.Event) bool {
	if event.Type != ghostbridge.EventTypePing || event.Sender != d.cfg.botUserID {
		return false
	}

	d.mu.Lock()
	arrival, ok := d.pendingPings[event.RoomID]
	if ok {
		delete(d.pendingPings, event.RoomID)
	}
	d.mu.Unlock()

	if !ok {
		return false
	}

	arrival <- time.Now()

	return true
}

// updateCaches mutates the membership and power-level caches from state
// event content. This runs before any suppression so cached state stays
// current even for events the controller never sees.
func (d *Dispatcher) updateCaches(event *ghostbridge.Event) {
	if !event.IsState() {
		return
	}

	switch event.Type {
	case ghostbridge.EventTypeMember:
		d.members.SetMembership(event.RoomID, *event.StateKey, event.Membership(), event.MemberProfile())
	case ghostbridge.EventTypePowerLevels:
		d.members.SetPowerLevelContent(event.RoomID, event.Content)
	}
}

func (d *Dispatcher) isOwnSender(sender string) bool {
	if sender == d.cfg.botUserID {
		return true
	}
	for _, namespace := range d.cfg.namespaces {
		if namespace.MatchString(sender) {
			return true
		}
	}

	return false
}

// validateEditSender fetches the edited event's original sender via any
// joined actor in the room and rejects edits from a different sender. A
// failed lookup falls back to the configured allow/deny policy.
func (d *Dispatcher) validateEditSender(ctx context.Context, event *ghostbridge.Event, parentID string) bool {
	handle, err := d.lookupHandleForRoom(event.RoomID)
	if err == nil {
		var parent *ghostbridge.Event
		parent, err = handle.GetEvent(ctx, event.RoomID, parentID)
		if err == nil {
			if parent.Sender != event.Sender {
				d.cfg.logger.Warn("dropped edit from mismatched sender",
					"event_id", event.ID,
					"room_id", event.RoomID,
					"sender", event.Sender,
					"original_sender", parent.Sender,
					"error", ghostbridge.ErrEditSenderMismatch,
				)
				return false
			}
			return true
		}
	}

	d.cfg.logger.Warn("edit sender lookup failed",
		"event_id", event.ID,
		"room_id", event.RoomID,
		"parent_event_id", parentID,
		"allowed", d.cfg.allowEditOnLookupFailure,
		"error", err,
	)

	return d.cfg.allowEditOnLookupFailure
}

// lookupHandleForRoom picks a joined non-bridge member's handle when one is
// cached, falling back to the bridge's own handle.
func (d *Dispatcher) lookupHandleForRoom(roomID string) (ghostbridge.ActorHandle, error) {
	joined, ok := d.members.GetMembersForRoom(roomID, ghostbridge.MembershipJoin)
	if ok {
		for _, userID := range joined {
			if userID == d.cfg.botUserID {
				continue
			}
			handle, err := d.intents.Get(userID, "")
			if err != nil {
				return nil, fmt.Errorf("lookup handle for %s: %w", roomID, err)
			}
			return handle, nil
		}
	}

	return d.intents.Bot(), nil
}

// handleUpgrade intercepts room-retirement markers and successor invites
// for the bridge's own identity.
func (d *Dispatcher) handleUpgrade(ctx context.Context, event *ghostbridge.Event) bool {
	if d.cfg.upgradeHandler == nil {
		return false
	}

	switch {
	case event.Type == ghostbridge.EventTypeTombstone && event.IsState():
		if err := d.cfg.upgradeHandler.OnTombstone(ctx, event); err != nil {
			d.cfg.onAsyncError(ctx, "room upgrade tombstone", err)
		}
		return d.cfg.consumeUpgrades

	case event.Type == ghostbridge.EventTypeMember &&
		event.IsState() &&
		*event.StateKey == d.cfg.botUserID &&
		event.Membership() == ghostbridge.MembershipInvite:
		handled, err := d.cfg.upgradeHandler.OnInvite(ctx, event)
		if err != nil {
			d.cfg.onAsyncError(ctx, "room upgrade invite", err)
		}
		return handled && d.cfg.consumeUpgrades
	}

	return false
}

// enrichFunc builds the context enrichment for one event, or nil when
// context building is skipped.
func (d *Dispatcher) enrichFunc(event *ghostbridge.Event) EnrichFunc {
	if d.cfg.disableContext || d.cfg.contextStore == nil {
		return nil
	}

	return func(ctx context.Context) (*ghostbridge.BridgeContext, error) {
		bridgeCtx, err := d.cfg.contextStore.Get(ctx, event, d.cfg.roomStore, d.cfg.userStore)
		if err != nil {
			return nil, fmt.Errorf("get bridge context for %s: %w", event.ID, err)
		}

		return bridgeCtx, nil
	}
}

// deliver is the queue consumer: it hands the ordered pair to the
// controller and arms the unhandled-event diagnostic.
func (d *Dispatcher) deliver(
	request *ghostbridge.Request[*ghostbridge.Event],
	event *ghostbridge.Event,
	bridgeCtx *ghostbridge.BridgeContext,
) {
	request.OnSettle(func() {
		_, err, _ := request.Outcome()
		if errors.Is(err, ghostbridge.ErrEventNotHandled) {
			go d.sendUnhandledNotice(event)
		}
	})

	if err := runSafely("controller event handler", func() error {
		d.cfg.controller.OnEvent(d.runCtx, request, bridgeCtx)
		return nil
	}); err != nil {
		d.cfg.onAsyncError(d.runCtx, "controller event handler", err)
		request.Reject(err)
	}
}

// sendUnhandledNotice makes the best-effort in-room diagnostic for an event
// the controller explicitly could not handle. Failures are logged only.
func (d *Dispatcher) sendUnhandledNotice(event *ghostbridge.Event) {
	patterns := make([]string, 0, len(d.cfg.namespaces))
	for _, namespace := range d.cfg.namespaces {
		patterns = append(patterns, namespace.String())
	}
	text := fmt.Sprintf(
		"This bridge (serving %s) was unable to handle that event.",
		strings.Join(patterns, ", "),
	)
	if len(patterns) == 0 {
		text = "This bridge was unable to handle that event."
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingSendTimeout)
	defer cancel()
	if _, err := d.intents.Bot().SendNotice(ctx, event.RoomID, text); err != nil {
		d.cfg.logger.Warn("failed to send unhandled-event notice",
			"event_id", event.ID,
			"room_id", event.RoomID,
			"error", err,
		)
	}
}
