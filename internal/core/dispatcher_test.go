package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"ghostbridge/pkg/ghostbridge"
)

const botUserID = "@bridgebot:x"

type capturedCall struct {
	request   *ghostbridge.Request[*ghostbridge.Event]
	event     *ghostbridge.Event
	bridgeCtx *ghostbridge.BridgeContext
}

// testController records deliveries and settles each request immediately
// unless a per-event override says otherwise.
type testController struct {
	mu        sync.Mutex
	calls     []capturedCall
	delivered chan capturedCall
	settle    func(request *ghostbridge.Request[*ghostbridge.Event], event *ghostbridge.Event)
}

func newTestController() *testController {
	return &testController{
		delivered: make(chan capturedCall, 16),
	}
}

func (c *testController) OnEvent(
	_ context.Context,
	request *ghostbridge.Request[*ghostbridge.Event],
	bridgeCtx *ghostbridge.BridgeContext,
) {
	call := capturedCall{request: request, event: request.Payload(), bridgeCtx: bridgeCtx}
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
	c.delivered <- call

	if c.settle != nil {
		c.settle(request, request.Payload())
		return
	}
	request.Resolve(nil)
}

func (c *testController) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.calls)
}

// testActorHandle answers GetEvent from a canned event map and records
// notices.
type testActorHandle struct {
	userID  string
	mu      sync.Mutex
	events  map[string]*ghostbridge.Event
	notices chan string
	sent    chan string
}

func newTestActorHandle(userID string) *testActorHandle {
	return &testActorHandle{
		userID:  userID,
		events:  make(map[string]*ghostbridge.Event),
		notices: make(chan string, 4),
		sent:    make(chan string, 4),
	}
}

func (h *testActorHandle) UserID() string { return h.userID }

func (h *testActorHandle) GetEvent(_ context.Context, _, eventID string) (*ghostbridge.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	event, ok := h.events[eventID]
	if !ok {
		return nil, fmt.Errorf("get event %s: not found", eventID)
	}

	return event, nil
}

func (h *testActorHandle) SendEvent(_ context.Context, _, eventType string, _ json.RawMessage) (string, error) {
	h.sent <- eventType
	return "$sent:x", nil
}

func (h *testActorHandle) SendNotice(_ context.Context, _, text string) (string, error) {
	h.notices <- text
	return "$notice:x", nil
}

type dispatcherHarness struct {
	dispatcher *Dispatcher
	controller *testController
	handles    map[string]*testActorHandle
	mu         sync.Mutex
}

func (h *dispatcherHarness) handle(userID string) *testActorHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.handles[userID]; ok {
		return existing
	}
	created := newTestActorHandle(userID)
	h.handles[userID] = created

	return created
}

func newDispatcherHarness(t *testing.T, options ...Option) *dispatcherHarness {
	t.Helper()

	harness := &dispatcherHarness{
		controller: newTestController(),
		handles:    make(map[string]*testActorHandle),
	}
	factory := func(identity string, _ ghostbridge.ActorOptions) (ghostbridge.ActorHandle, error) {
		return harness.handle(identity), nil
	}

	base := []Option{
		WithController(harness.controller),
		WithBotUserID(botUserID),
		WithActorFactory(factory),
		WithQueuePolicy(QueuePolicySingle),
	}
	dispatcher, err := New(append(base, options...)...)
	if err != nil {
		t.Fatalf("new dispatcher failed: %v", err)
	}
	t.Cleanup(dispatcher.Close)
	harness.dispatcher = dispatcher

	return harness
}

func stateKey(value string) *string {
	return &value
}

func memberEvent(id, roomID, sender, target string, membership ghostbridge.Membership, displayName string) *ghostbridge.Event {
	content := fmt.Sprintf(`{"membership":%q`, membership)
	if displayName != "" {
		content += fmt.Sprintf(`,"displayname":%q`, displayName)
	}
	content += "}"

	return &ghostbridge.Event{
		ID:       id,
		Type:     ghostbridge.EventTypeMember,
		RoomID:   roomID,
		Sender:   sender,
		StateKey: stateKey(target),
		Content:  json.RawMessage(content),
	}
}

func messageEvent(id, roomID, sender, body string) *ghostbridge.Event {
	return &ghostbridge.Event{
		ID:      id,
		Type:    ghostbridge.EventTypeMessage,
		RoomID:  roomID,
		Sender:  sender,
		Content: json.RawMessage(fmt.Sprintf(`{"msgtype":"m.text","body":%q}`, body)),
	}
}

func editEvent(id, roomID, sender, parentID string) *ghostbridge.Event {
	content := fmt.Sprintf(
		`{"msgtype":"m.text","body":"* fixed","m.relates_to":{"rel_type":"m.replace","event_id":%q}}`,
		parentID,
	)

	return &ghostbridge.Event{
		ID:      id,
		Type:    ghostbridge.EventTypeMessage,
		RoomID:  roomID,
		Sender:  sender,
		Content: json.RawMessage(content),
	}
}

func awaitDelivery(t *testing.T, controller *testController) capturedCall {
	t.Helper()

	select {
	case call := <-controller.delivered:
		return call
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for controller delivery")
		return capturedCall{}
	}
}

func assertNoDelivery(t *testing.T, controller *testController, wait time.Duration) {
	t.Helper()

	select {
	case call := <-controller.delivered:
		t.Fatalf("unexpected controller delivery for %s", call.event.ID)
	case <-time.After(wait):
	}
}

// TestDispatcherDeliversMessageToController verifies the happy path end to
// end, including settlement propagation to the transport caller.
func TestDispatcherDeliversMessageToController(t *testing.T) {
	t.Parallel()

	harness := newDispatcherHarness(t)

	request, err := harness.dispatcher.OnEvent(context.Background(), messageEvent("$1", "!room:x", "@alice:x", "hello"))
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if request == nil {
		t.Fatal("expected a tracked request")
	}

	call := awaitDelivery(t, harness.controller)
	if call.event.ID != "$1" {
		t.Fatalf("delivered event = %s, want $1", call.event.ID)
	}

	if _, err := request.Wait(context.Background()); err != nil {
		t.Fatalf("request settled with error: %v", err)
	}
}

// TestDispatcherSelfPingResolvesWithoutController verifies the ping
// round-trip settles the deferred and produces zero controller calls.
func TestDispatcherSelfPingResolvesWithoutController(t *testing.T) {
	t.Parallel()

	harness := newDispatcherHarness(t)
	bot := harness.handle(botUserID)

	pinged := make(chan error, 1)
	go func() {
		_, err := harness.dispatcher.SelfPing(context.Background(), "!room:x")
		pinged <- err
	}()

	// Wait for the outbound ping, then loop it back as the transport would.
	select {
	case eventType := <-bot.sent:
		if eventType != ghostbridge.EventTypePing {
			t.Errorf("sent event type = %s, want %s", eventType, ghostbridge.EventTypePing)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outbound ping")
	}

	request, err := harness.dispatcher.OnEvent(context.Background(), &ghostbridge.Event{
		ID:      "$ping",
		Type:    ghostbridge.EventTypePing,
		RoomID:  "!room:x",
		Sender:  botUserID,
		Content: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("dispatch ping failed: %v", err)
	}
	if request != nil {
		t.Fatal("ping event must not produce a tracked request")
	}

	select {
	case err := <-pinged:
		if err != nil {
			t.Fatalf("self ping failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for self ping resolution")
	}

	assertNoDelivery(t, harness.controller, 50*time.Millisecond)
}

// TestDispatcherEchoSuppressionStillUpdatesCaches verifies namespace-matched
// senders never reach the controller but their membership lands in the cache.
func TestDispatcherEchoSuppressionStillUpdatesCaches(t *testing.T) {
	t.Parallel()

	harness := newDispatcherHarness(t,
		WithEchoSuppression(true),
		WithNamespaces(regexp.MustCompile(`^@tg_.*:x$`)),
	)

	request, err := harness.dispatcher.OnEvent(context.Background(),
		memberEvent("$ghost-join", "!room:x", "@tg_1001:x", "@tg_1001:x", ghostbridge.MembershipJoin, "Ghost"))
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if request != nil {
		t.Fatal("suppressed event must not produce a tracked request")
	}

	assertNoDelivery(t, harness.controller, 50*time.Millisecond)

	if got := harness.dispatcher.Members().GetMembership("!room:x", "@tg_1001:x"); got != ghostbridge.MembershipJoin {
		t.Fatalf("membership = %q, want join despite suppression", got)
	}

	// Bridge's own events are suppressed too.
	request, err = harness.dispatcher.OnEvent(context.Background(), messageEvent("$own", "!room:x", botUserID, "relay"))
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if request != nil {
		t.Fatal("bot event must be suppressed")
	}
	assertNoDelivery(t, harness.controller, 50*time.Millisecond)
}

// TestDispatcherEditValidation verifies the §edit rules: a foreign edit is
// dropped, a genuine self-edit is delivered.
func TestDispatcherEditValidation(t *testing.T) {
	t.Parallel()

	harness := newDispatcherHarness(t)

	// A joined member gives the dispatcher a handle to fetch with.
	if _, err := harness.dispatcher.OnEvent(context.Background(),
		memberEvent("$join", "!room:x", "@alice:x", "@alice:x", ghostbridge.MembershipJoin, "Alice")); err != nil {
		t.Fatalf("dispatch join failed: %v", err)
	}
	awaitDelivery(t, harness.controller)

	alice := harness.handle("@alice:x")
	alice.mu.Lock()
	alice.events["$orig"] = messageEvent("$orig", "!room:x", "@alice:x", "original")
	alice.mu.Unlock()

	// Forged edit from a different sender: dropped, no controller call.
	request, err := harness.dispatcher.OnEvent(context.Background(), editEvent("$forged", "!room:x", "@eve:x", "$orig"))
	if err != nil {
		t.Fatalf("dispatch forged edit failed: %v", err)
	}
	if request != nil {
		t.Fatal("forged edit must not produce a tracked request")
	}
	assertNoDelivery(t, harness.controller, 50*time.Millisecond)

	// Genuine edit from the original sender: delivered.
	if _, err := harness.dispatcher.OnEvent(context.Background(), editEvent("$genuine", "!room:x", "@alice:x", "$orig")); err != nil {
		t.Fatalf("dispatch genuine edit failed: %v", err)
	}
	call := awaitDelivery(t, harness.controller)
	if call.event.ID != "$genuine" {
		t.Fatalf("delivered event = %s, want $genuine", call.event.ID)
	}
}

// TestDispatcherEditLookupFailurePolicy verifies the allow/deny-on-failure
// switch when the parent event cannot be fetched.
func TestDispatcherEditLookupFailurePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		allow     bool
		delivered bool
	}{
		{name: "deny on failure drops the edit", allow: false, delivered: false},
		{name: "allow on failure delivers the edit", allow: true, delivered: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			harness := newDispatcherHarness(t, WithAllowEditOnLookupFailure(testCase.allow))

			request, err := harness.dispatcher.OnEvent(context.Background(), editEvent("$edit", "!room:x", "@alice:x", "$missing"))
			if err != nil {
				t.Fatalf("dispatch failed: %v", err)
			}

			if testCase.delivered {
				if request == nil {
					t.Fatal("expected a tracked request")
				}
				awaitDelivery(t, harness.controller)
				return
			}
			if request != nil {
				t.Fatal("dropped edit must not produce a tracked request")
			}
			assertNoDelivery(t, harness.controller, 50*time.Millisecond)
		})
	}
}

type recordingUpgradeHandler struct {
	tombstones chan *ghostbridge.Event
	invites    chan *ghostbridge.Event
	handled    bool
}

func (h *recordingUpgradeHandler) OnTombstone(_ context.Context, event *ghostbridge.Event) error {
	h.tombstones <- event
	return nil
}

func (h *recordingUpgradeHandler) OnInvite(_ context.Context, event *ghostbridge.Event) (bool, error) {
	h.invites <- event
	return h.handled, nil
}

// TestDispatcherRoomUpgradeInterception verifies tombstone and successor
// invite handling in consume mode.
func TestDispatcherRoomUpgradeInterception(t *testing.T) {
	t.Parallel()

	handler := &recordingUpgradeHandler{
		tombstones: make(chan *ghostbridge.Event, 1),
		invites:    make(chan *ghostbridge.Event, 1),
		handled:    true,
	}
	harness := newDispatcherHarness(t, WithRoomUpgradeHandler(handler, true))

	tombstone := &ghostbridge.Event{
		ID:       "$tomb",
		Type:     ghostbridge.EventTypeTombstone,
		RoomID:   "!old:x",
		Sender:   "@admin:x",
		StateKey: stateKey(""),
		Content:  json.RawMessage(`{"replacement_room":"!new:x"}`),
	}
	request, err := harness.dispatcher.OnEvent(context.Background(), tombstone)
	if err != nil {
		t.Fatalf("dispatch tombstone failed: %v", err)
	}
	if request != nil {
		t.Fatal("consumed tombstone must not produce a tracked request")
	}
	select {
	case event := <-handler.tombstones:
		if event.ID != "$tomb" {
			t.Fatalf("tombstone handler saw %s", event.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tombstone handler was not invoked")
	}

	invite := memberEvent("$invite", "!new:x", "@admin:x", botUserID, ghostbridge.MembershipInvite, "")
	request, err = harness.dispatcher.OnEvent(context.Background(), invite)
	if err != nil {
		t.Fatalf("dispatch invite failed: %v", err)
	}
	if request != nil {
		t.Fatal("consumed successor invite must not produce a tracked request")
	}
	select {
	case event := <-handler.invites:
		if event.ID != "$invite" {
			t.Fatalf("invite handler saw %s", event.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("invite handler was not invoked")
	}

	assertNoDelivery(t, harness.controller, 50*time.Millisecond)
}

// TestDispatcherMembershipVisibleAtDelivery verifies a membership change is
// readable from the cache at the moment its own controller callback fires.
func TestDispatcherMembershipVisibleAtDelivery(t *testing.T) {
	t.Parallel()

	harness := newDispatcherHarness(t)
	observed := make(chan ghostbridge.Membership, 1)
	harness.controller.settle = func(request *ghostbridge.Request[*ghostbridge.Event], event *ghostbridge.Event) {
		observed <- harness.dispatcher.Members().GetMembership(event.RoomID, *event.StateKey)
		request.Resolve(nil)
	}

	if _, err := harness.dispatcher.OnEvent(context.Background(),
		memberEvent("$join", "!room:x", "@alice:x", "@alice:x", ghostbridge.MembershipJoin, "Alice")); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	awaitDelivery(t, harness.controller)
	select {
	case membership := <-observed:
		if membership != ghostbridge.MembershipJoin {
			t.Fatalf("membership at delivery = %q, want join", membership)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for observation")
	}
}

// TestDispatcherUnhandledEventSendsNotice verifies the best-effort in-room
// diagnostic for controller-rejected events, and that the rejection still
// reaches the transport caller.
func TestDispatcherUnhandledEventSendsNotice(t *testing.T) {
	t.Parallel()

	harness := newDispatcherHarness(t, WithNamespaces(regexp.MustCompile(`^@tg_.*:x$`)))
	harness.controller.settle = func(request *ghostbridge.Request[*ghostbridge.Event], _ *ghostbridge.Event) {
		request.Reject(ghostbridge.ErrEventNotHandled)
	}

	request, err := harness.dispatcher.OnEvent(context.Background(), messageEvent("$odd", "!room:x", "@alice:x", "???"))
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	if _, err := request.Wait(context.Background()); !errors.Is(err, ghostbridge.ErrEventNotHandled) {
		t.Fatalf("request error = %v, want ErrEventNotHandled", err)
	}

	bot := harness.handle(botUserID)
	select {
	case text := <-bot.notices:
		if want := "@tg_.*:x"; !strings.Contains(text, want) {
			t.Fatalf("notice %q does not cite namespace %q", text, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for diagnostic notice")
	}
}

// TestDispatcherControllerErrorPropagatesVerbatim verifies non-EventNotHandled
// rejections reach the transport caller untouched and produce no notice.
func TestDispatcherControllerErrorPropagatesVerbatim(t *testing.T) {
	t.Parallel()

	cause := errors.New("remote side exploded")
	harness := newDispatcherHarness(t)
	harness.controller.settle = func(request *ghostbridge.Request[*ghostbridge.Event], _ *ghostbridge.Event) {
		request.Reject(cause)
	}

	request, err := harness.dispatcher.OnEvent(context.Background(), messageEvent("$boom", "!room:x", "@alice:x", "hi"))
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	if _, err := request.Wait(context.Background()); !errors.Is(err, cause) {
		t.Fatalf("request error = %v, want %v", err, cause)
	}

	bot := harness.handle(botUserID)
	select {
	case text := <-bot.notices:
		t.Fatalf("unexpected notice %q for a non-unhandled rejection", text)
	case <-time.After(50 * time.Millisecond):
	}
}

type ephemeralController struct {
	*testController
	ephemeral chan *ghostbridge.Event
}

func (c *ephemeralController) OnEphemeralEvent(_ context.Context, request *ghostbridge.Request[*ghostbridge.Event]) {
	c.ephemeral <- request.Payload()
	request.Resolve(nil)
}

// TestDispatcherEphemeralBypassesQueue verifies ephemeral events reach the
// optional controller surface directly.
func TestDispatcherEphemeralBypassesQueue(t *testing.T) {
	t.Parallel()

	inner := newTestController()
	controller := &ephemeralController{
		testController: inner,
		ephemeral:      make(chan *ghostbridge.Event, 1),
	}

	dispatcher, err := New(
		WithController(controller),
		WithBotUserID(botUserID),
		WithQueuePolicy(QueuePolicySingle),
	)
	if err != nil {
		t.Fatalf("new dispatcher failed: %v", err)
	}
	t.Cleanup(dispatcher.Close)

	typing := &ghostbridge.Event{
		ID:        "$typing",
		Type:      "m.typing",
		RoomID:    "!room:x",
		Sender:    "@alice:x",
		Ephemeral: true,
	}
	request, err := dispatcher.OnEphemeralEvent(context.Background(), typing)
	if err != nil {
		t.Fatalf("dispatch ephemeral failed: %v", err)
	}

	select {
	case event := <-controller.ephemeral:
		if event.ID != "$typing" {
			t.Fatalf("ephemeral event = %s, want $typing", event.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ephemeral delivery")
	}
	if request.IsPending() {
		t.Fatal("ephemeral request must settle")
	}
}

// TestDispatcherClosedRejectsDispatch verifies post-shutdown behavior.
func TestDispatcherClosedRejectsDispatch(t *testing.T) {
	t.Parallel()

	harness := newDispatcherHarness(t)
	harness.dispatcher.Close()

	_, err := harness.dispatcher.OnEvent(context.Background(), messageEvent("$late", "!room:x", "@alice:x", "hi"))
	if !errors.Is(err, ghostbridge.ErrDispatcherClosed) {
		t.Fatalf("dispatch after close = %v, want ErrDispatcherClosed", err)
	}
}
