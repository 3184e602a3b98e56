package core

import (
	"context"
	"fmt"
	"sync"

	"ghostbridge/pkg/ghostbridge"
)

// QueuePolicy selects the delivery ordering guarantee of an EventQueue.
type QueuePolicy string

const (
	// QueuePolicyNone delivers each item as soon as its own enrichment
	// settles; no inter-item ordering, minimal head-of-line blocking.
	QueuePolicyNone QueuePolicy = "none"
	// QueuePolicySingle is one global FIFO: item N is not delivered until
	// item N-1 has been handed to the consumer. A slow item blocks the
	// whole bridge.
	QueuePolicySingle QueuePolicy = "single"
	// QueuePolicyPerRoom keeps one FIFO per room; rooms proceed
	// independently with no cross-room ordering.
	QueuePolicyPerRoom QueuePolicy = "per_room"
)

func (p QueuePolicy) valid() bool {
	switch p {
	case QueuePolicyNone, QueuePolicySingle, QueuePolicyPerRoom:
		return true
	}

	return false
}

// EnrichFunc asynchronously produces the bridge context for one event.
type EnrichFunc func(ctx context.Context) (*ghostbridge.BridgeContext, error)

// QueueConsumer receives ordered (request, event, context) triples.
type QueueConsumer func(request *ghostbridge.Request[*ghostbridge.Event], event *ghostbridge.Event, bridgeCtx *ghostbridge.BridgeContext)

// EventQueue orders delivery of enriched events to a consumer under a
// configured policy.
//
// With per-request serialization enabled, the consumer is not invoked for
// item N+1 until the request delivered for item N has settled; a consumer
// that never settles a request permanently stalls that ordering scope.
// That stall is documented behavior, not an error the queue suppresses.
type EventQueue struct {
	policy     QueuePolicy
	perRequest bool
	consumer   QueueConsumer

	onAsyncError func(context.Context, string, error)

	mu       sync.Mutex
	buckets  map[string][]*queueItem
	draining map[string]bool
	closed   bool

	done   chan struct{}
	drains sync.WaitGroup
}

type queueItem struct {
	request    *ghostbridge.Request[*ghostbridge.Event]
	event      *ghostbridge.Event
	enrichment *contextFuture
}

// NewEventQueue creates a queue delivering to consumer under policy.
func NewEventQueue(
	policy QueuePolicy,
	perRequest bool,
	consumer QueueConsumer,
	onAsyncError func(context.Context, string, error),
) (*EventQueue, error) {
	if !policy.valid() {
		return nil, fmt.Errorf("new event queue: policy %q: %w", policy, ghostbridge.ErrUnknownQueuePolicy)
	}
	if consumer == nil {
		return nil, fmt.Errorf("new event queue: nil consumer")
	}
	if onAsyncError == nil {
		onAsyncError = func(context.Context, string, error) {}
	}

	return &EventQueue{
		policy:       policy,
		perRequest:   perRequest,
		consumer:     consumer,
		onAsyncError: onAsyncError,
		buckets:      make(map[string][]*queueItem),
		draining:     make(map[string]bool),
		done:         make(chan struct{}),
	}, nil
}

// Push enqueues one event and starts its enrichment immediately. Ordering
// applies from this moment: delivery honors push order within the item's
// ordering scope regardless of how long enrichment takes.
func (q *EventQueue) Push(
	ctx context.Context,
	request *ghostbridge.Request[*ghostbridge.Event],
	event *ghostbridge.Event,
	enrich EnrichFunc,
) error {
	if request == nil || event == nil {
		return fmt.Errorf("push event: nil request or event")
	}

	item := &queueItem{
		request:    request,
		event:      event,
		enrichment: newContextFuture(ctx, enrich),
	}

	key := q.scopeKey(request, event)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("push event %s: %w", event.ID, ghostbridge.ErrQueueClosed)
	}
	q.buckets[key] = append(q.buckets[key], item)

	return nil
}

// scopeKey derives the ordering scope for one item: global under single,
// the room under per_room, and a per-item scope under none.
func (q *EventQueue) scopeKey(request *ghostbridge.Request[*ghostbridge.Event], event *ghostbridge.Event) string {
	switch q.policy {
	case QueuePolicySingle:
		return ""
	case QueuePolicyPerRoom:
		return event.RoomID
	default:
		return request.ID()
	}
}

// Consume advances processing: every scope with queued items and no active
// drain gets one.
func (q *EventQueue) Consume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	for key := range q.buckets {
		if q.draining[key] || len(q.buckets[key]) == 0 {
			continue
		}
		q.draining[key] = true
		q.drains.Add(1)
		go q.drainScope(key)
	}
}

// drainScope delivers one scope's items in FIFO order until the scope is
// empty. At most one drain runs per scope at a time, which is what turns
// the single-threaded ordering model into a per-scope guarantee on a real
// multi-threaded runtime.
func (q *EventQueue) drainScope(key string) {
	defer q.drains.Done()

	for {
		q.mu.Lock()
		bucket := q.buckets[key]
		if len(bucket) == 0 || q.closed {
			delete(q.buckets, key)
			delete(q.draining, key)
			q.mu.Unlock()
			return
		}
		item := bucket[0]
		q.buckets[key] = bucket[1:]
		q.mu.Unlock()

		bridgeCtx, ok := q.awaitEnrichment(item)
		if !ok {
			continue
		}

		if err := runSafely("event queue consumer", func() error {
			q.consumer(item.request, item.event, bridgeCtx)
			return nil
		}); err != nil {
			q.onAsyncError(context.Background(), "event queue consumer", err)
		}

		if q.perRequest && q.policy != QueuePolicyNone {
			select {
			case <-item.request.Done():
			case <-q.done:
				return
			}
		}
	}
}

// awaitEnrichment waits for the item's context. A failed enrichment rejects
// the item's request and drops it; the scope continues with later items.
func (q *EventQueue) awaitEnrichment(item *queueItem) (*ghostbridge.BridgeContext, bool) {
	select {
	case <-item.enrichment.done:
	case <-q.done:
		return nil, false
	}

	if err := item.enrichment.err; err != nil {
		q.onAsyncError(context.Background(), fmt.Sprintf("enrich event %s", item.event.ID), err)
		item.request.Reject(err)
		return nil, false
	}

	return item.enrichment.value, true
}

// Close stops all drains and rejects further pushes. Blocked drains are
// released; undelivered items are discarded.
func (q *EventQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.drains.Wait()
}

// contextFuture is the single-settlement enrichment result holder.
type contextFuture struct {
	done  chan struct{}
	value *ghostbridge.BridgeContext
	err   error
}

// newContextFuture starts enrich on its own goroutine. A nil enrich settles
// immediately with no context.
func newContextFuture(ctx context.Context, enrich EnrichFunc) *contextFuture {
	future := &contextFuture{
		done: make(chan struct{}),
	}
	if enrich == nil {
		close(future.done)
		return future
	}

	go func() {
		defer close(future.done)
		future.err = runSafely("build bridge context", func() error {
			value, err := enrich(ctx)
			if err != nil {
				return err
			}
			future.value = value
			return nil
		})
	}()

	return future
}
