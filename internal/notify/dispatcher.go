// Package notify fans booking events out to delivery channels. The
// dispatcher deduplicates per subscription, so one session never handles
// the same event twice even when it is subscribed through several routes.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lotusloft/studio/pkg/booking"
)

const subscriptionBuffer = 64

// Sender pushes an event to an external delivery channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, event booking.Event) error
}

// Dispatcher implements booking.EventSink. Sends are best effort: a
// failing sender is logged and the remaining senders still run.
type Dispatcher struct {
	senders []Sender
	logger  *zap.Logger

	mu            sync.Mutex
	subscriptions map[*Subscription]struct{}
}

// NewDispatcher returns a dispatcher fanning out to the given senders.
func NewDispatcher(logger *zap.Logger, senders ...Sender) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		senders:       senders,
		logger:        logger,
		subscriptions: make(map[*Subscription]struct{}),
	}
}

// Publish delivers the event to every sender and every live subscription.
func (dispatcher *Dispatcher) Publish(ctx context.Context, event booking.Event) {
	for _, sender := range dispatcher.senders {
		if err := sender.Send(ctx, event); err != nil {
			dispatcher.logger.Warn("event delivery failed",
				zap.String("sender", sender.Name()),
				zap.String("event_id", event.EventID),
				zap.String("type", string(event.Type)),
				zap.Error(err),
			)
		}
	}
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	for subscription := range dispatcher.subscriptions {
		subscription.offer(event)
	}
}

// Subscribe registers a live event feed, typically one per member
// session. The caller must Close the subscription when done.
func (dispatcher *Dispatcher) Subscribe(memberID string) *Subscription {
	subscription := &Subscription{
		dispatcher: dispatcher,
		memberID:   memberID,
		events:     make(chan booking.Event, subscriptionBuffer),
		seen:       make(map[string]struct{}),
	}
	dispatcher.mu.Lock()
	dispatcher.subscriptions[subscription] = struct{}{}
	dispatcher.mu.Unlock()
	return subscription
}

func (dispatcher *Dispatcher) remove(subscription *Subscription) {
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	delete(dispatcher.subscriptions, subscription)
}

// Subscription is one member session's event feed. Each subscription
// tracks the event ids it has already accepted, so duplicates are
// discarded per session rather than process-wide.
type Subscription struct {
	dispatcher *Dispatcher
	memberID   string

	mu     sync.Mutex
	seen   map[string]struct{}
	closed bool
	events chan booking.Event
}

// Events returns the feed channel.
func (subscription *Subscription) Events() <-chan booking.Event {
	return subscription.events
}

// Close detaches the subscription from the dispatcher.
func (subscription *Subscription) Close() {
	subscription.dispatcher.remove(subscription)
	subscription.mu.Lock()
	defer subscription.mu.Unlock()
	if subscription.closed {
		return
	}
	subscription.closed = true
	close(subscription.events)
}

func (subscription *Subscription) offer(event booking.Event) {
	if event.MemberID != subscription.memberID {
		return
	}
	subscription.mu.Lock()
	defer subscription.mu.Unlock()
	if subscription.closed {
		return
	}
	if _, duplicate := subscription.seen[event.EventID]; duplicate {
		return
	}
	subscription.seen[event.EventID] = struct{}{}
	select {
	case subscription.events <- event:
	default:
		// Slow consumer. The event stays in the seen set so a redelivery
		// attempt will not double-notify.
	}
}
