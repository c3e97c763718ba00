package pgtransit

import (
	"context"

	"github.com/google/uuid"

	"github.com/delimaa/pg-transit/internal/store"
)

// Subscription is one named consumer group on a topic. Every message
// sent to the topic after (or, with StartEarliest, before) its creation
// gets a per-subscription delivery state row.
type Subscription struct {
	broker *Broker
	topic  *Topic
	row    *store.Subscription
}

// ID returns the subscription's id.
func (s *Subscription) ID() uuid.UUID {
	return s.row.ID
}

// Name returns the subscription name.
func (s *Subscription) Name() string {
	return s.row.Name
}

// Mode returns the stored consumption mode.
func (s *Subscription) Mode() ConsumptionMode {
	return s.row.ConsumptionMode
}

// Consume binds a handler to the subscription and returns its consumer.
// With autostart (the default) the poll loop begins immediately.
func (s *Subscription) Consume(handler Handler, opts ...ConsumerOption) (*Consumer, error) {
	if handler == nil {
		return nil, errNilHandler
	}

	o := defaultConsumerOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := newConsumer(s, handler, o)
	s.broker.registerConsumer(c)

	if o.autostart {
		c.Start()
	}

	return c, nil
}

// GetMessages returns the subscription's delivery state rows joined with
// their payloads, optionally filtered by status, in insertion order.
func (s *Subscription) GetMessages(ctx context.Context, statuses ...Status) ([]SubscriptionMessage, error) {
	if err := s.broker.ready(ctx); err != nil {
		return nil, err
	}
	return s.broker.store.ListSubscriptionMessages(ctx, s.row.ID, statuses)
}

// Retry forces a failed message back to waiting, immediately available.
// Attempt accounting is untouched: a message that exhausted its attempts
// fails again after one more handler failure.
func (s *Subscription) Retry(ctx context.Context, messageID uuid.UUID) error {
	if err := s.broker.ready(ctx); err != nil {
		return err
	}

	if err := s.broker.store.RetryMessage(ctx, s.row.ID, messageID); err != nil {
		return err
	}

	s.broker.metrics.MessagesRetried.WithLabelValues(s.row.Name).Inc()
	return nil
}

// Remove deletes the subscription and cascades to its delivery state.
func (s *Subscription) Remove(ctx context.Context) error {
	if err := s.broker.ready(ctx); err != nil {
		return err
	}
	return s.broker.store.RemoveSubscription(ctx, s.row.ID)
}
