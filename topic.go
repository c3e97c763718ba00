package pgtransit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/delimaa/pg-transit/internal/store"
)

// Topic is a named message stream. Producers send messages to it,
// subscriptions receive their own copy of each. Handles are cheap and
// lazy: the database row is created on first use.
type Topic struct {
	broker       *Broker
	name         string
	maxRetention *int64

	mu  sync.Mutex
	row *store.Topic
}

// Name returns the topic name.
func (t *Topic) Name() string {
	return t.name
}

// ensure resolves the topic row, creating it on first reference.
func (t *Topic) ensure(ctx context.Context) (*store.Topic, error) {
	if err := t.broker.ready(ctx); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.row != nil {
		return t.row, nil
	}

	row, err := t.broker.store.EnsureTopic(ctx, t.name, t.maxRetention)
	if err != nil {
		return nil, err
	}
	t.row = row
	return row, nil
}

// marshalPayload turns an arbitrary payload into its stored JSON form.
// Raw JSON passes through byte-for-byte.
func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		return data, nil
	}
}

func resolveSendOptions(opts []SendOption) store.MessageOptions {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return store.MessageOptions{
		DeliverAt: o.deliverAt,
		DeliverIn: o.deliverIn,
		Priority:  o.priority,
	}
}

// Send writes one message to the topic and fans it out to every current
// subscription atomically.
func (t *Topic) Send(ctx context.Context, payload any, opts ...SendOption) (*TopicMessage, error) {
	msgs, err := t.SendBulk(ctx, []any{payload}, opts...)
	if err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// SendBulk writes a batch of messages in one transaction. Message ids
// are strictly increasing in payload order, so batch order is the
// delivery order for equal priorities.
func (t *Topic) SendBulk(ctx context.Context, payloads []any, opts ...SendOption) ([]TopicMessage, error) {
	row, err := t.ensure(ctx)
	if err != nil {
		return nil, err
	}

	raw := make([]json.RawMessage, len(payloads))
	for i, p := range payloads {
		if raw[i], err = marshalPayload(p); err != nil {
			return nil, err
		}
	}

	msgs, err := t.broker.store.InsertMessages(ctx, row.ID, raw, resolveSendOptions(opts))
	if err != nil {
		return nil, err
	}

	t.broker.metrics.MessagesSent.WithLabelValues(t.name).Add(float64(len(msgs)))
	return msgs, nil
}

// Schedule creates or replaces the named cron schedule on the topic.
// Each due occurrence materializes one message inheriting the given send
// options. Replacing a schedule keeps its fire counter.
func (t *Topic) Schedule(ctx context.Context, name string, spec ScheduleSpec, payload any, opts ...SendOption) (*ScheduledMessage, error) {
	row, err := t.ensure(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	return t.broker.store.UpsertScheduledMessage(ctx, row.ID, store.ScheduleInput{
		Name:    name,
		Cron:    spec.Cron,
		Payload: raw,
		Repeats: spec.Repeats,
		Options: resolveSendOptions(opts),
	})
}

// Subscribe returns the named subscription, creating it with the given
// options when absent. When the subscription already exists with a
// different configuration the stored config wins and the error is a
// *ConfigMismatchError; the returned subscription is usable either way.
func (t *Topic) Subscribe(ctx context.Context, name string, opts ...SubscribeOption) (*Subscription, error) {
	row, err := t.ensure(ctx)
	if err != nil {
		return nil, err
	}

	cfg := store.DefaultSubscriptionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	sub, created, err := t.broker.store.CreateSubscription(ctx, row.ID, name, cfg)
	if err != nil {
		return nil, err
	}

	handle := &Subscription{
		broker: t.broker,
		topic:  t,
		row:    sub,
	}

	if !created && !cfg.Matches(sub) {
		return handle, &ConfigMismatchError{
			Subscription: name,
			Requested:    cfg,
			Stored: SubscriptionConfig{
				ConsumptionMode: sub.ConsumptionMode,
				StartPosition:   sub.StartPosition,
				MaxAttempts:     sub.MaxAttempts,
				RetryStrategy:   sub.RetryStrategy,
				RetryDelayMS:    sub.RetryDelayMS,
			},
		}
	}

	return handle, nil
}

// GetMessages returns the topic's stored messages in insertion order.
func (t *Topic) GetMessages(ctx context.Context) ([]TopicMessage, error) {
	row, err := t.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return t.broker.store.ListMessages(ctx, row.ID)
}

// GetScheduledMessages returns the topic's cron schedules.
func (t *Topic) GetScheduledMessages(ctx context.Context) ([]ScheduledMessage, error) {
	row, err := t.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return t.broker.store.ListScheduledMessages(ctx, row.ID)
}

// Trim deletes acknowledged messages beyond the topic's retention and
// returns the number deleted. No-op for unlimited retention.
func (t *Topic) Trim(ctx context.Context) (int64, error) {
	row, err := t.ensure(ctx)
	if err != nil {
		return 0, err
	}

	trimmed, err := t.broker.store.TrimTopic(ctx, row)
	if err != nil {
		return 0, err
	}
	if trimmed > 0 {
		t.broker.metrics.MessagesTrimmed.Add(float64(trimmed))
	}
	return trimmed, nil
}

// Clear deletes every message of the topic. Subscriptions and schedules
// survive; their delivery state goes with the messages.
func (t *Topic) Clear(ctx context.Context) error {
	row, err := t.ensure(ctx)
	if err != nil {
		return err
	}

	_, err = t.broker.store.ClearTopic(ctx, row.ID)
	return err
}

// Remove deletes the topic and cascades to its messages, subscriptions,
// and schedules.
func (t *Topic) Remove(ctx context.Context) error {
	row, err := t.ensure(ctx)
	if err != nil {
		return err
	}

	if err := t.broker.store.RemoveTopic(ctx, row.ID); err != nil {
		return err
	}

	t.broker.mu.Lock()
	delete(t.broker.topics, t.name)
	t.broker.mu.Unlock()

	t.mu.Lock()
	t.row = nil
	t.mu.Unlock()

	return nil
}
