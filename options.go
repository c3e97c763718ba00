package pgtransit

import (
	"time"
)

// TopicOption configures a topic on first reference. Topic config is
// immutable: options passed for an existing topic are ignored.
type TopicOption func(*topicOptions)

type topicOptions struct {
	maxRetention *int64
}

// defaultTopicOptions keeps zero acknowledged messages after a trim.
func defaultTopicOptions() topicOptions {
	zero := int64(0)
	return topicOptions{maxRetention: &zero}
}

// WithMaxRetention keeps the n freshest acknowledged messages when the
// topic is trimmed. Unacknowledged messages are always kept.
func WithMaxRetention(n int64) TopicOption {
	return func(o *topicOptions) {
		o.maxRetention = &n
	}
}

// WithUnlimitedRetention disables trimming for the topic.
func WithUnlimitedRetention() TopicOption {
	return func(o *topicOptions) {
		o.maxRetention = nil
	}
}

// SendOption configures one Send or SendBulk call.
type SendOption func(*sendOptions)

type sendOptions struct {
	deliverAt *time.Time
	deliverIn *time.Duration
	priority  *int
}

// WithDeliverAt hides the message from consumers until the given time.
// Wins over WithDeliverIn when both are set.
func WithDeliverAt(t time.Time) SendOption {
	return func(o *sendOptions) {
		o.deliverAt = &t
	}
}

// WithDeliverIn hides the message from consumers for the given duration.
func WithDeliverIn(d time.Duration) SendOption {
	return func(o *sendOptions) {
		o.deliverIn = &d
	}
}

// WithPriority reorders reservation: lower numbers are served first,
// messages without a priority sort last. Insertion order breaks ties.
func WithPriority(p int) SendOption {
	return func(o *sendOptions) {
		o.priority = &p
	}
}

// SubscribeOption configures a subscription on creation. The stored
// configuration wins when the subscription already exists; divergent
// options surface a *ConfigMismatchError alongside the usable
// subscription.
type SubscribeOption func(*SubscriptionConfig)

// WithConsumptionMode selects sequential or parallel delivery.
func WithConsumptionMode(m ConsumptionMode) SubscribeOption {
	return func(c *SubscriptionConfig) {
		c.ConsumptionMode = m
	}
}

// WithStartPosition selects whether existing topic messages are
// replayed to the new subscription.
func WithStartPosition(p StartPosition) SubscribeOption {
	return func(c *SubscriptionConfig) {
		c.StartPosition = p
	}
}

// WithMaxAttempts caps handler attempts per message before the message
// turns failed.
func WithMaxAttempts(n int) SubscribeOption {
	return func(c *SubscriptionConfig) {
		c.MaxAttempts = n
	}
}

// WithRetryStrategy selects how the retry delay grows across attempts.
func WithRetryStrategy(s RetryStrategy) SubscribeOption {
	return func(c *SubscriptionConfig) {
		c.RetryStrategy = s
	}
}

// WithRetryDelay sets the base delay before a failed message is offered
// again.
func WithRetryDelay(d time.Duration) SubscribeOption {
	return func(c *SubscriptionConfig) {
		c.RetryDelayMS = d.Milliseconds()
	}
}

// ScheduleSpec names the recurrence of a scheduled message.
type ScheduleSpec struct {
	// Cron is a standard five-field cron expression; descriptors such
	// as @daily are accepted.
	Cron string

	// Repeats caps the number of firings. Nil fires forever.
	Repeats *int
}

// ConsumerOption configures a consumer.
type ConsumerOption func(*consumerOptions)

type consumerOptions struct {
	concurrency       int
	pollingInterval   time.Duration
	heartbeatInterval time.Duration
	autostart         bool
	rateLimit         float64
}

func defaultConsumerOptions() consumerOptions {
	return consumerOptions{
		concurrency:       1,
		pollingInterval:   time.Second,
		heartbeatInterval: 10 * time.Second,
		autostart:         true,
	}
}

// WithConcurrency sets how many messages the consumer processes at
// once. Sequential subscriptions are always clamped to one.
func WithConcurrency(n int) ConsumerOption {
	return func(o *consumerOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithPollingInterval sets how often the consumer checks for work.
func WithPollingInterval(d time.Duration) ConsumerOption {
	return func(o *consumerOptions) {
		if d > 0 {
			o.pollingInterval = d
		}
	}
}

// WithHeartbeatInterval sets how often in-flight messages refresh their
// liveness timestamp. Must stay well under the broker's stale timeout.
func WithHeartbeatInterval(d time.Duration) ConsumerOption {
	return func(o *consumerOptions) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithAutostart controls whether Consume starts polling immediately.
// Disabled, the consumer only drains on explicit Consume calls until
// Start is invoked.
func WithAutostart(on bool) ConsumerOption {
	return func(o *consumerOptions) {
		o.autostart = on
	}
}

// WithRateLimit caps handler dispatches per second. Zero means
// unlimited. The cap applies to dispatch only, never to reservation
// sizing.
func WithRateLimit(perSecond float64) ConsumerOption {
	return func(o *consumerOptions) {
		if perSecond > 0 {
			o.rateLimit = perSecond
		}
	}
}
