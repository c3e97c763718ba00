package pgtransit

import (
	"github.com/delimaa/pg-transit/internal/store"
)

// Aliases surface the persistence-layer vocabulary on the public API
// without re-declaring it.

// Status is the delivery lifecycle state of a subscription message. Its
// string values are the wire contract of GetMessages filters.
type Status = store.Status

const (
	StatusWaiting    = store.StatusWaiting
	StatusProcessing = store.StatusProcessing
	StatusCompleted  = store.StatusCompleted
	StatusFailed     = store.StatusFailed
)

// ConsumptionMode controls how a subscription hands out messages:
// sequential delivers one at a time in strict order across all
// processes, parallel distributes batches to competing consumers.
type ConsumptionMode = store.ConsumptionMode

const (
	ModeSequential = store.ModeSequential
	ModeParallel   = store.ModeParallel
)

// StartPosition controls which existing messages a new subscription
// receives: earliest replays the whole topic, latest only what arrives
// after creation.
type StartPosition = store.StartPosition

const (
	StartEarliest = store.StartEarliest
	StartLatest   = store.StartLatest
)

// RetryStrategy controls the delay growth between failed attempts.
type RetryStrategy = store.RetryStrategy

const (
	RetryLinear      = store.RetryLinear
	RetryExponential = store.RetryExponential
)

// SubscriptionConfig is the immutable per-subscription configuration.
type SubscriptionConfig = store.SubscriptionConfig

// TopicMessage is a stored message of a topic.
type TopicMessage = store.Message

// SubscriptionMessage is the per-subscription delivery state of one
// message, joined with its payload.
type SubscriptionMessage = store.SubscriptionMessage

// ScheduledMessage is a named cron schedule on a topic.
type ScheduledMessage = store.ScheduledMessage

// StaleReset describes one message touched by a stale sweep.
type StaleReset = store.StaleReset

// TopicStats aggregates one topic's message count and per-subscription
// status counts.
type TopicStats = store.TopicStats

// SubscriptionStats pairs a subscription with its per-status counts.
type SubscriptionStats = store.SubscriptionStats
