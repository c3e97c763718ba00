package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery lifecycle state of a subscription message.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the persisted enum values.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ConsumptionMode controls how a subscription hands out messages.
type ConsumptionMode string

const (
	ModeSequential ConsumptionMode = "sequential"
	ModeParallel   ConsumptionMode = "parallel"
)

// StartPosition controls which existing messages a new subscription receives.
type StartPosition string

const (
	StartEarliest StartPosition = "earliest"
	StartLatest   StartPosition = "latest"
)

// RetryStrategy controls how the retry delay grows across attempts.
type RetryStrategy string

const (
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

// Topic is a row of the topics table.
type Topic struct {
	ID           uuid.UUID
	Name         string
	MaxRetention *int64 // nil = unlimited retention
	CreatedAt    time.Time
}

// Message is a row of the messages table.
type Message struct {
	ID        uuid.UUID
	TopicID   uuid.UUID
	Payload   json.RawMessage
	Priority  *int
	DeliverAt *time.Time
	CreatedAt time.Time
}

// ScheduledMessage is a row of the scheduled_messages table.
type ScheduledMessage struct {
	ID               uuid.UUID
	TopicID          uuid.UUID
	Name             string
	Payload          json.RawMessage
	Cron             string
	NextOccurrenceAt time.Time
	DeliverAt        *time.Time
	DeliverInMS      *int64
	Priority         *int
	Repeats          *int
	RepeatsMade      int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Subscription is a row of the subscriptions table. Config fields are
// immutable after the first insert; Processing is the sequential-mode gate.
type Subscription struct {
	ID              uuid.UUID
	TopicID         uuid.UUID
	Name            string
	ConsumptionMode ConsumptionMode
	StartPosition   StartPosition
	MaxAttempts     int
	RetryStrategy   RetryStrategy
	RetryDelayMS    int64
	Processing      bool
	CreatedAt       time.Time
}

// SubscriptionConfig carries the caller-chosen subscription options.
type SubscriptionConfig struct {
	ConsumptionMode ConsumptionMode
	StartPosition   StartPosition
	MaxAttempts     int
	RetryStrategy   RetryStrategy
	RetryDelayMS    int64
}

// DefaultSubscriptionConfig returns the stock subscription options.
func DefaultSubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{
		ConsumptionMode: ModeSequential,
		StartPosition:   StartLatest,
		MaxAttempts:     1,
		RetryStrategy:   RetryLinear,
		RetryDelayMS:    0,
	}
}

// Validate checks the config against the persisted schema constraints.
func (c SubscriptionConfig) Validate() error {
	switch c.ConsumptionMode {
	case ModeSequential, ModeParallel:
	default:
		return fmt.Errorf("invalid consumption mode: %q", c.ConsumptionMode)
	}
	switch c.StartPosition {
	case StartEarliest, StartLatest:
	default:
		return fmt.Errorf("invalid start position: %q", c.StartPosition)
	}
	switch c.RetryStrategy {
	case RetryLinear, RetryExponential:
	default:
		return fmt.Errorf("invalid retry strategy: %q", c.RetryStrategy)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.RetryDelayMS < 0 {
		return fmt.Errorf("retry delay must be >= 0, got %dms", c.RetryDelayMS)
	}
	return nil
}

// Matches reports whether the stored subscription row carries this config.
func (c SubscriptionConfig) Matches(sub *Subscription) bool {
	return c.ConsumptionMode == sub.ConsumptionMode &&
		c.StartPosition == sub.StartPosition &&
		c.MaxAttempts == sub.MaxAttempts &&
		c.RetryStrategy == sub.RetryStrategy &&
		c.RetryDelayMS == sub.RetryDelayMS
}

// SubscriptionMessage is a row of the subscription_messages table joined
// with the payload of its message.
type SubscriptionMessage struct {
	SubscriptionID  uuid.UUID
	MessageID       uuid.UUID
	Payload         json.RawMessage
	Status          Status
	Attempts        int
	AvailableAt     *time.Time
	ErrorStack      *string
	LastHeartbeatAt *time.Time
	Progress        json.RawMessage
	StaleCount      int
	CreatedAt       time.Time
}

// ReservedMessage is one row returned by ReserveNext, carrying the fresh
// heartbeat and the incremented attempt counter.
type ReservedMessage struct {
	SubscriptionID  uuid.UUID
	MessageID       uuid.UUID
	Payload         json.RawMessage
	Priority        *int
	Attempts        int
	LastHeartbeatAt time.Time
	CreatedAt       time.Time
}

// StaleReset describes one subscription message touched by a stale sweep.
// Status is the state after the sweep: waiting on the first lapse, failed
// on the second.
type StaleReset struct {
	SubscriptionID uuid.UUID
	MessageID      uuid.UUID
	Status         Status
	StaleCount     int
}

// Reopened reports whether the sweep put the message back in line.
func (r StaleReset) Reopened() bool {
	return r.Status == StatusWaiting
}

// MessageOptions are the per-batch send options. DeliverAt wins over
// DeliverIn when both are set.
type MessageOptions struct {
	DeliverAt *time.Time
	DeliverIn *time.Duration
	Priority  *int
}

// deliverAtValue resolves the options to an absolute visibility timestamp,
// or nil for immediate delivery.
func (o MessageOptions) deliverAtValue(now time.Time) *time.Time {
	if o.DeliverAt != nil {
		t := *o.DeliverAt
		return &t
	}
	if o.DeliverIn != nil {
		t := now.Add(*o.DeliverIn)
		return &t
	}
	return nil
}

// maxRetryExponent caps the exponential backoff multiplier at 2^20.
const maxRetryExponent = 20

// RetryDelay computes the backoff before the given attempt is offered
// again: retry_delay for linear, retry_delay * 2^(attempt-1) for
// exponential.
func RetryDelay(strategy RetryStrategy, delayMS int64, attempt int) time.Duration {
	if delayMS <= 0 {
		return 0
	}
	if strategy != RetryExponential {
		return time.Duration(delayMS) * time.Millisecond
	}
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp > maxRetryExponent {
		exp = maxRetryExponent
	}
	return time.Duration(delayMS<<uint(exp)) * time.Millisecond
}
