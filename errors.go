package pgtransit

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("broker is closed")

	// ErrSubscriptionConfigMismatch signals that Subscribe was called
	// with options diverging from the stored subscription. The stored
	// configuration wins; the returned subscription is fully usable.
	ErrSubscriptionConfigMismatch = errors.New("subscription exists with different configuration")

	// ErrConsumerStopped is returned when a drain is requested on a
	// stopped consumer.
	ErrConsumerStopped = errors.New("consumer is stopped")

	errNilHandler = errors.New("handler must not be nil")
)

// ConfigMismatchError carries both sides of a subscription config
// conflict. It wraps ErrSubscriptionConfigMismatch for errors.Is checks.
type ConfigMismatchError struct {
	Subscription string
	Requested    SubscriptionConfig
	Stored       SubscriptionConfig
}

func (e *ConfigMismatchError) Error() string {
	return fmt.Sprintf("subscription %q exists with different configuration (stored config wins)", e.Subscription)
}

func (e *ConfigMismatchError) Unwrap() error {
	return ErrSubscriptionConfigMismatch
}
