package store

import "errors"

var (
	// ErrNotProcessing is returned when a lifecycle transition expects a
	// message in processing status but the row has moved on, typically
	// because a stale sweep reopened it first.
	ErrNotProcessing = errors.New("subscription message is not in processing status")

	// ErrNotFailed is returned by RetryMessage when the target row is not
	// in failed status.
	ErrNotFailed = errors.New("subscription message is not in failed status")

	// ErrSubscriptionNotFound is returned when a subscription row has been
	// removed underneath an operation.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrTopicNotFound is returned when a topic row does not exist.
	ErrTopicNotFound = errors.New("topic not found")

	// ErrScheduleNotFound is returned when a scheduled message row does
	// not exist.
	ErrScheduleNotFound = errors.New("scheduled message not found")
)
