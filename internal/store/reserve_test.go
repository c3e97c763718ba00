package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequentialSub() *Subscription {
	return &Subscription{
		ID:              uuid.New(),
		TopicID:         uuid.New(),
		Name:            "seq",
		ConsumptionMode: ModeSequential,
		StartPosition:   StartLatest,
		MaxAttempts:     3,
		RetryStrategy:   RetryLinear,
		RetryDelayMS:    1000,
	}
}

func parallelSub() *Subscription {
	sub := sequentialSub()
	sub.Name = "par"
	sub.ConsumptionMode = ModeParallel
	return sub
}

func TestReserveNext_SequentialGateShortCircuits(t *testing.T) {
	s, mock := newMockStore(t)
	sub := sequentialSub()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT processing FROM subscriptions").
		WithArgs(sub.ID).
		WillReturnRows(sqlmock.NewRows([]string{"processing"}).AddRow(true))
	mock.ExpectRollback()

	reserved, err := s.ReserveNext(context.Background(), sub, 5)
	require.NoError(t, err)
	assert.Empty(t, reserved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveNext_SequentialReservesOneAndRaisesGate(t *testing.T) {
	s, mock := newMockStore(t)
	sub := sequentialSub()

	msgID := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT processing FROM subscriptions").
		WithArgs(sub.ID).
		WillReturnRows(sqlmock.NewRows([]string{"processing"}).AddRow(false))
	// Sequential mode clamps the requested batch to one.
	mock.ExpectQuery("FOR UPDATE OF sm SKIP LOCKED").
		WithArgs(sub.ID, 1).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "payload", "priority", "created_at"}).
			AddRow(msgID, []byte(`{"k":"v"}`), nil, now))
	mock.ExpectQuery("UPDATE subscription_messages").
		WithArgs(sub.ID, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "attempts", "last_heartbeat_at"}).
			AddRow(msgID, 1, now))
	mock.ExpectExec("UPDATE subscriptions SET processing = true").
		WithArgs(sub.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reserved, err := s.ReserveNext(context.Background(), sub, 5)
	require.NoError(t, err)
	require.Len(t, reserved, 1)
	assert.Equal(t, msgID, reserved[0].MessageID)
	assert.Equal(t, 1, reserved[0].Attempts)
	assert.JSONEq(t, `{"k":"v"}`, string(reserved[0].Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveNext_ParallelBatch(t *testing.T) {
	s, mock := newMockStore(t)
	sub := parallelSub()

	idA, idB := uuid.New(), uuid.New()
	now := time.Now()
	one := 1

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE OF sm SKIP LOCKED").
		WithArgs(sub.ID, 3).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "payload", "priority", "created_at"}).
			AddRow(idA, []byte(`{"n":1}`), one, now).
			AddRow(idB, []byte(`{"n":2}`), nil, now))
	mock.ExpectQuery("UPDATE subscription_messages").
		WithArgs(sub.ID, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "attempts", "last_heartbeat_at"}).
			AddRow(idA, 2, now).
			AddRow(idB, 1, now))
	mock.ExpectCommit()

	reserved, err := s.ReserveNext(context.Background(), sub, 3)
	require.NoError(t, err)
	require.Len(t, reserved, 2)

	// Order of the candidate query is preserved and each row carries its
	// own attempt counter back.
	assert.Equal(t, idA, reserved[0].MessageID)
	assert.Equal(t, 2, reserved[0].Attempts)
	require.NotNil(t, reserved[0].Priority)
	assert.Equal(t, 1, *reserved[0].Priority)
	assert.Equal(t, idB, reserved[1].MessageID)
	assert.Equal(t, 1, reserved[1].Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveNext_NoCandidates(t *testing.T) {
	s, mock := newMockStore(t)
	sub := parallelSub()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE OF sm SKIP LOCKED").
		WithArgs(sub.ID, 10).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "payload", "priority", "created_at"}))
	mock.ExpectRollback()

	reserved, err := s.ReserveNext(context.Background(), sub, 10)
	require.NoError(t, err)
	assert.Empty(t, reserved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveNext_ZeroLimitIsNoop(t *testing.T) {
	s, mock := newMockStore(t)

	reserved, err := s.ReserveNext(context.Background(), parallelSub(), 0)
	require.NoError(t, err)
	assert.Empty(t, reserved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveNext_MissingSubscription(t *testing.T) {
	s, mock := newMockStore(t)
	sub := sequentialSub()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT processing FROM subscriptions").
		WithArgs(sub.ID).
		WillReturnRows(sqlmock.NewRows([]string{"processing"}))
	mock.ExpectRollback()

	_, err := s.ReserveNext(context.Background(), sub, 1)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete_SequentialClearsGate(t *testing.T) {
	s, mock := newMockStore(t)
	sub := sequentialSub()
	msgID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("SET status = 'completed'").
		WithArgs(sub.ID, msgID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE subscriptions SET processing = false").
		WithArgs(sub.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Complete(context.Background(), sub, msgID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete_ParallelLeavesGateAlone(t *testing.T) {
	s, mock := newMockStore(t)
	sub := parallelSub()
	msgID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("SET status = 'completed'").
		WithArgs(sub.ID, msgID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Complete(context.Background(), sub, msgID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete_RowAlreadyMovedOn(t *testing.T) {
	s, mock := newMockStore(t)
	sub := parallelSub()

	mock.ExpectBegin()
	mock.ExpectExec("SET status = 'completed'").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.Complete(context.Background(), sub, uuid.New())
	assert.ErrorIs(t, err, ErrNotProcessing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_RetryWithLinearDelay(t *testing.T) {
	s, mock := newMockStore(t)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	withFixedClock(t, fixed)

	sub := parallelSub() // retry_delay 1000ms linear
	msgID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("SET status = 'waiting'").
		WithArgs(sub.ID, msgID, fixed.Add(time.Second)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Fail(context.Background(), sub, msgID, 1, "boom"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_RetryWithExponentialDelay(t *testing.T) {
	s, mock := newMockStore(t)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	withFixedClock(t, fixed)

	sub := parallelSub()
	sub.RetryStrategy = RetryExponential
	sub.RetryDelayMS = 10_000
	sub.MaxAttempts = 3
	msgID := uuid.New()

	// Second attempt: delay doubles to retry_delay * 2^(2-1).
	mock.ExpectBegin()
	mock.ExpectExec("SET status = 'waiting'").
		WithArgs(sub.ID, msgID, fixed.Add(20*time.Second)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Fail(context.Background(), sub, msgID, 2, "boom"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_TerminalAtMaxAttempts(t *testing.T) {
	s, mock := newMockStore(t)
	sub := sequentialSub() // max_attempts 3
	msgID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("SET status = 'failed'").
		WithArgs(sub.ID, msgID, "handler exploded").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE subscriptions SET processing = false").
		WithArgs(sub.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Fail(context.Background(), sub, msgID, 3, "handler exploded"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeat(t *testing.T) {
	s, mock := newMockStore(t)
	subID, msgID := uuid.New(), uuid.New()

	mock.ExpectExec("SET last_heartbeat_at = now()").
		WithArgs(subID, msgID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Heartbeat(context.Background(), subID, msgID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeat_RowNotProcessing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("SET last_heartbeat_at = now()").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Heartbeat(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrNotProcessing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProgress(t *testing.T) {
	s, mock := newMockStore(t)
	subID, msgID := uuid.New(), uuid.New()

	mock.ExpectExec("SET progress =").
		WithArgs(subID, msgID, []byte(`{"done":40}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateProgress(context.Background(), subID, msgID, []byte(`{"done":40}`)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name     string
		strategy RetryStrategy
		delayMS  int64
		attempt  int
		want     time.Duration
	}{
		{"linear is flat", RetryLinear, 500, 3, 500 * time.Millisecond},
		{"exponential first attempt", RetryExponential, 500, 1, 500 * time.Millisecond},
		{"exponential doubles", RetryExponential, 500, 2, time.Second},
		{"exponential third attempt", RetryExponential, 10_000, 3, 40 * time.Second},
		{"zero delay", RetryExponential, 0, 5, 0},
		{"exponent capped", RetryExponential, 1, 64, (1 << 20) * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RetryDelay(tt.strategy, tt.delayMS, tt.attempt))
		})
	}
}
