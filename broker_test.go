package pgtransit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// expectBootstrap matches the schema bootstrap of a database that is
// already migrated.
func expectBootstrap(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS pg_transit_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM pg_transit_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectCommit()
}

// newTestBroker wraps a sqlmock pool in a broker whose background sweeps
// never fire within the test.
func newTestBroker(t *testing.T) (*Broker, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New(
		sqlmock.MonitorPingsOption(true),
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
	)
	require.NoError(t, err)

	mock.ExpectPing()
	expectBootstrap(mock)

	cfg := DefaultConfig()
	cfg.TrimInterval = time.Hour
	cfg.ResetStaleInterval = time.Hour
	cfg.ScheduledInterval = time.Hour

	b, err := OpenDB(context.Background(), mockDB, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
		mockDB.Close()
	})

	return b, mock
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestOpenDB_BootstrapsInBackground(t *testing.T) {
	b, mock := newTestBroker(t)

	require.NoError(t, b.WaitInit(testCtx(t)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitInit_SurfacesBootstrapFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New(
		sqlmock.MonitorPingsOption(true),
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
	)
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectPing()
	mock.ExpectBegin().WillReturnError(errors.New("connection reset"))

	cfg := DefaultConfig()
	cfg.TrimInterval = time.Hour
	cfg.ResetStaleInterval = time.Hour
	cfg.ScheduledInterval = time.Hour

	b, err := OpenDB(context.Background(), mockDB, cfg)
	require.NoError(t, err)
	defer b.Close(context.Background())

	ctx := testCtx(t)

	err = b.WaitInit(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema bootstrap failed")

	// Every gated operation reports the same bootstrap failure.
	_, err = b.Stats(ctx)
	assert.Contains(t, err.Error(), "schema bootstrap failed")
}

func TestOpenDB_PingFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectPing().WillReturnError(errors.New("no route to host"))

	_, err = OpenDB(context.Background(), mockDB, DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to ping database")
}

func TestBroker_CloseIsIdempotent(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := testCtx(t)

	require.NoError(t, b.WaitInit(ctx))
	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx))

	_, err := b.Trim(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = b.Stats(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBroker_TopicHandleIsCached(t *testing.T) {
	b, _ := newTestBroker(t)

	first := b.Topic("orders", WithMaxRetention(10))
	second := b.Topic("orders", WithUnlimitedRetention())

	assert.Same(t, first, second)
	assert.Equal(t, "orders", first.Name())
}

func TestTopic_SubscribeStoredConfigWins(t *testing.T) {
	b, mock := newTestBroker(t)
	ctx := testCtx(t)
	require.NoError(t, b.WaitInit(ctx))

	topicID := "019126d8-0000-7000-8000-000000000001"
	subID := "019126d8-0000-7000-8000-000000000002"
	now := time.Now()

	mock.ExpectQuery("INSERT INTO topics").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "max_retention", "created_at"}).
			AddRow(topicID, "orders", nil, now))

	mock.ExpectBegin()
	// Insert loses: the subscription already exists.
	mock.ExpectQuery("INSERT INTO subscriptions").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "topic_id", "name", "consumption_mode", "start_position",
			"max_attempts", "retry_strategy", "retry_delay_ms", "processing", "created_at",
		}))
	mock.ExpectQuery("SELECT (.+) FROM subscriptions WHERE").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "topic_id", "name", "consumption_mode", "start_position",
			"max_attempts", "retry_strategy", "retry_delay_ms", "processing", "created_at",
		}).AddRow(subID, topicID, "workers", "parallel", "latest", 5, "exponential", 1000, false, now))
	mock.ExpectCommit()

	sub, err := b.Topic("orders").Subscribe(ctx, "workers",
		WithConsumptionMode(ModeSequential),
		WithMaxAttempts(3))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubscriptionConfigMismatch)

	var mismatch *ConfigMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "workers", mismatch.Subscription)
	assert.Equal(t, ModeSequential, mismatch.Requested.ConsumptionMode)
	assert.Equal(t, ModeParallel, mismatch.Stored.ConsumptionMode)

	// The handle is usable regardless: the stored config drives it.
	require.NotNil(t, sub)
	assert.Equal(t, "workers", sub.Name())
	assert.Equal(t, ModeParallel, sub.Mode())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTopic_SubscribeNilHandlerRejected(t *testing.T) {
	b, mock := newTestBroker(t)
	ctx := testCtx(t)
	require.NoError(t, b.WaitInit(ctx))

	topicID := "019126d8-0000-7000-8000-000000000001"
	subID := "019126d8-0000-7000-8000-000000000002"
	now := time.Now()

	mock.ExpectQuery("INSERT INTO topics").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "max_retention", "created_at"}).
			AddRow(topicID, "orders", nil, now))
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO subscriptions").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "topic_id", "name", "consumption_mode", "start_position",
			"max_attempts", "retry_strategy", "retry_delay_ms", "processing", "created_at",
		}).AddRow(subID, topicID, "workers", "sequential", "latest", 1, "linear", 0, false, now))
	mock.ExpectCommit()

	sub, err := b.Topic("orders").Subscribe(ctx, "workers")
	require.NoError(t, err)

	_, err = sub.Consume(nil)
	assert.ErrorIs(t, err, errNilHandler)
}

func TestBroker_ClosedTopicOperationsFail(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := testCtx(t)

	require.NoError(t, b.WaitInit(ctx))
	topic := b.Topic("orders")
	require.NoError(t, b.Close(ctx))

	_, err := topic.Send(ctx, map[string]int{"n": 1})
	assert.ErrorIs(t, err, ErrClosed)
}
