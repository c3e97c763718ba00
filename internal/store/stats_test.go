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

func TestStats_AggregatesPerTopicAndSubscription(t *testing.T) {
	s, mock := newMockStore(t)

	topicID := uuid.New()
	subID := uuid.New()
	now := time.Now()

	mock.ExpectQuery("FROM topics ORDER BY name").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "max_retention", "created_at"}).
			AddRow(topicID, "orders", nil, now))
	mock.ExpectQuery("FROM messages GROUP BY topic_id").
		WillReturnRows(sqlmock.NewRows([]string{"topic_id", "count"}).AddRow(topicID, 12))
	mock.ExpectQuery("FROM scheduled_messages GROUP BY topic_id").
		WillReturnRows(sqlmock.NewRows([]string{"topic_id", "count"}).AddRow(topicID, 2))
	mock.ExpectQuery("FROM subscriptions ORDER BY name").
		WillReturnRows(subscriptionRow(subID, topicID, "workers", DefaultSubscriptionConfig()))
	mock.ExpectQuery("GROUP BY subscription_id, status").
		WillReturnRows(sqlmock.NewRows([]string{"subscription_id", "status", "count"}).
			AddRow(subID, "waiting", 3).
			AddRow(subID, "completed", 9))

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)

	ts := stats[0]
	assert.Equal(t, "orders", ts.Topic.Name)
	assert.Equal(t, int64(12), ts.MessageCount)
	assert.Equal(t, int64(2), ts.ScheduleCount)
	require.Len(t, ts.Subscriptions, 1)
	assert.Equal(t, int64(3), ts.Subscriptions[0].Counts[StatusWaiting])
	assert.Equal(t, int64(9), ts.Subscriptions[0].Counts[StatusCompleted])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStats_SubscriptionWithoutMessages(t *testing.T) {
	s, mock := newMockStore(t)

	topicID := uuid.New()
	subID := uuid.New()

	mock.ExpectQuery("FROM topics ORDER BY name").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "max_retention", "created_at"}).
			AddRow(topicID, "idle", nil, time.Now()))
	mock.ExpectQuery("FROM messages GROUP BY topic_id").
		WillReturnRows(sqlmock.NewRows([]string{"topic_id", "count"}))
	mock.ExpectQuery("FROM scheduled_messages GROUP BY topic_id").
		WillReturnRows(sqlmock.NewRows([]string{"topic_id", "count"}))
	mock.ExpectQuery("FROM subscriptions ORDER BY name").
		WillReturnRows(subscriptionRow(subID, topicID, "workers", DefaultSubscriptionConfig()))
	mock.ExpectQuery("GROUP BY subscription_id, status").
		WillReturnRows(sqlmock.NewRows([]string{"subscription_id", "status", "count"}))

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Len(t, stats[0].Subscriptions, 1)
	assert.NotNil(t, stats[0].Subscriptions[0].Counts)
	assert.Zero(t, stats[0].Subscriptions[0].Counts[StatusWaiting])
	assert.NoError(t, mock.ExpectationsWereMet())
}
