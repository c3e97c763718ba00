package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// SubscriptionStats pairs a subscription with its per-status row counts.
type SubscriptionStats struct {
	Subscription Subscription
	Counts       map[Status]int64
}

// TopicStats aggregates one topic: stored message count plus the state of
// every subscription.
type TopicStats struct {
	Topic         Topic
	MessageCount  int64
	ScheduleCount int64
	Subscriptions []SubscriptionStats
}

// Stats aggregates the whole broker state, ordered by topic name.
func (s *Store) Stats(ctx context.Context) ([]TopicStats, error) {
	topics, err := s.ListTopics(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	messageCounts, err := s.countByTopic(ctx,
		`SELECT topic_id, COUNT(*) FROM messages GROUP BY topic_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}

	scheduleCounts, err := s.countByTopic(ctx,
		`SELECT topic_id, COUNT(*) FROM scheduled_messages GROUP BY topic_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to count schedules: %w", err)
	}

	subs, err := s.listAllSubscriptions(ctx)
	if err != nil {
		return nil, err
	}

	statusCounts, err := s.countByStatus(ctx)
	if err != nil {
		return nil, err
	}

	stats := make([]TopicStats, 0, len(topics))
	for _, t := range topics {
		ts := TopicStats{
			Topic:         t,
			MessageCount:  messageCounts[t.ID],
			ScheduleCount: scheduleCounts[t.ID],
		}
		for _, sub := range subs[t.ID] {
			counts := statusCounts[sub.ID]
			if counts == nil {
				counts = make(map[Status]int64)
			}
			ts.Subscriptions = append(ts.Subscriptions, SubscriptionStats{
				Subscription: sub,
				Counts:       counts,
			})
		}
		stats = append(stats, ts)
	}

	return stats, nil
}

func (s *Store) countByTopic(ctx context.Context, query string) (map[uuid.UUID]int64, error) {
	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int64)
	for rows.Next() {
		var id uuid.UUID
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan topic count: %w", err)
		}
		counts[id] = n
	}

	return counts, rows.Err()
}

func (s *Store) listAllSubscriptions(ctx context.Context) (map[uuid.UUID][]Subscription, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := make(map[uuid.UUID][]Subscription)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs[sub.TopicID] = append(subs[sub.TopicID], *sub)
	}

	return subs, rows.Err()
}

func (s *Store) countByStatus(ctx context.Context) (map[uuid.UUID]map[Status]int64, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT subscription_id, status, COUNT(*)
		FROM subscription_messages
		GROUP BY subscription_id, status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count subscription messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]map[Status]int64)
	for rows.Next() {
		var id uuid.UUID
		var st Status
		var n int64
		if err := rows.Scan(&id, &st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		if counts[id] == nil {
			counts[id] = make(map[Status]int64)
		}
		counts[id][st] = n
	}

	return counts, rows.Err()
}
