package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const subscriptionColumns = `id, topic_id, name, consumption_mode, start_position, max_attempts, retry_strategy, retry_delay_ms, processing, created_at`

// backfillSQL seeds an earliest subscription with one waiting row per
// message already in the topic. Runs in the creation transaction; the
// conflict guard absorbs the overlap with a concurrent send fan-out.
const backfillSQL = `
	INSERT INTO subscription_messages (subscription_id, message_id, status, attempts, available_at, stale_count)
	SELECT $1, m.id, 'waiting', 0, m.deliver_at, 0
	FROM messages m
	WHERE m.topic_id = $2
	ON CONFLICT DO NOTHING`

// CreateSubscription inserts the subscription if absent and reports whether
// this call created it. When the row already exists the stored config wins
// and is returned untouched; the caller decides how to surface divergence.
// A created earliest subscription is backfilled in the same transaction.
func (s *Store) CreateSubscription(ctx context.Context, topicID uuid.UUID, name string, cfg SubscriptionConfig) (*Subscription, bool, error) {
	if name == "" {
		return nil, false, fmt.Errorf("subscription name is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid subscription config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate subscription id: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO subscriptions (id, topic_id, name, consumption_mode, start_position, max_attempts, retry_strategy, retry_delay_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (topic_id, name) DO NOTHING
		RETURNING ` + subscriptionColumns

	sub, err := scanSubscription(tx.QueryRowxContext(ctx, query,
		id, topicID, name,
		string(cfg.ConsumptionMode), string(cfg.StartPosition),
		cfg.MaxAttempts, string(cfg.RetryStrategy), cfg.RetryDelayMS))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to insert subscription: %w", err)
		}

		sub, err = scanSubscription(tx.QueryRowxContext(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions WHERE topic_id = $1 AND name = $2`,
			topicID, name))
		if err != nil {
			return nil, false, fmt.Errorf("failed to load subscription %q: %w", name, err)
		}

		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit: %w", err)
		}
		return sub, false, nil
	}

	if cfg.StartPosition == StartEarliest {
		if _, err := tx.ExecContext(ctx, backfillSQL, sub.ID, topicID); err != nil {
			return nil, false, fmt.Errorf("failed to backfill subscription %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit subscription: %w", err)
	}

	return sub, true, nil
}

// GetSubscription looks a subscription up by topic and name. Returns
// ErrSubscriptionNotFound when absent.
func (s *Store) GetSubscription(ctx context.Context, topicID uuid.UUID, name string) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sub, err := scanSubscription(s.db.QueryRowxContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE topic_id = $1 AND name = $2`,
		topicID, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription %q: %w", name, err)
	}

	return sub, nil
}

// ListSubscriptions returns the topic's subscriptions ordered by name.
func (s *Store) ListSubscriptions(ctx context.Context, topicID uuid.UUID) ([]Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE topic_id = $1 ORDER BY name ASC`,
		topicID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}

	return subs, nil
}

// RemoveSubscription deletes the subscription and cascades to its state rows.
func (s *Store) RemoveSubscription(ctx context.Context, subscriptionID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to remove subscription: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSubscriptionNotFound
	}

	return nil
}

// ListSubscriptionMessages returns the subscription's state rows joined
// with their payloads, in insertion order, optionally filtered by status.
func (s *Store) ListSubscriptionMessages(ctx context.Context, subscriptionID uuid.UUID, statuses []Status) ([]SubscriptionMessage, error) {
	for _, st := range statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("invalid status filter: %q", st)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT sm.subscription_id, sm.message_id, m.payload, sm.status, sm.attempts,
		       sm.available_at, sm.error_stack, sm.last_heartbeat_at, sm.progress,
		       sm.stale_count, sm.created_at
		FROM subscription_messages sm
		JOIN messages m ON m.id = sm.message_id
		WHERE sm.subscription_id = $1`
	args := []interface{}{subscriptionID}

	if len(statuses) > 0 {
		filter := make([]string, len(statuses))
		for i, st := range statuses {
			filter[i] = string(st)
		}
		query += ` AND sm.status = ANY($2::message_status[])`
		args = append(args, pq.Array(filter))
	}
	query += ` ORDER BY sm.message_id ASC`

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription messages: %w", err)
	}
	defer rows.Close()

	var msgs []SubscriptionMessage
	for rows.Next() {
		var sm SubscriptionMessage
		if err := rows.Scan(&sm.SubscriptionID, &sm.MessageID, &sm.Payload, &sm.Status,
			&sm.Attempts, &sm.AvailableAt, &sm.ErrorStack, &sm.LastHeartbeatAt,
			(*[]byte)(&sm.Progress), &sm.StaleCount, &sm.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription message: %w", err)
		}
		msgs = append(msgs, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscription messages: %w", err)
	}

	return msgs, nil
}

// RetryMessage forces a failed row back to waiting, immediately available.
// Attempt accounting is deliberately untouched, so a row that already
// exhausted max_attempts fails again after a single further attempt.
func (s *Store) RetryMessage(ctx context.Context, subscriptionID, messageID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		UPDATE subscription_messages
		SET status = 'waiting', available_at = NULL, error_stack = NULL
		WHERE subscription_id = $1 AND message_id = $2 AND status = 'failed'`

	res, err := s.db.ExecContext(ctx, query, subscriptionID, messageID)
	if err != nil {
		return fmt.Errorf("failed to retry message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFailed
	}

	return nil
}

type subscriptionScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row subscriptionScanner) (*Subscription, error) {
	var sub Subscription
	if err := row.Scan(&sub.ID, &sub.TopicID, &sub.Name,
		&sub.ConsumptionMode, &sub.StartPosition, &sub.MaxAttempts,
		&sub.RetryStrategy, &sub.RetryDelayMS, &sub.Processing, &sub.CreatedAt); err != nil {
		return nil, err
	}
	return &sub, nil
}
