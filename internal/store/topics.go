package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const topicColumns = `id, name, max_retention, created_at`

// EnsureTopic returns the topic row for name, creating it on first
// reference. maxRetention counts acknowledged messages kept per trim; nil
// means unlimited. Topic config is immutable: when the row already exists
// the stored retention wins and the argument is ignored.
func (s *Store) EnsureTopic(ctx context.Context, name string, maxRetention *int64) (*Topic, error) {
	if name == "" {
		return nil, fmt.Errorf("topic name is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate topic id: %w", err)
	}

	query := `
		INSERT INTO topics (id, name, max_retention)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING
		RETURNING ` + topicColumns

	topic, err := scanTopic(s.db.QueryRowxContext(ctx, query, id, name, maxRetention))
	if err == nil {
		return topic, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to insert topic: %w", err)
	}

	// Lost the insert race or the topic predates us; read the stored row.
	topic, err = scanTopic(s.db.QueryRowxContext(ctx,
		`SELECT `+topicColumns+` FROM topics WHERE name = $1`, name))
	if err != nil {
		return nil, fmt.Errorf("failed to load topic %q: %w", name, err)
	}

	return topic, nil
}

// GetTopic looks a topic up by name. Returns ErrTopicNotFound when absent.
func (s *Store) GetTopic(ctx context.Context, name string) (*Topic, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	topic, err := scanTopic(s.db.QueryRowxContext(ctx,
		`SELECT `+topicColumns+` FROM topics WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTopicNotFound
		}
		return nil, fmt.Errorf("failed to get topic %q: %w", name, err)
	}

	return topic, nil
}

// ListTopics returns every topic ordered by name.
func (s *Store) ListTopics(ctx context.Context) ([]Topic, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx,
		`SELECT `+topicColumns+` FROM topics ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	defer rows.Close()

	var topics []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.Name, &t.MaxRetention, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating topics: %w", err)
	}

	return topics, nil
}

// RemoveTopic deletes the topic and, through cascades, its messages,
// subscriptions, and schedules.
func (s *Store) RemoveTopic(ctx context.Context, topicID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM topics WHERE id = $1`, topicID)
	if err != nil {
		return fmt.Errorf("failed to remove topic: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTopicNotFound
	}

	return nil
}

// ClearTopic deletes every message of the topic; subscription state rows
// follow by cascade. Subscriptions and schedules survive.
func (s *Store) ClearTopic(ctx context.Context, topicID uuid.UUID) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE topic_id = $1`, topicID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear topic: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared messages: %w", err)
	}

	return n, nil
}

// ListMessages returns the topic's messages in insertion order.
func (s *Store) ListMessages(ctx context.Context, topicID uuid.UUID) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT id, topic_id, payload, priority, deliver_at, created_at
		FROM messages
		WHERE topic_id = $1
		ORDER BY id ASC`

	rows, err := s.db.QueryxContext(ctx, query, topicID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TopicID, &m.Payload, &m.Priority, &m.DeliverAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return msgs, nil
}

type topicScanner interface {
	Scan(dest ...interface{}) error
}

func scanTopic(row topicScanner) (*Topic, error) {
	var t Topic
	if err := row.Scan(&t.ID, &t.Name, &t.MaxRetention, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
