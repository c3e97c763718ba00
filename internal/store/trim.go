package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// trimEarliestUnackedSQL finds the oldest message the topic's
// subscriptions still owe work on. Time-ordered ids make "oldest" a plain
// id comparison.
const trimEarliestUnackedSQL = `
	SELECT sm.message_id
	FROM subscription_messages sm
	JOIN subscriptions s ON s.id = sm.subscription_id
	WHERE s.topic_id = $1 AND sm.status <> 'completed'
	ORDER BY sm.message_id ASC
	LIMIT 1`

// trimBoundarySQL finds the newest message that falls out of retention:
// skipping the max_retention freshest acknowledged messages, the next one
// down is the high-water mark and everything at or below it goes.
const trimBoundarySQL = `
	SELECT id
	FROM messages
	WHERE topic_id = $1 AND ($2::uuid IS NULL OR id < $2)
	ORDER BY id DESC
	OFFSET $3
	LIMIT 1`

const trimDeleteSQL = `
	DELETE FROM messages
	WHERE topic_id = $1 AND id <= $2`

// TrimTopic deletes acknowledged messages beyond the topic's retention,
// never touching the earliest unacknowledged one or anything newer.
// Returns the number of deleted messages. Unlimited retention is a no-op.
func (s *Store) TrimTopic(ctx context.Context, topic *Topic) (int64, error) {
	if topic.MaxRetention == nil {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin trim: %w", err)
	}
	defer tx.Rollback()

	// Earliest unacknowledged message; none means every message is fair
	// game (including the no-subscriptions case).
	var bound *uuid.UUID
	var earliest uuid.UUID
	err = tx.QueryRowxContext(ctx, trimEarliestUnackedSQL, topic.ID).Scan(&earliest)
	switch {
	case err == nil:
		bound = &earliest
	case errors.Is(err, sql.ErrNoRows):
	default:
		return 0, fmt.Errorf("failed to find earliest unacknowledged: %w", err)
	}

	var highWater uuid.UUID
	err = tx.QueryRowxContext(ctx, trimBoundarySQL, topic.ID, bound, *topic.MaxRetention).Scan(&highWater)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Fewer messages than the retention cap; nothing to trim.
			return 0, nil
		}
		return 0, fmt.Errorf("failed to find trim boundary: %w", err)
	}

	res, err := tx.ExecContext(ctx, trimDeleteSQL, topic.ID, highWater)
	if err != nil {
		return 0, fmt.Errorf("failed to delete trimmed messages: %w", err)
	}
	trimmed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count trimmed messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit trim: %w", err)
	}

	return trimmed, nil
}
