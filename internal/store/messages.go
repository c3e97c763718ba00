package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// fanOutSQL inserts one state row per (new message, existing subscription)
// of the topic, copying the delivery delay into available_at. The conflict
// guard absorbs the overlap with a concurrent earliest backfill.
const fanOutSQL = `
	INSERT INTO subscription_messages (subscription_id, message_id, status, attempts, available_at, stale_count)
	SELECT s.id, m.id, 'waiting', 0, m.deliver_at, 0
	FROM subscriptions s
	JOIN messages m ON m.topic_id = s.topic_id
	WHERE s.topic_id = $1 AND m.id = ANY($2::uuid[])
	ON CONFLICT DO NOTHING`

// InsertMessages writes a batch of payloads to the topic and fans each out
// to every current subscription, all in one transaction. Generated ids are
// strictly increasing in payload order.
func (s *Store) InsertMessages(ctx context.Context, topicID uuid.UUID, payloads []json.RawMessage, opts MessageOptions) ([]Message, error) {
	if len(payloads) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout*time.Duration(len(payloads)/100+1))
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	msgs, err := insertMessagesTx(ctx, tx, topicID, payloads, opts)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit messages: %w", err)
	}

	return msgs, nil
}

// insertMessagesTx is the writer core, shared with the scheduler which
// materializes due schedules inside its own transaction.
func insertMessagesTx(ctx context.Context, tx *sqlx.Tx, topicID uuid.UUID, payloads []json.RawMessage, opts MessageOptions) ([]Message, error) {
	deliverAt := opts.deliverAtValue(timeNow())

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, topic_id, payload, priority, deliver_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	msgs := make([]Message, 0, len(payloads))
	ids := make([]string, 0, len(payloads))
	for _, payload := range payloads {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate message id: %w", err)
		}

		m := Message{
			ID:        id,
			TopicID:   topicID,
			Payload:   payload,
			Priority:  opts.Priority,
			DeliverAt: deliverAt,
		}
		if err := stmt.QueryRowContext(ctx,
			m.ID, m.TopicID, []byte(m.Payload), m.Priority, m.DeliverAt).
			Scan(&m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to insert message: %w", err)
		}

		msgs = append(msgs, m)
		ids = append(ids, id.String())
	}

	if _, err := tx.ExecContext(ctx, fanOutSQL, topicID, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to fan out messages: %w", err)
	}

	return msgs, nil
}
