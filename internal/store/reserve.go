package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// reserveCandidatesSQL picks the next deliverable rows for one
// subscription: waiting, past any delivery delay, best priority first
// (lower number wins, none sorts last), then insertion order. The row
// locks are held until commit so competing reservations skip them.
const reserveCandidatesSQL = `
	SELECT sm.message_id, m.payload, m.priority, m.created_at
	FROM subscription_messages sm
	JOIN messages m ON m.id = sm.message_id
	WHERE sm.subscription_id = $1
	  AND sm.status = 'waiting'
	  AND (sm.available_at IS NULL OR sm.available_at <= now())
	ORDER BY m.priority ASC NULLS LAST, m.id ASC
	LIMIT $2
	FOR UPDATE OF sm SKIP LOCKED`

// reserveTransitionSQL moves the picked rows into processing with a fresh
// heartbeat and a bumped attempt counter. Progress restarts every attempt.
const reserveTransitionSQL = `
	UPDATE subscription_messages
	SET status = 'processing', attempts = attempts + 1, last_heartbeat_at = now(), progress = NULL
	WHERE subscription_id = $1 AND message_id = ANY($2::uuid[])
	RETURNING message_id, attempts, last_heartbeat_at`

// ReserveNext reserves up to limit messages for the subscription in one
// transaction. Sequential mode reserves at most one message and only while
// no other is in flight: the subscription row lock serializes reservation
// across processes and the processing flag advertises the in-flight state.
func (s *Store) ReserveNext(ctx context.Context, sub *Subscription, limit int) ([]ReservedMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	sequential := sub.ConsumptionMode == ModeSequential
	if sequential {
		limit = 1
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reservation: %w", err)
	}
	defer tx.Rollback()

	if sequential {
		var gate bool
		err := tx.QueryRowxContext(ctx,
			`SELECT processing FROM subscriptions WHERE id = $1 FOR UPDATE`, sub.ID).
			Scan(&gate)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrSubscriptionNotFound
			}
			return nil, fmt.Errorf("failed to lock subscription: %w", err)
		}
		if gate {
			// Another message is in flight somewhere; nothing to reserve.
			return nil, nil
		}
	}

	reserved, err := reserveCandidates(ctx, tx, sub, limit)
	if err != nil {
		return nil, err
	}
	if len(reserved) == 0 {
		return nil, nil
	}

	if sequential {
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET processing = true WHERE id = $1`, sub.ID); err != nil {
			return nil, fmt.Errorf("failed to raise sequential gate: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}

	return reserved, nil
}

func reserveCandidates(ctx context.Context, tx *sqlx.Tx, sub *Subscription, limit int) ([]ReservedMessage, error) {
	rows, err := tx.QueryxContext(ctx, reserveCandidatesSQL, sub.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select candidates: %w", err)
	}

	var reserved []ReservedMessage
	var ids []string
	for rows.Next() {
		rm := ReservedMessage{SubscriptionID: sub.ID}
		if err := rows.Scan(&rm.MessageID, &rm.Payload, &rm.Priority, &rm.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		reserved = append(reserved, rm)
		ids = append(ids, rm.MessageID.String())
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidates: %w", err)
	}
	if len(reserved) == 0 {
		return nil, nil
	}

	type transition struct {
		attempts    int
		heartbeatAt time.Time
	}
	transitions := make(map[uuid.UUID]transition, len(reserved))

	trows, err := tx.QueryxContext(ctx, reserveTransitionSQL, sub.ID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to transition candidates: %w", err)
	}
	for trows.Next() {
		var id uuid.UUID
		var t transition
		if err := trows.Scan(&id, &t.attempts, &t.heartbeatAt); err != nil {
			trows.Close()
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		transitions[id] = t
	}
	trows.Close()
	if err := trows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	for i := range reserved {
		t, ok := transitions[reserved[i].MessageID]
		if !ok {
			return nil, fmt.Errorf("reserved message %s vanished mid-transaction", reserved[i].MessageID)
		}
		reserved[i].Attempts = t.attempts
		reserved[i].LastHeartbeatAt = t.heartbeatAt
	}

	return reserved, nil
}

// Complete acknowledges a processing message. In sequential mode the gate
// drops in the same transaction, letting the next reservation through.
func (s *Store) Complete(ctx context.Context, sub *Subscription, messageID uuid.UUID) error {
	query := `
		UPDATE subscription_messages
		SET status = 'completed'
		WHERE subscription_id = $1 AND message_id = $2 AND status = 'processing'`

	return s.concludeMessage(ctx, sub, func(ctx context.Context, tx *sqlx.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, query, sub.ID, messageID)
	})
}

// Fail records a handler failure. While attempts remain the row goes back
// to waiting with a strategy-dependent delay; otherwise it turns terminal
// and keeps the failure cause. attempts is the counter exposed by the
// reservation being concluded.
func (s *Store) Fail(ctx context.Context, sub *Subscription, messageID uuid.UUID, attempts int, cause string) error {
	if attempts >= sub.MaxAttempts {
		query := `
			UPDATE subscription_messages
			SET status = 'failed', available_at = NULL, error_stack = $3
			WHERE subscription_id = $1 AND message_id = $2 AND status = 'processing'`

		return s.concludeMessage(ctx, sub, func(ctx context.Context, tx *sqlx.Tx) (sql.Result, error) {
			return tx.ExecContext(ctx, query, sub.ID, messageID, cause)
		})
	}

	availableAt := timeNow().Add(RetryDelay(sub.RetryStrategy, sub.RetryDelayMS, attempts))
	query := `
		UPDATE subscription_messages
		SET status = 'waiting', available_at = $3
		WHERE subscription_id = $1 AND message_id = $2 AND status = 'processing'`

	return s.concludeMessage(ctx, sub, func(ctx context.Context, tx *sqlx.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, query, sub.ID, messageID, availableAt)
	})
}

// concludeMessage runs one lifecycle-ending update and, in sequential
// mode, clears the gate in the same transaction. The update is guarded on
// processing status: when a stale sweep already took the row away the
// conclusion must not apply, and the gate stays whatever the sweep left.
func (s *Store) concludeMessage(ctx context.Context, sub *Subscription, update func(context.Context, *sqlx.Tx) (sql.Result, error)) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := update(ctx, tx)
	if err != nil {
		return fmt.Errorf("failed to update subscription message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotProcessing
	}

	if sub.ConsumptionMode == ModeSequential {
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET processing = false WHERE id = $1`, sub.ID); err != nil {
			return fmt.Errorf("failed to clear sequential gate: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conclusion: %w", err)
	}

	return nil
}

// Heartbeat refreshes the liveness timestamp of an in-flight message.
func (s *Store) Heartbeat(ctx context.Context, subscriptionID, messageID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		UPDATE subscription_messages
		SET last_heartbeat_at = now()
		WHERE subscription_id = $1 AND message_id = $2 AND status = 'processing'`

	res, err := s.db.ExecContext(ctx, query, subscriptionID, messageID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotProcessing
	}

	return nil
}

// UpdateProgress stores handler-reported progress on an in-flight message.
func (s *Store) UpdateProgress(ctx context.Context, subscriptionID, messageID uuid.UUID, progress []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		UPDATE subscription_messages
		SET progress = $3
		WHERE subscription_id = $1 AND message_id = $2 AND status = 'processing'`

	res, err := s.db.ExecContext(ctx, query, subscriptionID, messageID, progress)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotProcessing
	}

	return nil
}
