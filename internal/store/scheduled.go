package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const scheduledColumns = `id, topic_id, name, payload, cron, next_occurrence_at, deliver_at, deliver_in_ms, priority, repeats, repeats_made, created_at, updated_at`

// ScheduleInput describes one named schedule on a topic. Options are
// inherited by every message the schedule materializes; Repeats nil means
// fire forever.
type ScheduleInput struct {
	Name    string
	Cron    string
	Payload json.RawMessage
	Repeats *int
	Options MessageOptions
}

// UpsertScheduledMessage creates or replaces the schedule keyed by
// (topic, name). Replacing recomputes the next occurrence from now but
// keeps the fire counter, so a repeats cap is never reset by an upsert.
func (s *Store) UpsertScheduledMessage(ctx context.Context, topicID uuid.UUID, in ScheduleInput) (*ScheduledMessage, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("schedule name is required")
	}
	if in.Repeats != nil && *in.Repeats < 1 {
		return nil, fmt.Errorf("repeats must be >= 1, got %d", *in.Repeats)
	}

	next, err := NextOccurrence(in.Cron, timeNow())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate schedule id: %w", err)
	}

	query := `
		INSERT INTO scheduled_messages (id, topic_id, name, payload, cron, next_occurrence_at, deliver_at, deliver_in_ms, priority, repeats)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (topic_id, name) DO UPDATE SET
			payload = EXCLUDED.payload,
			cron = EXCLUDED.cron,
			next_occurrence_at = EXCLUDED.next_occurrence_at,
			deliver_at = EXCLUDED.deliver_at,
			deliver_in_ms = EXCLUDED.deliver_in_ms,
			priority = EXCLUDED.priority,
			repeats = EXCLUDED.repeats,
			updated_at = now()
		RETURNING ` + scheduledColumns

	var deliverInMS *int64
	if in.Options.DeliverIn != nil {
		ms := in.Options.DeliverIn.Milliseconds()
		deliverInMS = &ms
	}

	sm, err := scanScheduledMessage(s.db.QueryRowxContext(ctx, query,
		id, topicID, in.Name, []byte(in.Payload), in.Cron, next,
		in.Options.DeliverAt, deliverInMS, in.Options.Priority, in.Repeats))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert schedule %q: %w", in.Name, err)
	}

	return sm, nil
}

// ListScheduledMessages returns the topic's schedules ordered by name.
func (s *Store) ListScheduledMessages(ctx context.Context, topicID uuid.UUID) ([]ScheduledMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_messages WHERE topic_id = $1 ORDER BY name ASC`,
		topicID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []ScheduledMessage
	for rows.Next() {
		sm, err := scanScheduledMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, *sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}

	return schedules, nil
}

// RemoveScheduledMessage deletes the schedule keyed by (topic, name).
func (s *Store) RemoveScheduledMessage(ctx context.Context, topicID uuid.UUID, name string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_messages WHERE topic_id = $1 AND name = $2`, topicID, name)
	if err != nil {
		return fmt.Errorf("failed to remove schedule %q: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrScheduleNotFound
	}

	return nil
}

// processDueSQL claims due schedules that still have fires left. Skip
// locked keeps concurrent sweeps from firing the same occurrence twice.
const processDueSQL = `
	SELECT ` + scheduledColumns + `
	FROM scheduled_messages
	WHERE next_occurrence_at <= now()
	  AND (repeats IS NULL OR repeats_made < repeats)
	ORDER BY next_occurrence_at ASC
	FOR UPDATE SKIP LOCKED`

// ProcessDueSchedules materializes one message per due schedule and
// advances each schedule past the occurrence that fired, all in one
// transaction. A rollback leaves the rows due, so firing is at-least-once
// per occurrence. Returns the number of schedules fired.
func (s *Store) ProcessDueSchedules(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryxContext(ctx, processDueSQL)
	if err != nil {
		return 0, fmt.Errorf("failed to select due schedules: %w", err)
	}

	var due []ScheduledMessage
	for rows.Next() {
		sm, err := scanScheduledMessage(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan due schedule: %w", err)
		}
		due = append(due, *sm)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating due schedules: %w", err)
	}

	fired := 0
	for _, sm := range due {
		// The occurrence chain follows the stored anchor, not the wall
		// clock, so a sweep that comes late does not silently skip
		// occurrences: they fire one per sweep until caught up.
		next, err := NextOccurrence(sm.Cron, sm.NextOccurrenceAt)
		if err != nil {
			log.Warn().Err(err).
				Str("schedule", sm.Name).
				Str("topic_id", sm.TopicID.String()).
				Msg("skipping schedule with unparseable cron")
			continue
		}

		opts := MessageOptions{DeliverAt: sm.DeliverAt, Priority: sm.Priority}
		if sm.DeliverInMS != nil {
			d := time.Duration(*sm.DeliverInMS) * time.Millisecond
			opts.DeliverIn = &d
		}

		if _, err := insertMessagesTx(ctx, tx, sm.TopicID, []json.RawMessage{sm.Payload}, opts); err != nil {
			return 0, fmt.Errorf("failed to materialize schedule %q: %w", sm.Name, err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE scheduled_messages
			SET next_occurrence_at = $2, repeats_made = repeats_made + 1, updated_at = now()
			WHERE id = $1`, sm.ID, next); err != nil {
			return 0, fmt.Errorf("failed to advance schedule %q: %w", sm.Name, err)
		}

		fired++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit scheduled messages: %w", err)
	}

	return fired, nil
}

type scheduledScanner interface {
	Scan(dest ...interface{}) error
}

func scanScheduledMessage(row scheduledScanner) (*ScheduledMessage, error) {
	var sm ScheduledMessage
	if err := row.Scan(&sm.ID, &sm.TopicID, &sm.Name, &sm.Payload, &sm.Cron,
		&sm.NextOccurrenceAt, &sm.DeliverAt, &sm.DeliverInMS, &sm.Priority,
		&sm.Repeats, &sm.RepeatsMade, &sm.CreatedAt, &sm.UpdatedAt); err != nil {
		return nil, err
	}
	return &sm, nil
}
