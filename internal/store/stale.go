package store

import (
	"context"
	"fmt"
	"time"
)

// resetStaleSQL sweeps every processing row whose heartbeat lapsed. The
// first lapse reopens the row, the second one is terminal. Gates of the
// affected subscriptions drop in the same statement, which is also how a
// sequential gate orphaned by a crashed process gets released.
const resetStaleSQL = `
	WITH lapsed AS (
		UPDATE subscription_messages sm
		SET status = (CASE WHEN sm.stale_count = 0 THEN 'waiting' ELSE 'failed' END)::message_status,
		    stale_count = sm.stale_count + 1,
		    last_heartbeat_at = NULL
		WHERE sm.status = 'processing'
		  AND sm.last_heartbeat_at <= now() - $1::bigint * interval '1 millisecond'
		RETURNING sm.subscription_id, sm.message_id, sm.status, sm.stale_count
	), cleared AS (
		UPDATE subscriptions s
		SET processing = false
		FROM (SELECT DISTINCT subscription_id FROM lapsed) l
		WHERE s.id = l.subscription_id
	)
	SELECT subscription_id, message_id, status, stale_count
	FROM lapsed
	ORDER BY subscription_id, message_id`

// ResetStale reopens or fails every message whose heartbeat is older than
// the timeout and returns the touched rows, reopened ones first-class for
// event emission.
func (s *Store) ResetStale(ctx context.Context, timeout time.Duration) ([]StaleReset, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, resetStaleSQL, timeout.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("failed to reset stale messages: %w", err)
	}
	defer rows.Close()

	var resets []StaleReset
	for rows.Next() {
		var r StaleReset
		if err := rows.Scan(&r.SubscriptionID, &r.MessageID, &r.Status, &r.StaleCount); err != nil {
			return nil, fmt.Errorf("failed to scan stale reset: %w", err)
		}
		resets = append(resets, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale resets: %w", err)
	}

	return resets, nil
}
