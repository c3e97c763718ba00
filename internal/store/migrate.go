package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// migrationLockKey is the advisory lock shared by every process running
// migrations against the same database. Spells "transit".
const migrationLockKey int64 = 0x7472616E736974

// migrationsTableSQL bootstraps the registry itself and is applied outside
// the versioned list.
const migrationsTableSQL = `
	CREATE TABLE IF NOT EXISTS pg_transit_migrations (
		version    integer PRIMARY KEY,
		name       text NOT NULL,
		applied_at timestamptz NOT NULL DEFAULT now()
	)`

type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations are applied in declared order inside a single transaction.
// Append-only: released versions are never edited.
var migrations = []migration{
	{
		version: 1,
		name:    "initial_schema",
		stmts: []string{
			`DO $$ BEGIN
				CREATE TYPE message_status AS ENUM ('waiting', 'processing', 'completed', 'failed');
			EXCEPTION WHEN duplicate_object THEN NULL;
			END $$`,
			`CREATE TABLE IF NOT EXISTS topics (
				id            uuid PRIMARY KEY,
				name          text NOT NULL UNIQUE,
				max_retention bigint,
				created_at    timestamptz NOT NULL DEFAULT now()
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id         uuid PRIMARY KEY,
				topic_id   uuid NOT NULL REFERENCES topics (id) ON DELETE CASCADE,
				payload    json NOT NULL,
				priority   integer,
				deliver_at timestamptz,
				created_at timestamptz NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS messages_topic_id_id_idx
				ON messages (topic_id, id)`,
			`CREATE TABLE IF NOT EXISTS scheduled_messages (
				id                 uuid PRIMARY KEY,
				topic_id           uuid NOT NULL REFERENCES topics (id) ON DELETE CASCADE,
				name               text NOT NULL,
				payload            json NOT NULL,
				cron               text NOT NULL,
				next_occurrence_at timestamptz NOT NULL,
				deliver_at         timestamptz,
				deliver_in_ms      bigint,
				priority           integer,
				repeats            integer,
				repeats_made       integer NOT NULL DEFAULT 0,
				created_at         timestamptz NOT NULL DEFAULT now(),
				updated_at         timestamptz NOT NULL DEFAULT now(),
				UNIQUE (topic_id, name)
			)`,
			`CREATE TABLE IF NOT EXISTS subscriptions (
				id               uuid PRIMARY KEY,
				topic_id         uuid NOT NULL REFERENCES topics (id) ON DELETE CASCADE,
				name             text NOT NULL,
				consumption_mode text NOT NULL CHECK (consumption_mode IN ('sequential', 'parallel')),
				start_position   text NOT NULL CHECK (start_position IN ('earliest', 'latest')),
				max_attempts     integer NOT NULL CHECK (max_attempts >= 1),
				retry_strategy   text NOT NULL CHECK (retry_strategy IN ('linear', 'exponential')),
				retry_delay_ms   bigint NOT NULL CHECK (retry_delay_ms >= 0),
				processing       boolean NOT NULL DEFAULT false,
				created_at       timestamptz NOT NULL DEFAULT now(),
				UNIQUE (topic_id, name)
			)`,
			`CREATE TABLE IF NOT EXISTS subscription_messages (
				subscription_id   uuid NOT NULL REFERENCES subscriptions (id) ON DELETE CASCADE,
				message_id        uuid NOT NULL REFERENCES messages (id) ON DELETE CASCADE,
				status            message_status NOT NULL DEFAULT 'waiting',
				attempts          integer NOT NULL DEFAULT 0,
				available_at      timestamptz,
				error_stack       text,
				last_heartbeat_at timestamptz,
				progress          jsonb,
				stale_count       integer NOT NULL DEFAULT 0,
				created_at        timestamptz NOT NULL DEFAULT now(),
				PRIMARY KEY (subscription_id, message_id)
			)`,
			`CREATE INDEX IF NOT EXISTS subscription_messages_reserve_idx
				ON subscription_messages (subscription_id, available_at)
				WHERE status = 'waiting'`,
			`CREATE INDEX IF NOT EXISTS subscription_messages_message_id_idx
				ON subscription_messages (message_id)`,
		},
	},
}

// EnsureSchema applies every not-yet-recorded migration in version order,
// serialized across processes by a transactional advisory lock. A process
// that loses the race observes the recorded versions and commits a no-op.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout*time.Duration(len(migrations)+1))
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}

	if _, err := tx.ExecContext(ctx, migrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations registry: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := tx.QueryxContext(ctx, `SELECT version FROM pg_transit_migrations`)
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating migration versions: %w", err)
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}

		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pg_transit_migrations (version, name) VALUES ($1, $2)`,
			m.version, m.name); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		log.Info().Int("version", m.version).Str("name", m.name).Msg("applied schema migration")
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}

	return nil
}
