package persistence

import (
	"database/sql"
)

// NewPostgresStore initializes the required schema in the given database
// and returns a SQLStore for it.
//
// It expects an *sql.DB that uses a PostgreSQL driver. The caller is
// responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open("pgx", dsn).
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, "pgx", postgresSchema)
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		definition_id TEXT NOT NULL,
		definition_version INTEGER NOT NULL,
		state TEXT NOT NULL,
		correlation_key TEXT NOT NULL DEFAULT '',
		exclusive_key TEXT NOT NULL DEFAULT '',
		revision BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		body BYTEA
	)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_correlation ON instances(correlation_key, state)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_definition ON instances(definition_id, state)`,
	`CREATE TABLE IF NOT EXISTS correlation_keys (
		claim_key TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS timers (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		node_id TEXT NOT NULL DEFAULT '',
		token_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		fire_at BIGINT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		retries INTEGER NOT NULL DEFAULT 0,
		calendar TEXT NOT NULL DEFAULT '',
		override_blackout INTEGER NOT NULL DEFAULT 0,
		shard INTEGER NOT NULL DEFAULT 0,
		payload BYTEA
	)`,
	`CREATE INDEX IF NOT EXISTS idx_timers_fire_at ON timers(fire_at, priority DESC, id)`,
	`CREATE INDEX IF NOT EXISTS idx_timers_instance ON timers(instance_id)`,
	`CREATE TABLE IF NOT EXISTS leases (
		lock_key TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS instance_events (
		id BIGSERIAL PRIMARY KEY,
		instance_id TEXT NOT NULL,
		at BIGINT NOT NULL,
		type TEXT NOT NULL,
		definition_id TEXT NOT NULL DEFAULT '',
		definition_version INTEGER NOT NULL DEFAULT 0,
		node_id TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_instance_events_instance_id ON instance_events(instance_id, id)`,
}
