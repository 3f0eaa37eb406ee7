package postgres

import (
	"context"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS items (
	id               UUID PRIMARY KEY,
	fqdn             TEXT NOT NULL UNIQUE,
	status           TEXT NOT NULL,
	priority         INT NOT NULL DEFAULT 5,
	retry_count      INT NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
	source           TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	crawl_result     JSONB,
	lease_worker     TEXT,
	lease_claimed_at TIMESTAMPTZ,
	lease_expected   TEXT,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS items_claim_idx ON items (status, priority DESC, updated_at ASC)`,
	`CREATE TABLE IF NOT EXISTS feeds (
	id                     UUID PRIMARY KEY,
	name                   TEXT NOT NULL,
	url                    TEXT NOT NULL,
	source_type            TEXT NOT NULL,
	is_active              BOOLEAN NOT NULL DEFAULT TRUE,
	fetch_interval_minutes INT NOT NULL CHECK (fetch_interval_minutes > 0),
	last_fetched_at        TIMESTAMPTZ,
	last_status            TEXT NOT NULL DEFAULT 'idle',
	last_error             TEXT NOT NULL DEFAULT '',
	total_items_found      BIGINT NOT NULL DEFAULT 0,
	created_at             TIMESTAMPTZ NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS policies (
	id         UUID PRIMARY KEY,
	pattern    TEXT NOT NULL,
	type       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (pattern, type)
)`,
	`CREATE TABLE IF NOT EXISTS categories (
	id          UUID PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	is_system   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS categories_name_idx ON categories (lower(name))`,
	`CREATE TABLE IF NOT EXISTS kb_items (
	fqdn          TEXT PRIMARY KEY,
	item_id       UUID NOT NULL,
	category      TEXT NOT NULL,
	is_malicious  BOOLEAN NOT NULL DEFAULT FALSE,
	confidence    DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (confidence >= 0 AND confidence <= 1),
	summary       TEXT NOT NULL DEFAULT '',
	vector_status TEXT NOT NULL DEFAULT 'pending',
	vector_error  TEXT NOT NULL DEFAULT '',
	revision      BIGINT NOT NULL DEFAULT 1,
	crawled_at    TIMESTAMPTZ,
	analyzed_at   TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS kb_items_category_idx ON kb_items (category)`,
	`CREATE INDEX IF NOT EXISTS kb_items_vector_idx ON kb_items (vector_status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS pipeline_logs (
	id      UUID PRIMARY KEY,
	item_id UUID,
	stage   TEXT NOT NULL,
	level   TEXT NOT NULL,
	message TEXT NOT NULL,
	ts      TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS pipeline_logs_item_idx ON pipeline_logs (item_id, ts DESC)`,
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return dbErr("migrate", err)
		}
	}
	return nil
}
