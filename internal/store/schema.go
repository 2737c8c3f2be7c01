package store

import (
	"context"
	"fmt"
)

// Schema statements kept portable between Postgres and sqlite: plain
// TEXT/INTEGER/TIMESTAMP columns, no serial ids (ids are uuids).
var schema = []string{
	`CREATE TABLE IF NOT EXISTS fluxo_agendamentos (
		id            TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		flow_id       TEXT,
		user_id       TEXT NOT NULL DEFAULT '',
		remote_jid    TEXT NOT NULL DEFAULT '',
		instance_id   TEXT,
		instance_name TEXT,
		action_kind   TEXT NOT NULL,
		payload       TEXT NOT NULL DEFAULT '{}',
		status        TEXT NOT NULL DEFAULT 'pending',
		due_at        TIMESTAMP NOT NULL,
		attempts      INTEGER NOT NULL DEFAULT 0,
		max_attempts  INTEGER NOT NULL DEFAULT 5,
		last_error    TEXT,
		locked_at     TIMESTAMP,
		locked_by     TEXT,
		created_at    TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agendamentos_claim
		ON fluxo_agendamentos (status, due_at)`,
	`CREATE TABLE IF NOT EXISTS fluxo_esperas (
		id                 TEXT PRIMARY KEY,
		flow_id            TEXT NOT NULL,
		node_id            TEXT NOT NULL,
		connection_id      TEXT NOT NULL,
		user_id            TEXT NOT NULL DEFAULT '',
		remote_jid         TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT 'pending',
		expires_at         TIMESTAMP NOT NULL,
		answered_target_id TEXT,
		no_reply_target_id TEXT,
		followup_text      TEXT,
		instance_id        TEXT,
		instance_name      TEXT,
		created_at         TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_esperas_claim
		ON fluxo_esperas (status, expires_at)`,
	`CREATE TABLE IF NOT EXISTS fluxo_nos (
		id      TEXT PRIMARY KEY,
		flow_id TEXT NOT NULL,
		type    TEXT NOT NULL,
		ordem   INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS fluxo_arestas (
		id        TEXT PRIMARY KEY,
		flow_id   TEXT NOT NULL,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		data      TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS mensagens (
		connection_id TEXT NOT NULL,
		flow_id       TEXT,
		user_id       TEXT NOT NULL DEFAULT '',
		para          TEXT NOT NULL,
		direcao       TEXT NOT NULL,
		conteudo      TEXT NOT NULL DEFAULT '{}',
		timestamp     TIMESTAMP NOT NULL
	)`,
}

// Migrate creates the worker's tables when they do not exist yet. The
// flow tables are owned by the application that edits flows; creating
// them here only matters for local sqlite databases and tests.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
