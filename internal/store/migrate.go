package store

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS evidence (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		raw_content TEXT NOT NULL,
		encoding TEXT NOT NULL DEFAULT '',
		fetched_at TEXT NOT NULL,
		content_kind TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		tier INTEGER NOT NULL DEFAULT 0,
		previous_id TEXT NOT NULL DEFAULT '',
		last_verified_at TEXT NOT NULL,
		etag TEXT NOT NULL DEFAULT '',
		last_modified TEXT,
		deleted_at TEXT,
		delete_reason TEXT NOT NULL DEFAULT '',
		UNIQUE (url, content_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_url ON evidence (url, fetched_at)`,

	`CREATE TABLE IF NOT EXISTS pointers (
		id TEXT PRIMARY KEY,
		evidence_id TEXT NOT NULL REFERENCES evidence (id),
		topic_key TEXT NOT NULL,
		start_offset INTEGER NOT NULL,
		end_offset INTEGER NOT NULL,
		exact_quote TEXT NOT NULL,
		claimed_quote TEXT NOT NULL DEFAULT '',
		value_type TEXT NOT NULL,
		value TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		match_quality TEXT NOT NULL,
		effective_from TEXT,
		effective_to TEXT,
		annotation TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pointers_topic ON pointers (topic_key)`,
	`CREATE INDEX IF NOT EXISTS idx_pointers_evidence ON pointers (evidence_id)`,

	`CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		topic_key TEXT NOT NULL,
		version INTEGER NOT NULL,
		value TEXT NOT NULL,
		value_type TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		status TEXT NOT NULL,
		graph_status TEXT,
		pointer_ids TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		status_reason TEXT NOT NULL DEFAULT '',
		signature TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		published_at TEXT,
		UNIQUE (topic_key, version),
		UNIQUE (signature)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_topic_status ON rules (topic_key, status)`,

	`CREATE TABLE IF NOT EXISTS edges (
		id TEXT PRIMARY KEY,
		from_rule_id TEXT NOT NULL REFERENCES rules (id),
		to_rule_id TEXT NOT NULL REFERENCES rules (id),
		to_topic_key TEXT NOT NULL,
		pointer_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_from ON edges (from_rule_id)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_to_topic ON edges (to_topic_key)`,

	`CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		pair_key TEXT NOT NULL UNIQUE,
		topic_key TEXT NOT NULL,
		kind TEXT NOT NULL,
		a_item_id TEXT NOT NULL,
		a_value TEXT NOT NULL,
		a_tier INTEGER NOT NULL,
		a_source_date TEXT NOT NULL,
		a_score DOUBLE PRECISION NOT NULL,
		b_item_id TEXT NOT NULL,
		b_value TEXT NOT NULL,
		b_tier INTEGER NOT NULL,
		b_source_date TEXT NOT NULL,
		b_score DOUBLE PRECISION NOT NULL,
		outcome TEXT NOT NULL,
		detected_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conflicts_topic ON conflicts (topic_key, outcome)`,

	`CREATE TABLE IF NOT EXISTS resolutions (
		id TEXT PRIMARY KEY,
		conflict_id TEXT NOT NULL REFERENCES conflicts (id),
		outcome TEXT NOT NULL,
		winner_id TEXT NOT NULL DEFAULT '',
		loser_id TEXT NOT NULL DEFAULT '',
		score_a DOUBLE PRECISION NOT NULL,
		score_b DOUBLE PRECISION NOT NULL,
		reason TEXT NOT NULL,
		decided_by TEXT NOT NULL,
		supersedes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_resolutions_conflict ON resolutions (conflict_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		job_key TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		next_run_at TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		locked_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_pending ON jobs (kind, job_key) WHERE state = 'ready'`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs (kind, state, next_run_at)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		subject TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
}

var sqliteGuards = []string{
	`CREATE TRIGGER IF NOT EXISTS evidence_frozen_fields
		BEFORE UPDATE OF raw_content, encoding, content_hash, fetched_at ON evidence
		BEGIN SELECT RAISE(ABORT, 'immutability violation: evidence content is frozen'); END`,
	`CREATE TRIGGER IF NOT EXISTS evidence_no_delete
		BEFORE DELETE ON evidence
		BEGIN SELECT RAISE(ABORT, 'immutability violation: evidence is tombstoned, not deleted'); END`,
	`CREATE TRIGGER IF NOT EXISTS resolutions_append_only
		BEFORE UPDATE ON resolutions
		BEGIN SELECT RAISE(ABORT, 'resolutions are append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS resolutions_no_delete
		BEFORE DELETE ON resolutions
		BEGIN SELECT RAISE(ABORT, 'resolutions are append-only'); END`,
}

var postgresGuards = []string{
	`CREATE OR REPLACE FUNCTION lexledger_evidence_frozen() RETURNS trigger AS $$
	BEGIN
		IF TG_OP = 'DELETE' THEN
			RAISE EXCEPTION 'immutability violation: evidence is tombstoned, not deleted';
		END IF;
		IF NEW.raw_content IS DISTINCT FROM OLD.raw_content
			OR NEW.encoding IS DISTINCT FROM OLD.encoding
			OR NEW.content_hash IS DISTINCT FROM OLD.content_hash
			OR NEW.fetched_at IS DISTINCT FROM OLD.fetched_at THEN
			RAISE EXCEPTION 'immutability violation: evidence content is frozen';
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS evidence_frozen_fields ON evidence`,
	`CREATE TRIGGER evidence_frozen_fields BEFORE UPDATE OR DELETE ON evidence
		FOR EACH ROW EXECUTE FUNCTION lexledger_evidence_frozen()`,
	`CREATE OR REPLACE FUNCTION lexledger_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'resolutions are append-only';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS resolutions_append_only ON resolutions`,
	`CREATE TRIGGER resolutions_append_only BEFORE UPDATE OR DELETE ON resolutions
		FOR EACH ROW EXECUTE FUNCTION lexledger_append_only()`,
}

// Migrate creates tables, indexes and guard triggers. It is safe to re-run.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := append([]string{}, schema...)
	switch s.dialect {
	case DialectPostgres:
		stmts = append(stmts, postgresGuards...)
	default:
		stmts = append(stmts, sqliteGuards...)
	}
	for i, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i, err)
		}
	}
	return nil
}
