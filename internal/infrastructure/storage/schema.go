package storage

// Schema creates every table the Postgres repository uses. Statements are
// idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id           TEXT PRIMARY KEY,
		org_id       TEXT NOT NULL,
		doc_type     TEXT NOT NULL,
		year         INTEGER NOT NULL,
		storage_path TEXT NOT NULL,
		fingerprint  TEXT NOT NULL,
		source_url   TEXT NOT NULL,
		method       TEXT NOT NULL,
		size_bytes   BIGINT NOT NULL,
		acquired_at  TIMESTAMPTZ NOT NULL,
		UNIQUE (org_id, fingerprint)
	)`,
	`CREATE INDEX IF NOT EXISTS documents_tuple_idx ON documents (org_id, doc_type, year)`,
	`CREATE TABLE IF NOT EXISTS manual_tasks (
		id           TEXT PRIMARY KEY,
		org_id       TEXT NOT NULL,
		doc_type     TEXT NOT NULL,
		year         INTEGER NOT NULL,
		attempts     JSONB NOT NULL DEFAULT '[]',
		state        TEXT NOT NULL,
		priority     TEXT NOT NULL,
		deadline     TIMESTAMPTZ NOT NULL,
		instructions TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		resolved_at  TIMESTAMPTZ,
		resolved_by  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS manual_tasks_open_idx ON manual_tasks (org_id, doc_type, year) WHERE state = 'open'`,
	`CREATE TABLE IF NOT EXISTS source_status (
		source_id    TEXT PRIMARY KEY,
		org_id       TEXT NOT NULL,
		health       TEXT NOT NULL,
		failures     INTEGER NOT NULL,
		last_attempt TIMESTAMPTZ,
		last_success TIMESTAMPTZ,
		last_error   TEXT NOT NULL DEFAULT '',
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS url_patterns (
		id                   TEXT PRIMARY KEY,
		org_id               TEXT NOT NULL,
		family               TEXT NOT NULL,
		template             TEXT NOT NULL,
		language             TEXT NOT NULL,
		confidence           DOUBLE PRECISION NOT NULL,
		successes            INTEGER NOT NULL,
		failures             INTEGER NOT NULL,
		consecutive_failures INTEGER NOT NULL,
		last_used            TIMESTAMPTZ,
		retired              BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS url_patterns_org_idx ON url_patterns (org_id)`,
	`CREATE TABLE IF NOT EXISTS candidates (
		id            TEXT PRIMARY KEY,
		org_id        TEXT NOT NULL,
		doc_type      TEXT NOT NULL,
		year          INTEGER NOT NULL,
		period_label  TEXT NOT NULL,
		url           TEXT NOT NULL,
		title         TEXT NOT NULL,
		source_id     TEXT NOT NULL,
		discovered_at TIMESTAMPTZ NOT NULL,
		state         TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS candidates_pending_idx ON candidates (state, discovered_at)`,
}
