package rawstore

// Times are stored as unix nanoseconds in SQLite and as timestamptz in Postgres.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS raw_records (
		seq              INTEGER PRIMARY KEY AUTOINCREMENT,
		id               TEXT    NOT NULL UNIQUE,
		platform         TEXT    NOT NULL,
		external_id      TEXT    NOT NULL,
		scope_id         TEXT    NOT NULL,
		text             TEXT    NOT NULL,
		author           TEXT    NOT NULL DEFAULT '',
		url              TEXT    NOT NULL DEFAULT '',
		published_at     INTEGER NOT NULL DEFAULT 0,
		payload          BLOB    NOT NULL,
		collected_at     INTEGER NOT NULL,
		status           TEXT    NOT NULL DEFAULT 'pending',
		attempts         INTEGER NOT NULL DEFAULT 0,
		last_error       TEXT    NOT NULL DEFAULT '',
		lease_owner      TEXT    NOT NULL DEFAULT '',
		lease_expires_at INTEGER NOT NULL DEFAULT 0,
		UNIQUE (platform, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS raw_records_queue ON raw_records (status, collected_at, seq)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id            TEXT    PRIMARY KEY,
		raw_record_id TEXT    NOT NULL UNIQUE REFERENCES raw_records (id),
		platform      TEXT    NOT NULL,
		scope_id      TEXT    NOT NULL,
		sentiment     TEXT    NOT NULL,
		threat_score  REAL    NOT NULL,
		body          BLOB    NOT NULL,
		enriched_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS posts_scope ON posts (scope_id, enriched_at)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS raw_records (
		seq              BIGSERIAL   PRIMARY KEY,
		id               TEXT        NOT NULL UNIQUE,
		platform         TEXT        NOT NULL,
		external_id      TEXT        NOT NULL,
		scope_id         TEXT        NOT NULL,
		text             TEXT        NOT NULL,
		author           TEXT        NOT NULL DEFAULT '',
		url              TEXT        NOT NULL DEFAULT '',
		published_at     TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
		payload          JSONB       NOT NULL,
		collected_at     TIMESTAMPTZ NOT NULL,
		status           TEXT        NOT NULL DEFAULT 'pending',
		attempts         INTEGER     NOT NULL DEFAULT 0,
		last_error       TEXT        NOT NULL DEFAULT '',
		lease_owner      TEXT        NOT NULL DEFAULT '',
		lease_expires_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
		UNIQUE (platform, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS raw_records_queue ON raw_records (status, collected_at, seq)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id            TEXT             PRIMARY KEY,
		raw_record_id TEXT             NOT NULL UNIQUE REFERENCES raw_records (id),
		platform      TEXT             NOT NULL,
		scope_id      TEXT             NOT NULL,
		sentiment     TEXT             NOT NULL,
		threat_score  DOUBLE PRECISION NOT NULL,
		body          JSONB            NOT NULL,
		enriched_at   TIMESTAMPTZ      NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS posts_scope ON posts (scope_id, enriched_at)`,
}

const recordColumns = `id, platform, external_id, scope_id, text, author, url, published_at,
	payload, collected_at, status, attempts, last_error, lease_owner, lease_expires_at`
