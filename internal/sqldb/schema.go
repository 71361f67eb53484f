package sqldb

import "fmt"

// CreateSQLiteDDL is the create-all bootstrap schema for the embedded
// single-file variant. Timestamps are stored as canonical UTC text (see
// FormatTime) and booleans as 0/1 integers on every engine, so aggregate
// queries share one shape.
const CreateSQLiteDDL = `
CREATE TABLE IF NOT EXISTS users (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS transactions (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL DEFAULT 'http',
	endpoint     TEXT NOT NULL DEFAULT '',
	started_at   TEXT NOT NULL,
	finished_at  TEXT,
	elapsed      REAL,
	tpdex        INTEGER,
	method       TEXT NOT NULL DEFAULT '',
	status_class TEXT NOT NULL DEFAULT '',
	cached       INTEGER NOT NULL DEFAULT 0,
	no_cache     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_transactions_started_at ON transactions(started_at);
CREATE INDEX IF NOT EXISTS idx_transactions_endpoint   ON transactions(endpoint);

CREATE TABLE IF NOT EXISTS blobs (
	id           TEXT PRIMARY KEY,
	data         BLOB NOT NULL,
	content_type TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	transaction_id TEXT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
	kind           TEXT NOT NULL,
	summary        TEXT NOT NULL DEFAULT '',
	headers        TEXT NOT NULL,
	body           TEXT,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_transaction_id ON messages(transaction_id);
CREATE INDEX IF NOT EXISTS idx_messages_headers        ON messages(headers);
CREATE INDEX IF NOT EXISTS idx_messages_body           ON messages(body);

CREATE TABLE IF NOT EXISTS tags (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS tag_values (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	tag_id INTEGER NOT NULL REFERENCES tags(id),
	value  TEXT NOT NULL,
	UNIQUE (tag_id, value)
);

CREATE TABLE IF NOT EXISTS trans_tag_values (
	transaction_id TEXT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
	value_id       INTEGER NOT NULL REFERENCES tag_values(id),
	PRIMARY KEY (transaction_id, value_id)
);

CREATE TABLE IF NOT EXISTS trans_user_flags (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	transaction_id TEXT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
	user_id        INTEGER NOT NULL REFERENCES users(id),
	type           INTEGER NOT NULL,
	UNIQUE (transaction_id, user_id, type)
);
CREATE INDEX IF NOT EXISTS idx_trans_user_flags_user ON trans_user_flags(user_id);

CREATE TABLE IF NOT EXISTS metrics (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS metric_values (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	metric_id  INTEGER NOT NULL REFERENCES metrics(id),
	value      REAL NOT NULL,
	created_at TEXT NOT NULL
);
`

// CreatePostgresDDL mirrors the sqlite schema for postgres. Normally the
// external migration tool owns this schema; the create-all form is kept for
// test databases and first boots.
const CreatePostgresDDL = `
CREATE TABLE IF NOT EXISTS users (
	id       BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS transactions (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL DEFAULT 'http',
	endpoint     TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMP NOT NULL,
	finished_at  TIMESTAMP,
	elapsed      DOUBLE PRECISION,
	tpdex        INTEGER,
	method       TEXT NOT NULL DEFAULT '',
	status_class TEXT NOT NULL DEFAULT '',
	cached       INTEGER NOT NULL DEFAULT 0,
	no_cache     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_transactions_started_at ON transactions(started_at);
CREATE INDEX IF NOT EXISTS idx_transactions_endpoint   ON transactions(endpoint);

CREATE TABLE IF NOT EXISTS blobs (
	id           TEXT PRIMARY KEY,
	data         BYTEA NOT NULL,
	content_type TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
	id             BIGSERIAL PRIMARY KEY,
	transaction_id TEXT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
	kind           TEXT NOT NULL,
	summary        TEXT NOT NULL DEFAULT '',
	headers        TEXT NOT NULL,
	body           TEXT,
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_transaction_id ON messages(transaction_id);
CREATE INDEX IF NOT EXISTS idx_messages_headers        ON messages(headers);
CREATE INDEX IF NOT EXISTS idx_messages_body           ON messages(body);

CREATE TABLE IF NOT EXISTS tags (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS tag_values (
	id     BIGSERIAL PRIMARY KEY,
	tag_id BIGINT NOT NULL REFERENCES tags(id),
	value  TEXT NOT NULL,
	UNIQUE (tag_id, value)
);

CREATE TABLE IF NOT EXISTS trans_tag_values (
	transaction_id TEXT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
	value_id       BIGINT NOT NULL REFERENCES tag_values(id),
	PRIMARY KEY (transaction_id, value_id)
);

CREATE TABLE IF NOT EXISTS trans_user_flags (
	id             BIGSERIAL PRIMARY KEY,
	transaction_id TEXT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
	user_id        BIGINT NOT NULL REFERENCES users(id),
	type           INTEGER NOT NULL,
	UNIQUE (transaction_id, user_id, type)
);
CREATE INDEX IF NOT EXISTS idx_trans_user_flags_user ON trans_user_flags(user_id);

CREATE TABLE IF NOT EXISTS metrics (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS metric_values (
	id         BIGSERIAL PRIMARY KEY,
	metric_id  BIGINT NOT NULL REFERENCES metrics(id),
	value      DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// CreateMySQLDDL mirrors the schema for mysql. Indexed text columns are
// VARCHAR because mysql cannot index unbounded TEXT; FULLTEXT indexes back
// the native boolean-mode search path.
const CreateMySQLDDL = `
CREATE TABLE IF NOT EXISTS users (
	id       BIGINT AUTO_INCREMENT PRIMARY KEY,
	username VARCHAR(255) NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS transactions (
	id           VARCHAR(64) PRIMARY KEY,
	type         VARCHAR(32) NOT NULL DEFAULT 'http',
	endpoint     VARCHAR(255) NOT NULL DEFAULT '',
	started_at   DATETIME(6) NOT NULL,
	finished_at  DATETIME(6),
	elapsed      DOUBLE,
	tpdex        INTEGER,
	method       VARCHAR(16) NOT NULL DEFAULT '',
	status_class VARCHAR(8) NOT NULL DEFAULT '',
	cached       INTEGER NOT NULL DEFAULT 0,
	no_cache     INTEGER NOT NULL DEFAULT 0,
	INDEX idx_transactions_started_at (started_at),
	INDEX idx_transactions_endpoint (endpoint),
	FULLTEXT INDEX ft_transactions_endpoint (endpoint)
);

CREATE TABLE IF NOT EXISTS blobs (
	id           VARCHAR(64) PRIMARY KEY,
	data         LONGBLOB NOT NULL,
	content_type VARCHAR(255) NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
	id             BIGINT AUTO_INCREMENT PRIMARY KEY,
	transaction_id VARCHAR(64) NOT NULL,
	kind           VARCHAR(16) NOT NULL,
	summary        VARCHAR(512) NOT NULL DEFAULT '',
	headers        VARCHAR(64) NOT NULL,
	body           VARCHAR(64),
	created_at     DATETIME(6) NOT NULL,
	INDEX idx_messages_transaction_id (transaction_id),
	INDEX idx_messages_headers (headers),
	INDEX idx_messages_body (body),
	FULLTEXT INDEX ft_messages_summary (summary),
	CONSTRAINT fk_messages_transaction FOREIGN KEY (transaction_id)
		REFERENCES transactions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS tags (
	id   BIGINT AUTO_INCREMENT PRIMARY KEY,
	name VARCHAR(255) NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS tag_values (
	id     BIGINT AUTO_INCREMENT PRIMARY KEY,
	tag_id BIGINT NOT NULL,
	value  VARCHAR(255) NOT NULL,
	UNIQUE uq_tag_values (tag_id, value),
	CONSTRAINT fk_tag_values_tag FOREIGN KEY (tag_id) REFERENCES tags(id)
);

CREATE TABLE IF NOT EXISTS trans_tag_values (
	transaction_id VARCHAR(64) NOT NULL,
	value_id       BIGINT NOT NULL,
	PRIMARY KEY (transaction_id, value_id),
	CONSTRAINT fk_ttv_transaction FOREIGN KEY (transaction_id)
		REFERENCES transactions(id) ON DELETE CASCADE,
	CONSTRAINT fk_ttv_value FOREIGN KEY (value_id) REFERENCES tag_values(id)
);

CREATE TABLE IF NOT EXISTS trans_user_flags (
	id             BIGINT AUTO_INCREMENT PRIMARY KEY,
	transaction_id VARCHAR(64) NOT NULL,
	user_id        BIGINT NOT NULL,
	type           INTEGER NOT NULL,
	UNIQUE uq_trans_user_flags (transaction_id, user_id, type),
	INDEX idx_trans_user_flags_user (user_id),
	CONSTRAINT fk_tuf_transaction FOREIGN KEY (transaction_id)
		REFERENCES transactions(id) ON DELETE CASCADE,
	CONSTRAINT fk_tuf_user FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS metrics (
	id   BIGINT AUTO_INCREMENT PRIMARY KEY,
	name VARCHAR(255) NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS metric_values (
	id         BIGINT AUTO_INCREMENT PRIMARY KEY,
	metric_id  BIGINT NOT NULL,
	value      DOUBLE NOT NULL,
	created_at DATETIME(6) NOT NULL,
	CONSTRAINT fk_metric_values_metric FOREIGN KEY (metric_id) REFERENCES metrics(id)
);
`

// CreateDDL returns the create-all script for a dialect.
func CreateDDL(d Dialect) (string, error) {
	switch d.Name() {
	case DialectSQLite:
		return CreateSQLiteDDL, nil
	case DialectPostgres:
		return CreatePostgresDDL, nil
	case DialectMySQL:
		return CreateMySQLDDL, nil
	default:
		return "", fmt.Errorf("no create-all DDL for dialect %q", d.Name())
	}
}
