// Package storesql provides database/sql + sqlx implementations of the
// attributes and bundles store façades, usable against any driver the
// operator wires in (the mysql driver is imported by cmd/gateway).
//
// Built on jmoiron/sqlx (a direct dependency in dolthub-dolt's go.mod)
// with hand-written SQL over typed row structs — no ORM, matching the
// pack's universal preference. Tags are persisted as a JSON column
// rather than the
// normalized tag tables of the abstract schema; the engine-level layout
// is explicitly implementation-chosen, and a JSON column keeps the
// read path one query.
package storesql

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// Schema is the DDL for both stores, applied by Migrate. Written in the
// conservative subset shared by MySQL and SQLite so tests and small
// deployments can share it.
const Schema = `
CREATE TABLE IF NOT EXISTS data_item_attributes (
    id                     VARCHAR(43) PRIMARY KEY,
    parent_id              VARCHAR(43),
    item_offset            BIGINT NOT NULL DEFAULT 0,
    data_offset            BIGINT NOT NULL DEFAULT 0,
    size                   BIGINT NOT NULL DEFAULT 0,
    root_transaction_id    VARCHAR(43),
    root_data_item_offset  BIGINT,
    root_data_offset       BIGINT,
    content_type           VARCHAR(255) NOT NULL DEFAULT '',
    hash                   VARBINARY(32),
    verified               BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS bundles (
    id                       VARCHAR(43) PRIMARY KEY,
    root_transaction_id      VARCHAR(43) NOT NULL,
    state                    VARCHAR(16) NOT NULL,
    first_queued_at          TIMESTAMP NULL,
    last_queued_at           TIMESTAMP NULL,
    first_skipped_at         TIMESTAMP NULL,
    first_unbundled_at       TIMESTAMP NULL,
    first_fully_indexed_at   TIMESTAMP NULL,
    last_state_at            TIMESTAMP NULL,
    import_attempt_count     INT NOT NULL DEFAULT 0,
    matched_data_item_count  INT NOT NULL DEFAULT 0,
    data_item_count          INT NOT NULL DEFAULT 0,
    data_root_trusted        VARBINARY(32),
    verified                 BOOLEAN NOT NULL DEFAULT FALSE,
    retry_count              INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS stable_data_items (
    id                   VARCHAR(43) PRIMARY KEY,
    parent_id            VARCHAR(43) NOT NULL,
    root_transaction_id  VARCHAR(43) NOT NULL,
    height               BIGINT NOT NULL DEFAULT 0,
    signature_type       INT NOT NULL DEFAULT 0,
    signature_offset     BIGINT NOT NULL DEFAULT 0,
    signature_size       BIGINT NOT NULL DEFAULT 0,
    owner_offset         BIGINT NOT NULL DEFAULT 0,
    owner_size           BIGINT NOT NULL DEFAULT 0,
    target               VARCHAR(43) NOT NULL DEFAULT '',
    anchor               VARCHAR(64) NOT NULL DEFAULT '',
    tags_json            TEXT,
    content_type         VARCHAR(255) NOT NULL DEFAULT '',
    item_offset          BIGINT NOT NULL DEFAULT 0,
    data_offset          BIGINT NOT NULL DEFAULT 0,
    size                 BIGINT NOT NULL DEFAULT 0,
    indexed_at           TIMESTAMP NULL
);

CREATE INDEX IF NOT EXISTS idx_stable_data_items_parent
    ON stable_data_items (parent_id);
CREATE INDEX IF NOT EXISTS idx_bundles_state
    ON bundles (state, last_state_at);
`

// Open connects and verifies the connection.
func Open(driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate applies the schema, statement by statement so drivers that
// reject multi-statement Exec still work.
func Migrate(db *sqlx.DB) error {
	for _, stmt := range splitStatements(Schema) {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func splitStatements(schema string) []string {
	var out []string
	start := 0
	for i := 0; i < len(schema); i++ {
		if schema[i] == ';' {
			stmt := trimSpace(schema[start:i])
			if stmt != "" {
				out = append(out, stmt)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\n' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\n' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

// nullString maps an empty string to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
