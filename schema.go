package oob

import (
	"context"
	"database/sql"
)

// MigrateSchema creates the contact directory table if it does not exist.
// Safe to call on every startup: all statements use IF NOT EXISTS.
func MigrateSchema(ctx context.Context, db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS oob_contacts (
	namespace  BIGINT NOT NULL,
	rank       BIGINT NOT NULL,
	contact    TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, rank)
);
`
	_, err := db.ExecContext(ctx, ddl)
	return err
}
