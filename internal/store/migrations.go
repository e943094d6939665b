package store

import (
	"database/sql"
	"fmt"

	"github.com/gridworks/fieldsync/migrations"
	"github.com/pressly/goose/v3"
)

// RunMigrations brings the record tables and sync_queue up to the current
// schema from the embedded migration files. Runs on every store open; goose
// no-ops when nothing is pending.
func RunMigrations(db *sql.DB) error {
	// The agent logs structured JSON; goose's plain-text progress lines
	// would corrupt that stream.
	goose.SetLogger(goose.NopLogger())

	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
