package migration

import (
	"context"

	"flowids/internal/errors"

	"github.com/jmoiron/sqlx"
)

// Migrator defines the interface for database migration operations
type Migrator interface {
	Run(ctx context.Context, db *sqlx.DB) error
	Version() string
}

// MigrationRunner creates the run ledger schema. Statements stick to types
// understood by both SQLite and PostgreSQL.
type MigrationRunner struct {
	version string
}

// NewRunner creates a new migration runner
func NewRunner() *MigrationRunner {
	return &MigrationRunner{
		version: "1.0.0",
	}
}

// Version returns the migration version
func (r *MigrationRunner) Version() string {
	return r.version
}

// Run executes all database migrations in the correct order
func (r *MigrationRunner) Run(ctx context.Context, db *sqlx.DB) error {
	if err := r.createRunsTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create runs table")
	}

	if err := r.createEpochsTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create run_epochs table")
	}

	if err := r.createIndexes(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create indexes")
	}

	return nil
}

func (r *MigrationRunner) createRunsTable(ctx context.Context, db *sqlx.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id VARCHAR(64) PRIMARY KEY,
		seed BIGINT NOT NULL,
		config_hash VARCHAR(64) NOT NULL,
		fingerprint VARCHAR(64) NOT NULL,
		code_version VARCHAR(64) NOT NULL DEFAULT '',
		succeeded BOOLEAN NOT NULL,
		best_epoch INTEGER NOT NULL DEFAULT 0,
		val_f1 DOUBLE PRECISION NOT NULL DEFAULT 0,
		verified BOOLEAN NOT NULL DEFAULT FALSE,
		manifest TEXT NOT NULL,
		created_at VARCHAR(40) NOT NULL
	)`
	_, err := db.ExecContext(ctx, query)
	return err
}

func (r *MigrationRunner) createEpochsTable(ctx context.Context, db *sqlx.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS run_epochs (
		run_id VARCHAR(64) NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		epoch INTEGER NOT NULL,
		train_loss DOUBLE PRECISION NOT NULL,
		train_acc DOUBLE PRECISION NOT NULL,
		val_loss DOUBLE PRECISION NOT NULL,
		val_acc DOUBLE PRECISION NOT NULL,
		val_precision DOUBLE PRECISION NOT NULL,
		val_recall DOUBLE PRECISION NOT NULL,
		val_f1 DOUBLE PRECISION NOT NULL,
		learning_rate DOUBLE PRECISION NOT NULL,
		checkpointed BOOLEAN NOT NULL,
		duration_ms BIGINT NOT NULL,
		PRIMARY KEY (run_id, epoch)
	)`
	_, err := db.ExecContext(ctx, query)
	return err
}

func (r *MigrationRunner) createIndexes(ctx context.Context, db *sqlx.DB) error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_runs_config_hash ON runs(config_hash)",
	}
	for _, idx := range indexes {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}
