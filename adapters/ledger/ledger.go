// Package ledger records pipeline runs in a SQL database (SQLite or
// PostgreSQL) for comparison across runs.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"flowids/domain/artifacts"
	"flowids/domain/core"
	"flowids/domain/run"
	"flowids/internal"
	"flowids/internal/config"
	"flowids/internal/errors"
	"flowids/internal/migration"
	"flowids/ports"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const defaultListLimit = 50

// Ledger implements ports.LedgerPort
type Ledger struct {
	db     *sqlx.DB
	logger *internal.Logger
}

var _ ports.LedgerPort = (*Ledger)(nil)

// Open connects to the configured database and applies the schema
func Open(ctx context.Context, cfg config.LedgerConfig, logger *internal.Logger) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, errors.ConfigInvalid("ledger DSN is empty")
	}
	switch cfg.Driver {
	case "sqlite3", "postgres":
	default:
		return nil, errors.ConfigInvalid(fmt.Sprintf("unsupported ledger driver %q", cfg.Driver))
	}

	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.StorageError("failed to connect to ledger", err)
	}
	if cfg.Driver == "sqlite3" {
		// one writer; also makes ON DELETE CASCADE effective
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, errors.StorageError("failed to enable foreign keys", err)
		}
	}
	return New(ctx, db, logger)
}

// New wraps an open connection and applies the schema
func New(ctx context.Context, db *sqlx.DB, logger *internal.Logger) (*Ledger, error) {
	if err := migration.NewRunner().Run(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate ledger")
	}
	return &Ledger{db: db, logger: internal.OrDefault(logger).WithComponent("ledger")}, nil
}

// Close releases the connection pool
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordRun stores the run and its epochs, replacing any earlier record with
// the same run ID
func (l *Ledger) RecordRun(ctx context.Context, rec ports.RunRecord) error {
	m := rec.Manifest
	if m == nil {
		return errors.InternalError("run record has no manifest")
	}
	manifestJSON, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	summary := ports.RunSummary{
		RunID:       m.RunID,
		Seed:        m.Seed,
		ConfigHash:  m.ConfigHash,
		Fingerprint: m.Fingerprint.Fingerprint.String(),
		Succeeded:   m.Succeeded,
	}
	if rec.History != nil {
		summary.BestEpoch = rec.History.BestEpoch
		summary.ValF1 = rec.History.FinalValF1
	}
	if rec.Verification != nil {
		summary.Verified = rec.Verification.Verified
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.StorageError("failed to begin ledger transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM run_epochs WHERE run_id = ?`), m.RunID.String()); err != nil {
		return errors.StorageError("failed to clear previous epochs", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM runs WHERE run_id = ?`), m.RunID.String()); err != nil {
		return errors.StorageError("failed to clear previous run", err)
	}

	query := tx.Rebind(`INSERT INTO runs (
		run_id, seed, config_hash, fingerprint, code_version, succeeded,
		best_epoch, val_f1, verified, manifest, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, query,
		m.RunID.String(), summary.Seed, summary.ConfigHash, summary.Fingerprint, m.CodeVersion, summary.Succeeded,
		summary.BestEpoch, summary.ValF1, summary.Verified, string(manifestJSON), formatTime(m.CreatedAt),
	)
	if err != nil {
		return errors.StorageError("failed to insert run", err)
	}

	if rec.History != nil {
		epochQuery := tx.Rebind(`INSERT INTO run_epochs (
			run_id, epoch, train_loss, train_acc, val_loss, val_acc, val_precision,
			val_recall, val_f1, learning_rate, checkpointed, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		for _, e := range rec.History.Epochs {
			_, err := tx.ExecContext(ctx, epochQuery,
				m.RunID.String(), e.Epoch, e.TrainLoss, e.TrainAcc, e.ValLoss, e.ValAcc, e.ValPrecision,
				e.ValRecall, e.ValF1, e.LearningRate, e.Checkpointed, e.DurationMS,
			)
			if err != nil {
				return errors.StorageError(fmt.Sprintf("failed to insert epoch %d", e.Epoch), err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.StorageError("failed to commit ledger transaction", err)
	}
	l.logger.Debug("recorded run %s (%d epochs)", m.RunID, epochCount(rec.History))
	return nil
}

// runRow is the scan target for runs; created_at is stored as RFC3339 text
type runRow struct {
	ports.RunSummary
	CreatedAt string `db:"created_at"`
}

// ListRuns returns runs, newest first
func (l *Ledger) ListRuns(ctx context.Context, filters ports.RunFilters) ([]ports.RunSummary, error) {
	query := `SELECT run_id, seed, config_hash, fingerprint, succeeded, best_epoch, val_f1, verified, created_at
	FROM runs`
	var args []interface{}
	if filters.Succeeded != nil {
		query += ` WHERE succeeded = ?`
		args = append(args, *filters.Succeeded)
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY created_at DESC, run_id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filters.Offset)

	var rows []runRow
	if err := l.db.SelectContext(ctx, &rows, l.db.Rebind(query), args...); err != nil {
		return nil, errors.StorageError("failed to list runs", err)
	}

	out := make([]ports.RunSummary, len(rows))
	for i, r := range rows {
		out[i] = r.RunSummary
		out[i].CreatedAt = parseTime(r.CreatedAt)
	}
	return out, nil
}

// GetRun returns the manifest recorded for runID
func (l *Ledger) GetRun(ctx context.Context, runID core.RunID) (*run.Manifest, error) {
	var manifestJSON string
	err := l.db.GetContext(ctx, &manifestJSON, l.db.Rebind(`SELECT manifest FROM runs WHERE run_id = ?`), runID.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
		}
		return nil, errors.StorageError("failed to get run", err)
	}

	var m run.Manifest
	if err := json.Unmarshal([]byte(manifestJSON), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	return &m, nil
}

type epochRow struct {
	Epoch        int     `db:"epoch"`
	TrainLoss    float64 `db:"train_loss"`
	TrainAcc     float64 `db:"train_acc"`
	ValLoss      float64 `db:"val_loss"`
	ValAcc       float64 `db:"val_acc"`
	ValPrecision float64 `db:"val_precision"`
	ValRecall    float64 `db:"val_recall"`
	ValF1        float64 `db:"val_f1"`
	LearningRate float64 `db:"learning_rate"`
	Checkpointed bool    `db:"checkpointed"`
	DurationMS   int64   `db:"duration_ms"`
}

// ListEpochs returns the per-epoch history recorded for runID
func (l *Ledger) ListEpochs(ctx context.Context, runID core.RunID) ([]artifacts.EpochRecord, error) {
	query := l.db.Rebind(`SELECT epoch, train_loss, train_acc, val_loss, val_acc, val_precision,
		val_recall, val_f1, learning_rate, checkpointed, duration_ms
	FROM run_epochs WHERE run_id = ? ORDER BY epoch`)

	var rows []epochRow
	if err := l.db.SelectContext(ctx, &rows, query, runID.String()); err != nil {
		return nil, errors.StorageError("failed to list epochs", err)
	}
	out := make([]artifacts.EpochRecord, len(rows))
	for i, r := range rows {
		out[i] = artifacts.EpochRecord(r)
	}
	return out, nil
}

func formatTime(t core.Timestamp) string {
	return t.Time().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) core.Timestamp {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return core.Timestamp{}
	}
	return core.NewTimestamp(t)
}

func epochCount(h *artifacts.History) int {
	if h == nil {
		return 0
	}
	return len(h.Epochs)
}
