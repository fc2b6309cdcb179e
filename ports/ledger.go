package ports

import (
	"context"

	"flowids/domain/artifacts"
	"flowids/domain/core"
	"flowids/domain/run"
)

// RunSummary is the ledger's one-row view of a run
type RunSummary struct {
	RunID       core.RunID     `db:"run_id" json:"run_id"`
	Seed        int64          `db:"seed" json:"seed"`
	ConfigHash  string         `db:"config_hash" json:"config_hash"`
	Fingerprint string         `db:"fingerprint" json:"fingerprint"`
	Succeeded   bool           `db:"succeeded" json:"succeeded"`
	BestEpoch   int            `db:"best_epoch" json:"best_epoch"`
	ValF1       float64        `db:"val_f1" json:"val_f1"`
	Verified    bool           `db:"verified" json:"verified"`
	CreatedAt   core.Timestamp `db:"-" json:"created_at"`
}

// RunFilters for querying runs
type RunFilters struct {
	Succeeded *bool
	Limit     int
	Offset    int
}

// RunRecord is everything the ledger keeps about a run. History and
// Verification are nil when the run stopped before producing them.
type RunRecord struct {
	Manifest     *run.Manifest
	History      *artifacts.History
	Verification *artifacts.VerificationReport
}

// LedgerWriterPort provides append-only write access to run records
type LedgerWriterPort interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// LedgerReaderPort provides read-only access to recorded runs
type LedgerReaderPort interface {
	ListRuns(ctx context.Context, filters RunFilters) ([]RunSummary, error)
	GetRun(ctx context.Context, runID core.RunID) (*run.Manifest, error)
	ListEpochs(ctx context.Context, runID core.RunID) ([]artifacts.EpochRecord, error)
}

// LedgerPort combines read and write access
type LedgerPort interface {
	LedgerWriterPort
	LedgerReaderPort
	Close() error
}
