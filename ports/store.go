package ports

import (
	"context"

	"flowids/domain/artifacts"
	"flowids/domain/dataset"
)

// PreprocessStore persists the outputs of preprocessing
type PreprocessStore interface {
	SaveTaxonomy(ctx context.Context, tax *dataset.Taxonomy) error
	LoadTaxonomy(ctx context.Context) (*dataset.Taxonomy, error)
	SaveScalerParams(ctx context.Context, params *dataset.ScalerParams) error
	LoadScalerParams(ctx context.Context) (*dataset.ScalerParams, error)
	SaveSplits(ctx context.Context, splits *dataset.Splits) error
	LoadSplit(ctx context.Context, name dataset.SplitName) (*dataset.Split, error)
}

// CheckpointStore persists the best model seen during training
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, ckpt *artifacts.Checkpoint) error
	LoadCheckpoint(ctx context.Context) (*artifacts.Checkpoint, error)
}

// HistoryStore persists the per-epoch training history
type HistoryStore interface {
	SaveHistory(ctx context.Context, h *artifacts.History) error
	LoadHistory(ctx context.Context) (*artifacts.History, error)
}

// VerificationStore persists export verification reports
type VerificationStore interface {
	SaveVerification(ctx context.Context, r *artifacts.VerificationReport) error
	LoadVerification(ctx context.Context) (*artifacts.VerificationReport, error)
}

// GraphStore persists the exported inference graph. Runners consume it by
// path, so the store must be file backed.
type GraphStore interface {
	SaveGraph(ctx context.Context, data []byte) (string, error)
	GraphPath() string
}
