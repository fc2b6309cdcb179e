package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"flowids/domain/artifacts"
	"flowids/domain/core"
	"flowids/domain/run"
	"flowids/domain/stage"
	"flowids/internal"
	"flowids/internal/config"
	"flowids/internal/errors"
	"flowids/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), config.LedgerConfig{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "ledger.db"),
	}, internal.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func testRecord(id string, created time.Time, succeeded bool) ports.RunRecord {
	m := run.NewManifest(core.RunID(id), 42, "cfg-hash", "dev")
	m.CreatedAt = core.NewTimestamp(created)
	res := stage.Start(stage.StageTrain)
	if succeeded {
		res.Finish("", nil)
	} else {
		res.Finish(errors.CodeTrainingUnstable, errors.TrainingUnstable("loss is NaN"))
	}
	m.RecordStage(res)
	m.Seal()

	return ports.RunRecord{
		Manifest: m,
		History: &artifacts.History{
			Epochs: []artifacts.EpochRecord{
				{Epoch: 1, TrainLoss: 1.3, ValLoss: 1.2, ValF1: 0.4, LearningRate: 1e-3, Checkpointed: true},
				{Epoch: 2, TrainLoss: 0.8, ValLoss: 0.9, ValF1: 0.7, LearningRate: 1e-3, Checkpointed: true, DurationMS: 12},
			},
			BestEpoch:  2,
			FinalValF1: 0.7,
		},
		Verification: &artifacts.VerificationReport{Samples: 100, Matched: 100, Verified: true},
	}
}

func TestRecordAndGetRun(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	rec := testRecord("run-a", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), true)
	require.NoError(t, l.RecordRun(ctx, rec))

	m, err := l.GetRun(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, rec.Manifest.Fingerprint, m.Fingerprint)
	assert.True(t, m.Succeeded)

	epochs, err := l.ListEpochs(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, rec.History.Epochs, epochs)
}

func TestRecordRunReplacesExisting(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	rec := testRecord("run-a", time.Now().UTC(), true)
	require.NoError(t, l.RecordRun(ctx, rec))
	rec.History.Epochs = rec.History.Epochs[:1]
	require.NoError(t, l.RecordRun(ctx, rec))

	epochs, err := l.ListEpochs(ctx, "run-a")
	require.NoError(t, err)
	assert.Len(t, epochs, 1)

	runs, err := l.ListRuns(ctx, ports.RunFilters{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestListRunsNewestFirstWithFilter(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, l.RecordRun(ctx, testRecord("old", base, true)))
	require.NoError(t, l.RecordRun(ctx, testRecord("failed", base.Add(time.Hour), false)))
	require.NoError(t, l.RecordRun(ctx, testRecord("new", base.Add(2*time.Hour), true)))

	runs, err := l.ListRuns(ctx, ports.RunFilters{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, core.RunID("new"), runs[0].RunID)
	assert.Equal(t, core.RunID("old"), runs[2].RunID)
	assert.Equal(t, 2, runs[0].BestEpoch)
	assert.InDelta(t, 0.7, runs[0].ValF1, 1e-12)
	assert.True(t, runs[0].Verified)
	assert.True(t, runs[0].CreatedAt.Time().Equal(base.Add(2*time.Hour)))

	ok := true
	succeeded, err := l.ListRuns(ctx, ports.RunFilters{Succeeded: &ok})
	require.NoError(t, err)
	assert.Len(t, succeeded, 2)

	page, err := l.ListRuns(ctx, ports.RunFilters{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, core.RunID("failed"), page[0].RunID)
}

func TestGetRunNotFound(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrRunNotFound)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	_, err := Open(context.Background(), config.LedgerConfig{Driver: "sqlite3"}, nil)
	assert.Equal(t, errors.CodeConfigInvalid, errors.GetCode(err))

	_, err = Open(context.Background(), config.LedgerConfig{Driver: "mysql", DSN: "x"}, nil)
	assert.Equal(t, errors.CodeConfigInvalid, errors.GetCode(err))
}
