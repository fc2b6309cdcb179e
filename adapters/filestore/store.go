// Package filestore persists pipeline artifacts as files under the configured
// artifact directory.
package filestore

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"flowids/domain/artifacts"
	"flowids/domain/core"
	"flowids/domain/dataset"
	"flowids/domain/run"
	"flowids/internal"
	"flowids/internal/config"
	"flowids/internal/errors"

	"github.com/gocarina/gocsv"
	"golang.org/x/sync/errgroup"
)

// LabelColumn heads the integer class index in split files
const LabelColumn = "Label"

// Store implements every artifact store port on the local filesystem
type Store struct {
	cfg    *config.Config
	logger *internal.Logger
}

// New creates a store rooted at cfg.Paths.ArtifactDir
func New(cfg *config.Config, logger *internal.Logger) *Store {
	return &Store{cfg: cfg, logger: internal.OrDefault(logger).WithComponent("filestore")}
}

// Path returns the resolved location of an artifact kind
func (s *Store) Path(kind artifacts.Kind) string {
	p := s.cfg.Paths
	var rel string
	switch kind {
	case artifacts.KindDevTable:
		rel = p.DevTable
	case artifacts.KindLabelMap:
		rel = p.LabelMap
	case artifacts.KindScalerParams:
		rel = p.ScalerParams
	case artifacts.KindTrainSplit:
		rel = p.TrainSplit
	case artifacts.KindValSplit:
		rel = p.ValSplit
	case artifacts.KindTestSplit:
		rel = p.TestSplit
	case artifacts.KindCheckpoint:
		rel = p.Checkpoint
	case artifacts.KindHistory:
		rel = p.History
	case artifacts.KindHistoryCSV:
		rel = p.HistoryCSV
	case artifacts.KindGraph:
		rel = p.Graph
	case artifacts.KindVerification:
		rel = p.Verification
	case artifacts.KindRunManifest:
		rel = p.Manifest
	case artifacts.KindReport:
		rel = p.ReportMarkdown
	case artifacts.KindReportHTML:
		rel = p.ReportHTML
	}
	return s.cfg.Resolve(rel)
}

// splitKind maps a split name to its artifact kind
func splitKind(name dataset.SplitName) artifacts.Kind {
	switch name {
	case dataset.SplitTrain:
		return artifacts.KindTrainSplit
	case dataset.SplitVal:
		return artifacts.KindValSplit
	default:
		return artifacts.KindTestSplit
	}
}

// Exists reports whether the artifact file is present
func (s *Store) Exists(kind artifacts.Kind) bool {
	_, err := os.Stat(s.Path(kind))
	return err == nil
}

func (s *Store) writeJSON(kind artifacts.Kind, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", kind)
	}
	path := s.Path(kind)
	if err := WriteFileAtomic(path, append(data, '\n')); err != nil {
		return err
	}
	s.logger.Debug("wrote %s to %s (%d bytes)", kind, path, len(data))
	return nil
}

// readJSON loads and schema-checks an artifact. A missing file is reported
// as core.ErrArtifactNotFound.
func (s *Store) readJSON(kind artifacts.Kind, v interface{}) error {
	data, err := s.read(kind)
	if err != nil {
		return err
	}
	if err := artifacts.Validate(kind, data); err != nil {
		return errors.StorageError("artifact failed validation", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.StorageError(fmt.Sprintf("failed to decode %s", kind), err)
	}
	return nil
}

func (s *Store) read(kind artifacts.Kind) ([]byte, error) {
	path := s.Path(kind)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s at %s", core.ErrArtifactNotFound, kind, path)
	}
	if err != nil {
		return nil, errors.StorageError("failed to read "+path, err)
	}
	return data, nil
}

func (s *Store) SaveTaxonomy(ctx context.Context, tax *dataset.Taxonomy) error {
	return s.writeJSON(artifacts.KindLabelMap, tax)
}

func (s *Store) LoadTaxonomy(ctx context.Context) (*dataset.Taxonomy, error) {
	var tax dataset.Taxonomy
	if err := s.readJSON(artifacts.KindLabelMap, &tax); err != nil {
		return nil, err
	}
	return &tax, nil
}

func (s *Store) SaveScalerParams(ctx context.Context, p *dataset.ScalerParams) error {
	return s.writeJSON(artifacts.KindScalerParams, p)
}

func (s *Store) LoadScalerParams(ctx context.Context) (*dataset.ScalerParams, error) {
	var p dataset.ScalerParams
	if err := s.readJSON(artifacts.KindScalerParams, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveSplits writes the three split files concurrently
func (s *Store) SaveSplits(ctx context.Context, splits *dataset.Splits) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range dataset.AllSplits {
		split := splits.Get(name)
		if split == nil {
			return errors.InternalError(fmt.Sprintf("split %s is missing", name))
		}
		path := s.Path(splitKind(name))
		g.Go(func() error {
			return WriteAtomic(path, func(w io.Writer) error {
				return writeSplit(ctx, w, split)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Debug("wrote %d/%d/%d split rows", splits.Train.Len(), splits.Val.Len(), splits.Test.Len())
	return nil
}

func writeSplit(ctx context.Context, w io.Writer, s *dataset.Split) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(append(append([]string(nil), s.FeatureNames...), LabelColumn)); err != nil {
		return err
	}
	record := make([]string, len(s.FeatureNames)+1)
	for i, row := range s.Features {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		for j, v := range row {
			record[j] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		record[len(row)] = strconv.Itoa(s.Labels[i])
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (s *Store) LoadSplit(ctx context.Context, name dataset.SplitName) (*dataset.Split, error) {
	data, err := s.read(splitKind(name))
	if err != nil {
		return nil, err
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, errors.StorageError(fmt.Sprintf("failed to parse %s split", name), err)
	}
	if len(records) == 0 {
		return nil, errors.StorageError(fmt.Sprintf("%s split has no header", name), nil)
	}
	header := records[0]
	last := len(header) - 1
	if last < 0 || header[last] != LabelColumn {
		return nil, errors.InputContract(fmt.Sprintf("%s split must end with a %s column", name, LabelColumn))
	}

	split := &dataset.Split{
		Name:         name,
		FeatureNames: append([]string(nil), header[:last]...),
		Features:     make([][]float64, 0, len(records)-1),
		Labels:       make([]int, 0, len(records)-1),
	}
	for i, rec := range records[1:] {
		if len(rec) != len(header) {
			return nil, errors.InputContract(fmt.Sprintf("%s split row %d has %d columns, want %d", name, i+1, len(rec), len(header)))
		}
		row := make([]float64, last)
		for j := 0; j < last; j++ {
			v, err := strconv.ParseFloat(rec[j], 64)
			if err != nil {
				return nil, errors.InputContract(fmt.Sprintf("%s split row %d column %q: %v", name, i+1, header[j], err))
			}
			row[j] = v
		}
		label, err := strconv.Atoi(rec[last])
		if err != nil {
			return nil, errors.InputContract(fmt.Sprintf("%s split row %d label %q is not an index", name, i+1, rec[last]))
		}
		split.Features = append(split.Features, row)
		split.Labels = append(split.Labels, label)
	}
	return split, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, c *artifacts.Checkpoint) error {
	return s.writeJSON(artifacts.KindCheckpoint, c)
}

func (s *Store) LoadCheckpoint(ctx context.Context) (*artifacts.Checkpoint, error) {
	var c artifacts.Checkpoint
	if err := s.readJSON(artifacts.KindCheckpoint, &c); err != nil {
		if core.IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %v", core.ErrCheckpointNotFound, err)
		}
		return nil, err
	}
	return &c, nil
}

// SaveHistory writes the JSON history and its per-epoch CSV companion
func (s *Store) SaveHistory(ctx context.Context, h *artifacts.History) error {
	if err := s.writeJSON(artifacts.KindHistory, h); err != nil {
		return err
	}
	records := h.Epochs
	if records == nil {
		records = []artifacts.EpochRecord{}
	}
	return WriteAtomic(s.Path(artifacts.KindHistoryCSV), func(w io.Writer) error {
		return gocsv.Marshal(&records, w)
	})
}

func (s *Store) LoadHistory(ctx context.Context) (*artifacts.History, error) {
	var h artifacts.History
	if err := s.readJSON(artifacts.KindHistory, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// LoadHistoryCSV reads the per-epoch CSV written alongside the JSON history
func (s *Store) LoadHistoryCSV(ctx context.Context) ([]artifacts.EpochRecord, error) {
	data, err := s.read(artifacts.KindHistoryCSV)
	if err != nil {
		return nil, err
	}
	var records []artifacts.EpochRecord
	if err := gocsv.UnmarshalBytes(data, &records); err != nil {
		return nil, errors.StorageError("failed to parse training history CSV", err)
	}
	return records, nil
}

func (s *Store) SaveVerification(ctx context.Context, r *artifacts.VerificationReport) error {
	return s.writeJSON(artifacts.KindVerification, r)
}

func (s *Store) LoadVerification(ctx context.Context) (*artifacts.VerificationReport, error) {
	var r artifacts.VerificationReport
	if err := s.readJSON(artifacts.KindVerification, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SaveGraph writes the serialized graph and returns its path
func (s *Store) SaveGraph(ctx context.Context, data []byte) (string, error) {
	path := s.Path(artifacts.KindGraph)
	if err := WriteFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Store) GraphPath() string { return s.Path(artifacts.KindGraph) }

func (s *Store) SaveManifest(ctx context.Context, m *run.Manifest) error {
	return s.writeJSON(artifacts.KindRunManifest, m)
}

func (s *Store) LoadManifest(ctx context.Context) (*run.Manifest, error) {
	var m run.Manifest
	if err := s.readJSON(artifacts.KindRunManifest, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveReport writes the markdown report and, when html is non-nil, its rendering
func (s *Store) SaveReport(ctx context.Context, markdown, html []byte) error {
	if err := WriteFileAtomic(s.Path(artifacts.KindReport), markdown); err != nil {
		return err
	}
	if html == nil {
		return nil
	}
	return WriteFileAtomic(s.Path(artifacts.KindReportHTML), html)
}

// Record hashes an artifact file for the run manifest
func (s *Store) Record(kind artifacts.Kind) (run.ArtifactRecord, error) {
	path := s.Path(kind)
	info, err := os.Stat(path)
	if err != nil {
		return run.ArtifactRecord{}, errors.StorageError("failed to stat "+path, err)
	}
	sum, err := core.HashFile(path)
	if err != nil {
		return run.ArtifactRecord{}, errors.StorageError("failed to hash "+path, err)
	}
	return run.ArtifactRecord{Kind: string(kind), Path: path, SHA256: sum, Bytes: info.Size()}, nil
}
