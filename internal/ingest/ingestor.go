package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"flowids/domain/dataset"
	"flowids/internal"
	"flowids/internal/config"
	"flowids/internal/errors"
	"flowids/ports"
)

// Result summarizes one ingestion run
type Result struct {
	Files       []string
	RawRows     int
	DroppedRows int
	DevRows     int
	ClassCounts map[string]int
	Taxonomy    *dataset.Taxonomy
	Table       *dataset.RawTable
}

// Ingestor merges every capture file under a directory, normalizes labels and
// writes a stratified development sample plus its label map
type Ingestor struct {
	cfg    config.IngestConfig
	rules  *Rules
	reader ports.TableReader
	writer ports.TableWriter
	store  ports.PreprocessStore
	rng    ports.RNGPort
	logger *internal.Logger
}

// NewIngestor creates an ingestor. rules may be nil for DefaultRules.
func NewIngestor(cfg config.IngestConfig, rules *Rules, reader ports.TableReader, writer ports.TableWriter,
	store ports.PreprocessStore, rng ports.RNGPort, logger *internal.Logger) *Ingestor {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Ingestor{
		cfg:    cfg,
		rules:  rules,
		reader: reader,
		writer: writer,
		store:  store,
		rng:    rng,
		logger: internal.OrDefault(logger).WithComponent("ingest"),
	}
}

// Run ingests rawDir and writes the development table to devPath
func (in *Ingestor) Run(ctx context.Context, rawDir, devPath string) (*Result, error) {
	files, err := captureFiles(rawDir)
	if err != nil {
		return nil, err
	}

	merged := &dataset.RawTable{}
	columns := map[string]int{}
	res := &Result{Files: files, ClassCounts: map[string]int{}}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := in.reader.ReadTable(ctx, f)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", filepath.Base(f))
		}
		if t.ColumnIndex(in.cfg.LabelColumn) < 0 {
			return nil, errors.InputContract(fmt.Sprintf("%s has no %q column", filepath.Base(f), in.cfg.LabelColumn))
		}
		in.logger.Info("read %s: %d rows, %d columns", filepath.Base(f), t.NumRows(), len(t.Header))
		appendTable(merged, columns, t)
		res.RawRows += t.NumRows()
	}

	labelIdx := columns[in.cfg.LabelColumn]
	kept := merged.Rows[:0]
	for _, row := range merged.Rows {
		label := in.rules.Normalize(row[labelIdx])
		if label == "" {
			res.DroppedRows++
			continue
		}
		row[labelIdx] = label
		kept = append(kept, row)
	}
	merged.Rows = kept
	if len(kept) == 0 {
		return nil, errors.InputContract("no labelled rows found under " + rawDir)
	}
	if res.DroppedRows > 0 {
		in.logger.Warn("dropped %d rows with an empty label", res.DroppedRows)
	}

	labels := make([]string, len(kept))
	for i, row := range kept {
		labels[i] = row[labelIdx]
	}
	idx := StratifiedSample(labels, in.cfg.SampleFraction, in.rng.Stream("sample", in.cfg.Seed))
	dev := &dataset.RawTable{Header: merged.Header, Rows: make([][]string, len(idx))}
	devLabels := make([]string, len(idx))
	for i, r := range idx {
		dev.Rows[i] = kept[r]
		devLabels[i] = labels[r]
		res.ClassCounts[labels[r]]++
	}
	res.DevRows = len(idx)
	res.Table = dev
	if res.DevRows == 0 {
		return nil, errors.InputContract(fmt.Sprintf("sample fraction %v selects no rows", in.cfg.SampleFraction))
	}

	if err := in.writer.WriteTable(ctx, devPath, dev); err != nil {
		return nil, errors.Wrap(err, "write development table")
	}
	res.Taxonomy = dataset.NewTaxonomy(devLabels)
	if err := in.store.SaveTaxonomy(ctx, res.Taxonomy); err != nil {
		return nil, errors.Wrap(err, "save label map")
	}

	in.logger.Info("development table: %d of %d rows, %d classes %v",
		res.DevRows, len(kept), res.Taxonomy.Len(), res.Taxonomy.Labels())
	return res, nil
}

// captureFiles lists the CSV and Excel files in dir in name order
func captureFiles(dir string) ([]string, error) {
	var files []string
	for _, pattern := range []string{"*.csv", "*.xlsx", "*.xlsm"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, errors.ConfigInvalid("bad raw data directory: " + err.Error())
		}
		files = append(files, m...)
	}
	if len(files) == 0 {
		return nil, errors.InputContract("no capture files found in " + dir)
	}
	sort.Strings(files)
	return files, nil
}

// appendTable merges t into dst. Columns are unioned in first-seen order and
// cells missing from a file are left empty. A name repeated within one file
// gets a ".1", ".2" suffix so both columns survive.
func appendTable(dst *dataset.RawTable, columns map[string]int, t *dataset.RawTable) {
	mapping := make([]int, len(t.Header))
	local := make(map[string]int, len(t.Header))
	for j, name := range t.Header {
		name = strings.TrimSpace(name)
		if n := local[name]; n > 0 {
			local[name] = n + 1
			name = fmt.Sprintf("%s.%d", name, n)
		} else {
			local[name] = 1
		}
		pos, ok := columns[name]
		if !ok {
			pos = len(dst.Header)
			columns[name] = pos
			dst.Header = append(dst.Header, name)
			for i := range dst.Rows {
				dst.Rows[i] = append(dst.Rows[i], "")
			}
		}
		mapping[j] = pos
	}
	for _, row := range t.Rows {
		out := make([]string, len(dst.Header))
		for j, v := range row {
			if j < len(mapping) {
				out[mapping[j]] = v
			}
		}
		dst.Rows = append(dst.Rows, out)
	}
}
