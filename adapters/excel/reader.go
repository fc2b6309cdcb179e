package excel

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"flowids/domain/dataset"
	"flowids/internal"
	"flowids/internal/errors"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Encoding names accepted by NewDataReader
const (
	EncodingUTF8        = "utf-8"
	EncodingWindows1252 = "windows-1252"
)

// DataReader reads CSV and Excel files into raw string tables
type DataReader struct {
	encoding encoding.Encoding
	logger   *internal.Logger
}

// NewDataReader creates a reader decoding CSV input with the named encoding.
// An empty name means UTF-8.
func NewDataReader(encodingName string, logger *internal.Logger) (*DataReader, error) {
	enc, err := lookupEncoding(encodingName)
	if err != nil {
		return nil, err
	}
	return &DataReader{
		encoding: enc,
		logger:   internal.OrDefault(logger).WithComponent("table_reader"),
	}, nil
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EncodingUTF8, "utf8":
		return unicode.UTF8, nil
	case EncodingWindows1252, "cp1252":
		return charmap.Windows1252, nil
	case "latin1", "iso-8859-1":
		return charmap.ISO8859_1, nil
	}
	return nil, errors.ConfigInvalid(fmt.Sprintf("unsupported text encoding %q", name))
}

// ReadTable reads a .csv or .xlsx file. Header cells are trimmed and every row
// is padded or truncated to the header width.
func (r *DataReader) ReadTable(ctx context.Context, path string) (*dataset.RawTable, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(errors.InputContract(err.Error()), "table file %s", path)
	}

	start := time.Now()
	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		rows, err = r.readExcelRows(path)
	default:
		rows, err = r.readCSVRows(ctx, path)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) < 1 {
		return nil, errors.InputContract(fmt.Sprintf("%s has no header row", path))
	}

	table := processRows(rows)
	r.logger.Debug("read %s: %d columns, %d rows in %.2fms",
		filepath.Base(path), len(table.Header), len(table.Rows), float64(time.Since(start).Microseconds())/1e3)
	return table, nil
}

// readExcelRows reads the first sheet of a workbook
func (r *DataReader) readExcelRows(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, errors.Wrapf(errors.InputContract(err.Error()), "failed to open Excel file %s", path)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.InputContract(fmt.Sprintf("%s has no sheets", path))
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, errors.Wrapf(errors.InputContract(err.Error()), "failed to read sheet %s", sheets[0])
	}
	return rows, nil
}

func (r *DataReader) readCSVRows(ctx context.Context, path string) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.StorageError("failed to open CSV file", err)
	}
	defer file.Close()

	reader := csv.NewReader(bufio.NewReader(r.encoding.NewDecoder().Reader(file)))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = false

	var rows [][]string
	for {
		if len(rows)%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(errors.InputContract(err.Error()), "failed to parse %s", path)
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

// processRows trims headers and aligns row widths with the header
func processRows(rows [][]string) *dataset.RawTable {
	headerRow := rows[0]
	headers := make([]string, len(headerRow))
	for i, header := range headerRow {
		if i == 0 {
			header = strings.TrimPrefix(header, "\ufeff")
		}
		headers[i] = strings.TrimSpace(header)
	}

	data := make([][]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if isBlank(row) {
			continue
		}
		aligned := make([]string, len(headers))
		for j := 0; j < len(headers) && j < len(row); j++ {
			aligned[j] = strings.TrimSpace(row[j])
		}
		data = append(data, aligned)
	}
	return &dataset.RawTable{Header: headers, Rows: data}
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// WriteTable writes t as UTF-8 CSV, atomically replacing path
func (r *DataReader) WriteTable(ctx context.Context, path string, t *dataset.RawTable) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.StorageError("failed to create table directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return errors.StorageError("failed to create temp file", err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	w := csv.NewWriter(bw)
	if err := w.Write(t.Header); err != nil {
		tmp.Close()
		return errors.StorageError("failed to write header", err)
	}
	for i, row := range t.Rows {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				tmp.Close()
				return err
			}
		}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return errors.StorageError("failed to write row", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return errors.StorageError("failed to flush CSV", err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return errors.StorageError("failed to flush CSV", err)
	}
	if err := tmp.Close(); err != nil {
		return errors.StorageError("failed to close temp file", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.StorageError("failed to move table into place", err)
	}
	return nil
}
