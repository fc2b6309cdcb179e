package ports

import (
	"context"

	"flowids/domain/dataset"
)

// TableReader loads a delimited or spreadsheet file into a raw string table
type TableReader interface {
	ReadTable(ctx context.Context, path string) (*dataset.RawTable, error)
}

// TableWriter persists a raw table, creating parent directories as needed
type TableWriter interface {
	WriteTable(ctx context.Context, path string, table *dataset.RawTable) error
}
