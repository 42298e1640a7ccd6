package gridhub

import (
	"context"
	"strings"
)

const MinRowLimit = 1
const MaxRowLimit = 2000
const DefaultRowLimit = 500

// Store is the durable source of truth for datasets and rows.
// no row contents are cached in memory across requests; every read hits the store.
type Store interface {
	// CreateDataset fails with *ValidationError when the trimmed name is empty.
	// empty or omitted columns fall back to DefaultColumns. requested columns
	// are trimmed, empties dropped, duplicates collapsed to the first occurrence.
	CreateDataset(ctx context.Context, name string, columns []string, createdByClient string, ownerId string) (*Dataset, error)

	GetDataset(ctx context.Context, datasetId int64) (*Dataset, error)

	// all datasets, most recently updated first
	ListDatasets(ctx context.Context) ([]*Dataset, error)

	// datasets tagged with the given anonymous client, most recently updated first
	ListDatasetsByClient(ctx context.Context, clientTag string) ([]*Dataset, error)

	// AddColumn appends {key, "string"} to the schema.
	// fails with ErrColumnExists on an exact-match duplicate key.
	// existing rows are untouched.
	AddColumn(ctx context.Context, datasetId int64, key string) (*Dataset, error)

	// ReplaceSchema swaps the schema wholesale for the given column keys
	ReplaceSchema(ctx context.Context, datasetId int64, columns []string) (*Dataset, error)

	// ListRows returns non-archived rows ordered by row id ascending.
	// query, when non-empty, is a case-insensitive substring match against the
	// string projection of the row's entire data mapping.
	// limit is clamped to [MinRowLimit, MaxRowLimit], offset to >= 0.
	ListRows(ctx context.Context, datasetId int64, query string, offset int, limit int) (*RowPage, error)

	// all non-archived rows, for export
	ListAllRows(ctx context.Context, datasetId int64) ([]*Row, error)

	// UpsertRow replaces the entire data mapping when rowId matches an existing
	// row of the dataset, and inserts a new row otherwise. the returned bool is
	// true when a row was created.
	UpsertRow(ctx context.Context, datasetId int64, rowId int64, fields map[string]any) (*Row, bool, error)

	// PatchCell sets data[key] = value on a live row and bumps updated_at.
	// fails with ErrRowNotFound when the row is missing or archived.
	PatchCell(ctx context.Context, datasetId int64, rowId int64, key string, value any) (*Row, error)

	// ArchiveRows soft-deletes matching non-archived rows and returns the count
	// of newly archived rows. missing or already-archived ids are no-ops.
	ArchiveRows(ctx context.Context, datasetId int64, rowIds []int64) (int64, error)

	Close()
}

func clampLimit(limit int) int {
	if limit < MinRowLimit {
		return MinRowLimit
	}
	if MaxRowLimit < limit {
		return MaxRowLimit
	}
	return limit
}

func clampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

// normalizeColumns trims, drops empties, and collapses duplicates preserving order
func normalizeColumns(columns []string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, column := range columns {
		key := strings.TrimSpace(column)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}
