package gridhub

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()

	store, err := NewSqliteStore("file:" + filepath.Join(t.TempDir(), "gridhub_test.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestCreateDatasetDefaults(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	dataset, err := store.CreateDataset(ctx, "  Reading Log  ", nil, "", "")
	require.NoError(t, err)
	require.Equal(t, "Reading Log", dataset.Name)
	require.Equal(t, len(DefaultColumns), len(dataset.Schema.Columns))

	seen := map[string]bool{}
	for _, column := range dataset.Schema.Columns {
		require.False(t, seen[column.Key])
		seen[column.Key] = true
		require.Equal(t, "string", column.Type)
	}

	loaded, err := store.GetDataset(ctx, dataset.Id)
	require.NoError(t, err)
	require.Equal(t, dataset.Schema.ColumnKeys(), loaded.Schema.ColumnKeys())
}

func TestCreateDatasetValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.CreateDataset(ctx, "   ", nil, "", "")
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)

	// requested columns are trimmed, empties dropped, duplicates collapsed
	dataset, err := store.CreateDataset(ctx, "T", []string{" A ", "", "B", "A"}, "", "")
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, dataset.Schema.ColumnKeys())
}

func TestGetDatasetNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetDataset(ctx, 12345)
	require.ErrorIs(t, err, ErrDatasetNotFound)
}

func TestAddColumnConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	dataset, err := store.CreateDataset(ctx, "T", []string{"A"}, "", "")
	require.NoError(t, err)

	updated, err := store.AddColumn(ctx, dataset.Id, "B")
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, updated.Schema.ColumnKeys())

	_, err = store.AddColumn(ctx, dataset.Id, "B")
	require.ErrorIs(t, err, ErrColumnExists)

	// duplicate match is case sensitive
	updated, err = store.AddColumn(ctx, dataset.Id, "b")
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B", "b"}, updated.Schema.ColumnKeys())

	// schema unchanged after the conflict
	loaded, err := store.GetDataset(ctx, dataset.Id)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B", "b"}, loaded.Schema.ColumnKeys())
}

func TestUpsertRowReplacesData(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	dataset, err := store.CreateDataset(ctx, "T", []string{"A", "B"}, "", "")
	require.NoError(t, err)

	row, created, err := store.UpsertRow(ctx, dataset.Id, 0, map[string]any{"A": "1", "B": "2"})
	require.NoError(t, err)
	require.True(t, created)

	// a full replace, not a field merge
	replaced, created, err := store.UpsertRow(ctx, dataset.Id, row.Id, map[string]any{"A": "x"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, row.Id, replaced.Id)

	loaded, err := store.getRow(ctx, dataset.Id, row.Id)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"A": "x"}, loaded.Data)

	// an unknown id creates a fresh row with a new id
	fresh, created, err := store.UpsertRow(ctx, dataset.Id, 99999, map[string]any{"A": "y"})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, int64(99999), fresh.Id)
}

func TestPatchCell(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	dataset, err := store.CreateDataset(ctx, "T", []string{"A"}, "", "")
	require.NoError(t, err)

	row, _, err := store.UpsertRow(ctx, dataset.Id, 0, map[string]any{"A": ""})
	require.NoError(t, err)

	patched, err := store.PatchCell(ctx, dataset.Id, row.Id, "A", "x")
	require.NoError(t, err)
	require.Equal(t, "x", patched.Data["A"])

	// idempotent: the same patch applied twice leaves the same state
	patched, err = store.PatchCell(ctx, dataset.Id, row.Id, "A", "x")
	require.NoError(t, err)
	require.Equal(t, "x", patched.Data["A"])

	// only the patched key changes
	patched, err = store.PatchCell(ctx, dataset.Id, row.Id, "B", "extra")
	require.NoError(t, err)
	require.Equal(t, "x", patched.Data["A"])
	require.Equal(t, "extra", patched.Data["B"])

	_, err = store.PatchCell(ctx, dataset.Id, 99999, "A", "x")
	require.ErrorIs(t, err, ErrRowNotFound)

	// archived rows are not patchable
	_, err = store.ArchiveRows(ctx, dataset.Id, []int64{row.Id})
	require.NoError(t, err)
	_, err = store.PatchCell(ctx, dataset.Id, row.Id, "A", "y")
	require.ErrorIs(t, err, ErrRowNotFound)
}

func TestArchiveRowsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	dataset, err := store.CreateDataset(ctx, "T", []string{"A"}, "", "")
	require.NoError(t, err)

	row, _, err := store.UpsertRow(ctx, dataset.Id, 0, map[string]any{"A": "1"})
	require.NoError(t, err)

	count, err := store.ArchiveRows(ctx, dataset.Id, []int64{row.Id})
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	// already archived and missing ids are no-ops
	count, err = store.ArchiveRows(ctx, dataset.Id, []int64{row.Id, 99999})
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	page, err := store.ListRows(ctx, dataset.Id, "", 0, DefaultRowLimit)
	require.NoError(t, err)
	require.Equal(t, int64(0), page.Total)
	require.Empty(t, page.Rows)
}

func TestListRows(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	dataset, err := store.CreateDataset(ctx, "T", []string{"A"}, "", "")
	require.NoError(t, err)

	for i := 0; i < 5; i += 1 {
		_, _, err := store.UpsertRow(ctx, dataset.Id, 0, map[string]any{
			"A": []string{"Apple", "Banana", "Cherry", "apple pie", "Durian"}[i],
		})
		require.NoError(t, err)
	}

	// id ascending
	page, err := store.ListRows(ctx, dataset.Id, "", 0, DefaultRowLimit)
	require.NoError(t, err)
	require.Equal(t, int64(5), page.Total)
	for i := 1; i < len(page.Rows); i += 1 {
		require.Less(t, page.Rows[i-1].Id, page.Rows[i].Id)
	}

	// substring search is case insensitive over the data projection
	page, err = store.ListRows(ctx, dataset.Id, "APPLE", 0, DefaultRowLimit)
	require.NoError(t, err)
	require.Equal(t, int64(2), page.Total)

	// offset and clamped limit
	page, err = store.ListRows(ctx, dataset.Id, "", 2, 0)
	require.NoError(t, err)
	require.Equal(t, int64(5), page.Total)
	require.Equal(t, 1, len(page.Rows))

	page, err = store.ListRows(ctx, dataset.Id, "", -10, 100000)
	require.NoError(t, err)
	require.Equal(t, 5, len(page.Rows))
}

func TestListDatasetsByClient(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.CreateDataset(ctx, "A", nil, "client-1", "")
	require.NoError(t, err)
	_, err = store.CreateDataset(ctx, "B", nil, "client-2", "")
	require.NoError(t, err)
	_, err = store.CreateDataset(ctx, "C", nil, "client-1", "")
	require.NoError(t, err)

	mine, err := store.ListDatasetsByClient(ctx, "client-1")
	require.NoError(t, err)
	require.Equal(t, 2, len(mine))
	for _, dataset := range mine {
		require.Equal(t, "client-1", dataset.CreatedByClient)
	}

	all, err := store.ListDatasets(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, len(all))
}

func TestReplaceSchema(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	dataset, err := store.CreateDataset(ctx, "T", []string{"A", "B"}, "", "")
	require.NoError(t, err)

	row, _, err := store.UpsertRow(ctx, dataset.Id, 0, map[string]any{"A": "1"})
	require.NoError(t, err)

	// wholesale replace, not a merge with the prior schema
	updated, err := store.ReplaceSchema(ctx, dataset.Id, []string{"X", "Y"})
	require.NoError(t, err)
	require.Equal(t, []string{"X", "Y"}, updated.Schema.ColumnKeys())

	// rows keep their values under the old keys
	loaded, err := store.getRow(ctx, dataset.Id, row.Id)
	require.NoError(t, err)
	require.Equal(t, "1", loaded.Data["A"])

	_, err = store.ReplaceSchema(ctx, 99999, []string{"X"})
	require.ErrorIs(t, err, ErrDatasetNotFound)
}
