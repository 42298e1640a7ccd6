package gridhub

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()

	end := time.Now().Add(2 * time.Second)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newTestCollab(t *testing.T) *Collab {
	t.Helper()

	store := newTestStore(t)
	hub := NewHubWithDefaults(context.Background())
	t.Cleanup(hub.Close)
	return NewCollabWithDefaults(store, hub)
}

// the full collaborative editing walkthrough:
// create, upsert, patch, add column, archive, with every mutation fanned out
// to a live subscriber
func TestCollabScenario(t *testing.T) {
	ctx := context.Background()
	collab := newTestCollab(t)

	watcher := newCaptureSubscriber("watcher")

	dataset, err := collab.CreateDataset(ctx, "T", []string{"A"}, "", "")
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"A"}, dataset.Schema.ColumnKeys())

	collab.Hub().Subscribe(dataset.Id, watcher)

	created, err := collab.UpsertRows(ctx, dataset.Id, []map[string]any{{"A": ""}})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, created)
	waitFor(t, func() bool { return watcher.messageCount() == 1 })
	assert.Equal(t, MessageTypeRowsUpsert, watcher.lastMessage().Type())

	page, err := collab.ListRows(ctx, dataset.Id, "", 0, DefaultRowLimit)
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, "", page.Rows[0].Data["A"])
	rowId := page.Rows[0].Id

	applied, err := collab.PatchCell(ctx, dataset.Id, rowId, "A", "x")
	assert.Equal(t, nil, err)
	assert.Equal(t, MessageTypeCell, applied.Type())
	waitFor(t, func() bool { return watcher.messageCount() == 2 })

	page, err = collab.ListRows(ctx, dataset.Id, "", 0, DefaultRowLimit)
	assert.Equal(t, nil, err)
	assert.Equal(t, "x", page.Rows[0].Data["A"])

	schema, err := collab.AddColumn(ctx, dataset.Id, "B")
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"A", "B"}, schema.ColumnKeys())
	waitFor(t, func() bool { return watcher.messageCount() == 3 })
	assert.Equal(t, MessageTypeColumnAdd, watcher.lastMessage().Type())

	deleted, err := collab.DeleteRows(ctx, dataset.Id, []int64{rowId})
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(1), deleted)
	waitFor(t, func() bool { return watcher.messageCount() == 4 })
	assert.Equal(t, MessageTypeDeleteRows, watcher.lastMessage().Type())

	// archiving again is a no-op and broadcasts nothing further
	deleted, err = collab.DeleteRows(ctx, dataset.Id, []int64{rowId})
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(0), deleted)

	page, err = collab.ListRows(ctx, dataset.Id, "", 0, DefaultRowLimit)
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(0), page.Total)
}

func TestPatchCellValidation(t *testing.T) {
	ctx := context.Background()
	collab := newTestCollab(t)

	var validationErr *ValidationError

	_, err := collab.PatchCell(ctx, 1, 0, "A", "x")
	assert.Equal(t, true, asValidationError(err, &validationErr))

	_, err = collab.PatchCell(ctx, 1, 1, "", "x")
	assert.Equal(t, true, asValidationError(err, &validationErr))
}

func TestUpsertBroadcastsOnlyCreatedRows(t *testing.T) {
	ctx := context.Background()
	collab := newTestCollab(t)

	dataset, err := collab.CreateDataset(ctx, "T", []string{"A"}, "", "")
	assert.Equal(t, nil, err)

	created, err := collab.UpsertRows(ctx, dataset.Id, []map[string]any{{"A": "1"}, {"A": "2"}})
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, created)

	page, err := collab.ListRows(ctx, dataset.Id, "", 0, DefaultRowLimit)
	assert.Equal(t, nil, err)
	rowId := page.Rows[0].Id

	watcher := newCaptureSubscriber("watcher")
	collab.Hub().Subscribe(dataset.Id, watcher)

	// replacing an existing row creates nothing and broadcasts nothing
	created, err = collab.UpsertRows(ctx, dataset.Id, []map[string]any{
		{"id": float64(rowId), "A": "replaced"},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, created)

	// a mixed batch broadcasts one rows_upsert holding only the new rows
	created, err = collab.UpsertRows(ctx, dataset.Id, []map[string]any{
		{"id": float64(rowId), "A": "again"},
		{"A": "new"},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, created)

	waitFor(t, func() bool { return watcher.messageCount() == 1 })
	message := watcher.lastMessage()
	assert.Equal(t, MessageTypeRowsUpsert, message.Type())
	rows := message["rows"].([]any)
	assert.Equal(t, 1, len(rows))

	_, err = collab.UpsertRows(ctx, 99999, []map[string]any{{"A": "1"}})
	assert.Equal(t, ErrDatasetNotFound, err)

	var validationErr *ValidationError
	_, err = collab.UpsertRows(ctx, dataset.Id, nil)
	assert.Equal(t, true, asValidationError(err, &validationErr))
}

func TestImportCsv(t *testing.T) {
	ctx := context.Background()
	collab := newTestCollab(t)

	dataset, err := collab.CreateDataset(ctx, "T", []string{"OLD"}, "", "")
	assert.Equal(t, nil, err)

	watcher := newCaptureSubscriber("watcher")
	collab.Hub().Subscribe(dataset.Id, watcher)

	result, err := collab.Import(ctx, dataset.Id, "grid.csv", []byte("A,B\n1,2\n3,4\n"))
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, result.RowsAdded)
	// observed columns replace the schema wholesale
	assert.Equal(t, []string{"A", "B"}, result.Schema.ColumnKeys())

	// all imported rows arrive in a single broadcast
	waitFor(t, func() bool { return watcher.messageCount() == 1 })
	message := watcher.lastMessage()
	assert.Equal(t, MessageTypeRowsUpsert, message.Type())
	assert.Equal(t, 2, len(message["rows"].([]any)))

	// round trip through csv export
	export, err := collab.Export(ctx, dataset.Id, "csv")
	assert.Equal(t, nil, err)
	assert.Equal(t, "T.csv", export.Filename)
	assert.Equal(t, "A,B\n1,2\n3,4\n", export.Content)
}

func TestImportJsonWithoutRows(t *testing.T) {
	ctx := context.Background()
	collab := newTestCollab(t)

	dataset, err := collab.CreateDataset(ctx, "T", []string{"A"}, "", "")
	assert.Equal(t, nil, err)

	// an object without a rows list imports nothing and keeps the schema
	result, err := collab.Import(ctx, dataset.Id, "grid.json", []byte(`{"meta": "x"}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, result.RowsAdded)
	assert.Equal(t, []string{"A"}, result.Schema.ColumnKeys())

	loaded, err := collab.GetDataset(ctx, dataset.Id)
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"A"}, loaded.Schema.ColumnKeys())
}

func TestImportValidation(t *testing.T) {
	ctx := context.Background()
	collab := newTestCollab(t)

	dataset, err := collab.CreateDataset(ctx, "T", nil, "", "")
	assert.Equal(t, nil, err)

	var validationErr *ValidationError
	_, err = collab.Import(ctx, dataset.Id, "grid.csv", []byte{})
	assert.Equal(t, true, asValidationError(err, &validationErr))

	_, err = collab.Import(ctx, dataset.Id, "grid.json", []byte(`not json`))
	assert.Equal(t, true, asValidationError(err, &validationErr))

	oversized := make([]byte, mib(5)+1)
	_, err = collab.Import(ctx, dataset.Id, "grid.csv", oversized)
	assert.Equal(t, ErrImportTooLarge, err)

	_, err = collab.Import(ctx, 99999, "grid.csv", []byte("A\n1\n"))
	assert.Equal(t, ErrDatasetNotFound, err)
}

func TestExportJson(t *testing.T) {
	ctx := context.Background()
	collab := newTestCollab(t)

	dataset, err := collab.CreateDataset(ctx, "T", []string{"A"}, "", "")
	assert.Equal(t, nil, err)

	_, err = collab.UpsertRows(ctx, dataset.Id, []map[string]any{{"A": "1"}})
	assert.Equal(t, nil, err)

	export, err := collab.Export(ctx, dataset.Id, "json")
	assert.Equal(t, nil, err)
	assert.Equal(t, "T.json", export.Filename)

	rows := export.Content.([]map[string]any)
	assert.Equal(t, 1, len(rows))
	assert.Equal(t, "1", rows[0]["A"])
	assert.NotEqual(t, nil, rows[0]["id"])

	var validationErr *ValidationError
	_, err = collab.Export(ctx, dataset.Id, "xml")
	assert.Equal(t, true, asValidationError(err, &validationErr))
}
