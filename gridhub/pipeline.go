package gridhub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang/glog"
)

type CollabSettings struct {
	// import payloads above this size are rejected before parsing
	MaxImportBytes ByteCount
}

func DefaultCollabSettings() *CollabSettings {
	return &CollabSettings{
		MaxImportBytes: mib(5),
	}
}

// Collab runs every mutation through the same shape:
// validate, resolve the dataset, commit to the store, then hand the resulting
// event to the hub. the broadcast happens only after the commit and its outcome
// is invisible to the mutation caller.
type Collab struct {
	store Store
	hub   *Hub

	settings *CollabSettings
}

func NewCollabWithDefaults(store Store, hub *Hub) *Collab {
	return NewCollab(store, hub, DefaultCollabSettings())
}

func NewCollab(store Store, hub *Hub, settings *CollabSettings) *Collab {
	return &Collab{
		store:    store,
		hub:      hub,
		settings: settings,
	}
}

func (self *Collab) Store() Store {
	return self.store
}

func (self *Collab) Hub() *Hub {
	return self.hub
}

func (self *Collab) notify(datasetId int64, message Message) {
	// fire and forget. the request completes on the storage commit,
	// never on delivery to live peers.
	go self.hub.Broadcast(datasetId, message)
}

func (self *Collab) CreateDataset(
	ctx context.Context,
	name string,
	columns []string,
	createdByClient string,
	ownerId string,
) (*Dataset, error) {
	dataset, err := self.store.CreateDataset(ctx, name, columns, createdByClient, ownerId)
	if err != nil {
		return nil, err
	}

	metricMutations.WithLabelValues("create_dataset").Inc()
	glog.V(2).Infof("[collab]create dataset=%d name=%s\n", dataset.Id, dataset.Name)
	return dataset, nil
}

func (self *Collab) GetDataset(ctx context.Context, datasetId int64) (*Dataset, error) {
	return self.store.GetDataset(ctx, datasetId)
}

func (self *Collab) ListDatasets(ctx context.Context) ([]*Dataset, error) {
	return self.store.ListDatasets(ctx)
}

func (self *Collab) ListDatasetsByClient(ctx context.Context, clientTag string) ([]*Dataset, error) {
	if strings.TrimSpace(clientTag) == "" {
		return nil, NewValidationError("client_id required")
	}
	return self.store.ListDatasetsByClient(ctx, clientTag)
}

func (self *Collab) ListRows(
	ctx context.Context,
	datasetId int64,
	query string,
	offset int,
	limit int,
) (*RowPage, error) {
	if _, err := self.store.GetDataset(ctx, datasetId); err != nil {
		return nil, err
	}
	return self.store.ListRows(ctx, datasetId, query, offset, limit)
}

// PatchCell sets one cell and returns the broadcast message describing the
// applied state, which the response echoes back to the caller.
func (self *Collab) PatchCell(
	ctx context.Context,
	datasetId int64,
	rowId int64,
	key string,
	value any,
) (Message, error) {
	if rowId <= 0 {
		return nil, NewValidationError("row id required")
	}
	if key == "" {
		return nil, NewValidationError("key required")
	}

	row, err := self.store.PatchCell(ctx, datasetId, rowId, key, value)
	if err != nil {
		return nil, err
	}

	metricMutations.WithLabelValues("patch_cell").Inc()
	message := NewCellMessage(row.Id, key, value)
	self.notify(datasetId, message)
	return message, nil
}

// UpsertRows replaces rows whose id matches an existing row and creates the
// rest. exactly one rows_upsert broadcast covers all newly created rows.
func (self *Collab) UpsertRows(
	ctx context.Context,
	datasetId int64,
	items []map[string]any,
) (int, error) {
	if items == nil {
		return 0, NewValidationError("rows required")
	}
	if _, err := self.store.GetDataset(ctx, datasetId); err != nil {
		return 0, err
	}

	createdRows := []map[string]any{}
	for _, item := range items {
		rowId := extractRowId(item)
		fields := map[string]any{}
		for key, value := range item {
			if key == "id" {
				continue
			}
			fields[key] = value
		}

		row, created, err := self.store.UpsertRow(ctx, datasetId, rowId, fields)
		if err != nil {
			return 0, err
		}
		if created {
			createdRows = append(createdRows, row.Payload())
		}
	}

	metricMutations.WithLabelValues("upsert_rows").Inc()
	if 0 < len(createdRows) {
		self.notify(datasetId, NewRowsUpsertMessage(createdRows))
	}
	return len(createdRows), nil
}

func (self *Collab) AddColumn(ctx context.Context, datasetId int64, key string) (*Schema, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, NewValidationError("column key required")
	}

	dataset, err := self.store.AddColumn(ctx, datasetId, key)
	if err != nil {
		return nil, err
	}

	metricMutations.WithLabelValues("add_column").Inc()
	self.notify(datasetId, NewColumnAddMessage(key))
	return dataset.Schema, nil
}

// DeleteRows archives, never physically removes. idempotent per id.
func (self *Collab) DeleteRows(ctx context.Context, datasetId int64, rowIds []int64) (int64, error) {
	if len(rowIds) == 0 {
		return 0, NewValidationError("ids required")
	}
	if _, err := self.store.GetDataset(ctx, datasetId); err != nil {
		return 0, err
	}

	count, err := self.store.ArchiveRows(ctx, datasetId, rowIds)
	if err != nil {
		return 0, err
	}

	metricMutations.WithLabelValues("delete_rows").Inc()
	if 0 < count {
		self.notify(datasetId, NewDeleteRowsMessage(rowIds))
	}
	return count, nil
}

type ImportResult struct {
	RowsAdded int
	Schema    *Schema
}

// Import bulk-loads rows from a csv or json upload. column keys observed in
// the upload replace the dataset schema wholesale.
func (self *Collab) Import(
	ctx context.Context,
	datasetId int64,
	filename string,
	content []byte,
) (*ImportResult, error) {
	dataset, err := self.store.GetDataset(ctx, datasetId)
	if err != nil {
		return nil, err
	}

	if len(content) == 0 {
		return nil, NewValidationError("empty file")
	}
	if self.settings.MaxImportBytes < ByteCount(len(content)) {
		return nil, ErrImportTooLarge
	}

	rows, columns, err := parseImport(filename, content)
	if err != nil {
		return nil, err
	}

	if 0 < len(columns) {
		dataset, err = self.store.ReplaceSchema(ctx, datasetId, columns)
		if err != nil {
			return nil, err
		}
	}

	createdRows := []map[string]any{}
	for _, fields := range rows {
		row, _, err := self.store.UpsertRow(ctx, datasetId, 0, fields)
		if err != nil {
			return nil, err
		}
		createdRows = append(createdRows, row.Payload())
	}

	metricMutations.WithLabelValues("import").Inc()
	if 0 < len(createdRows) {
		self.notify(datasetId, NewRowsUpsertMessage(createdRows))
	}

	glog.V(2).Infof("[collab]import dataset=%d rows=%d columns=%d\n", datasetId, len(createdRows), len(columns))
	return &ImportResult{
		RowsAdded: len(createdRows),
		Schema:    dataset.Schema,
	}, nil
}

type ExportResult struct {
	Filename string
	// a row list for json, flattened text for csv
	Content any
}

func (self *Collab) Export(ctx context.Context, datasetId int64, format string) (*ExportResult, error) {
	if format != "json" && format != "csv" {
		return nil, NewValidationError("fmt must be json or csv")
	}

	dataset, err := self.store.GetDataset(ctx, datasetId)
	if err != nil {
		return nil, err
	}

	rows, err := self.store.ListAllRows(ctx, datasetId)
	if err != nil {
		return nil, err
	}

	if format == "csv" {
		content, err := exportCsv(dataset.Schema, rows)
		if err != nil {
			return nil, err
		}
		return &ExportResult{
			Filename: fmt.Sprintf("%s.csv", dataset.Name),
			Content:  content,
		}, nil
	}

	payload := []map[string]any{}
	for _, row := range rows {
		payload = append(payload, row.Payload())
	}
	return &ExportResult{
		Filename: fmt.Sprintf("%s.json", dataset.Name),
		Content:  payload,
	}, nil
}

// row ids arrive as json numbers or strings depending on the producer
func extractRowId(item map[string]any) int64 {
	switch v := item["id"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		if id, err := v.Int64(); err == nil {
			return id
		}
	}
	return 0
}
