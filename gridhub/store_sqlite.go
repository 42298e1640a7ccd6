package gridhub

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var sqliteMigrations embed.FS

type SqliteStore struct {
	db   *sql.DB
	stbl sq.StatementBuilderType
}

// set journal mode, busy timeout and tx lock mode unless the dsn already does.
// immediate tx lock serializes writers up front instead of failing midway.
func prepareSqliteDsn(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}
		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	return uri + "?" + query.Encode(), nil
}

func NewSqliteStore(uri string) (*SqliteStore, error) {
	uri, err := prepareSqliteDsn(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	goose.SetBaseFS(sqliteMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, err
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SqliteStore{
		db:   db,
		stbl: sq.StatementBuilder.RunWith(db),
	}, nil
}

func (self *SqliteStore) Close() {
	self.db.Close()
}

func (self *SqliteStore) CreateDataset(
	ctx context.Context,
	name string,
	columns []string,
	createdByClient string,
	ownerId string,
) (*Dataset, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, NewValidationError("dataset name required")
	}

	columns = normalizeColumns(columns)
	if len(columns) == 0 {
		columns = normalizeColumns(DefaultColumns)
	}
	schema := NewSchema(columns)

	schemaJson, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result, err := self.stbl.
		Insert("datasets").
		Columns("name", "owner_id", "created_by_client", "schema", "created_at", "updated_at").
		Values(name, ownerId, createdByClient, string(schemaJson), now, now).
		ExecContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("insert dataset: %w", err)
	}
	datasetId, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &Dataset{
		Id:              datasetId,
		Name:            name,
		OwnerId:         ownerId,
		CreatedByClient: createdByClient,
		Schema:          schema,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (self *SqliteStore) GetDataset(ctx context.Context, datasetId int64) (*Dataset, error) {
	row := self.stbl.
		Select("id", "name", "owner_id", "created_by_client", "schema", "created_at", "updated_at").
		From("datasets").
		Where(sq.Eq{"id": datasetId}).
		QueryRowContext(ctx)
	return scanDataset(row)
}

func (self *SqliteStore) ListDatasets(ctx context.Context) ([]*Dataset, error) {
	rows, err := self.stbl.
		Select("id", "name", "owner_id", "created_by_client", "schema", "created_at", "updated_at").
		From("datasets").
		OrderBy("updated_at DESC", "id DESC").
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDatasets(rows)
}

func (self *SqliteStore) ListDatasetsByClient(ctx context.Context, clientTag string) ([]*Dataset, error) {
	rows, err := self.stbl.
		Select("id", "name", "owner_id", "created_by_client", "schema", "created_at", "updated_at").
		From("datasets").
		Where(sq.Eq{"created_by_client": clientTag}).
		OrderBy("updated_at DESC", "id DESC").
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDatasets(rows)
}

func (self *SqliteStore) AddColumn(ctx context.Context, datasetId int64, key string) (*Dataset, error) {
	dataset, err := self.GetDataset(ctx, datasetId)
	if err != nil {
		return nil, err
	}

	if dataset.Schema.HasColumn(key) {
		return nil, ErrColumnExists
	}

	dataset.Schema.Columns = append(dataset.Schema.Columns, ColumnSpec{
		Key:  key,
		Type: "string",
	})
	return self.writeSchema(ctx, dataset)
}

func (self *SqliteStore) ReplaceSchema(ctx context.Context, datasetId int64, columns []string) (*Dataset, error) {
	dataset, err := self.GetDataset(ctx, datasetId)
	if err != nil {
		return nil, err
	}

	dataset.Schema = NewSchema(normalizeColumns(columns))
	return self.writeSchema(ctx, dataset)
}

func (self *SqliteStore) writeSchema(ctx context.Context, dataset *Dataset) (*Dataset, error) {
	schemaJson, err := json.Marshal(dataset.Schema)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = self.stbl.
		Update("datasets").
		Set("schema", string(schemaJson)).
		Set("updated_at", now).
		Where(sq.Eq{"id": dataset.Id}).
		ExecContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("update schema: %w", err)
	}

	dataset.UpdatedAt = now
	return dataset, nil
}

func (self *SqliteStore) ListRows(
	ctx context.Context,
	datasetId int64,
	query string,
	offset int,
	limit int,
) (*RowPage, error) {
	offset = clampOffset(offset)
	limit = clampLimit(limit)

	where := sq.And{
		sq.Eq{"dataset_id": datasetId},
		sq.Eq{"archived": 0},
	}
	if query != "" {
		where = append(where, sq.Expr(
			"LOWER(data) LIKE ?",
			"%"+strings.ToLower(query)+"%",
		))
	}

	var total int64
	err := self.stbl.
		Select("COUNT(*)").
		From("dataset_rows").
		Where(where).
		QueryRowContext(ctx).
		Scan(&total)
	if err != nil {
		return nil, err
	}

	rows, err := self.stbl.
		Select("id", "dataset_id", "data", "archived", "created_at", "updated_at").
		From("dataset_rows").
		Where(where).
		OrderBy("id ASC").
		Offset(uint64(offset)).
		Limit(uint64(limit)).
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	return &RowPage{
		Total: total,
		Rows:  out,
	}, nil
}

func (self *SqliteStore) ListAllRows(ctx context.Context, datasetId int64) ([]*Row, error) {
	rows, err := self.stbl.
		Select("id", "dataset_id", "data", "archived", "created_at", "updated_at").
		From("dataset_rows").
		Where(sq.And{
			sq.Eq{"dataset_id": datasetId},
			sq.Eq{"archived": 0},
		}).
		OrderBy("id ASC").
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func (self *SqliteStore) UpsertRow(
	ctx context.Context,
	datasetId int64,
	rowId int64,
	fields map[string]any,
) (*Row, bool, error) {
	dataJson, err := json.Marshal(fields)
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()

	if 0 < rowId {
		existing, err := self.getRow(ctx, datasetId, rowId)
		if err != nil && !errors.Is(err, ErrRowNotFound) {
			return nil, false, err
		}
		if existing != nil {
			// full replace of the data mapping, not a field merge
			_, err = self.stbl.
				Update("dataset_rows").
				Set("data", string(dataJson)).
				Set("updated_at", now).
				Where(sq.Eq{"id": rowId, "dataset_id": datasetId}).
				ExecContext(ctx)
			if err != nil {
				return nil, false, fmt.Errorf("update row: %w", err)
			}
			self.touchDataset(ctx, datasetId, now)
			existing.Data = fields
			existing.UpdatedAt = now
			return existing, false, nil
		}
	}

	result, err := self.stbl.
		Insert("dataset_rows").
		Columns("dataset_id", "data", "archived", "created_at", "updated_at").
		Values(datasetId, string(dataJson), 0, now, now).
		ExecContext(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("insert row: %w", err)
	}
	newRowId, err := result.LastInsertId()
	if err != nil {
		return nil, false, err
	}
	self.touchDataset(ctx, datasetId, now)

	return &Row{
		Id:        newRowId,
		DatasetId: datasetId,
		Data:      fields,
		CreatedAt: now,
		UpdatedAt: now,
	}, true, nil
}

func (self *SqliteStore) PatchCell(
	ctx context.Context,
	datasetId int64,
	rowId int64,
	key string,
	value any,
) (*Row, error) {
	row, err := self.getRow(ctx, datasetId, rowId)
	if err != nil {
		return nil, err
	}
	if row.Archived {
		return nil, ErrRowNotFound
	}

	if row.Data == nil {
		row.Data = map[string]any{}
	}
	row.Data[key] = value

	dataJson, err := json.Marshal(row.Data)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = self.stbl.
		Update("dataset_rows").
		Set("data", string(dataJson)).
		Set("updated_at", now).
		Where(sq.Eq{"id": rowId, "dataset_id": datasetId}).
		ExecContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("patch cell: %w", err)
	}
	self.touchDataset(ctx, datasetId, now)

	row.UpdatedAt = now
	return row, nil
}

func (self *SqliteStore) ArchiveRows(ctx context.Context, datasetId int64, rowIds []int64) (int64, error) {
	if len(rowIds) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	result, err := self.stbl.
		Update("dataset_rows").
		Set("archived", 1).
		Set("updated_at", now).
		Where(sq.And{
			sq.Eq{"dataset_id": datasetId},
			sq.Eq{"id": rowIds},
			sq.Eq{"archived": 0},
		}).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("archive rows: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if 0 < count {
		self.touchDataset(ctx, datasetId, now)
	}
	return count, nil
}

func (self *SqliteStore) getRow(ctx context.Context, datasetId int64, rowId int64) (*Row, error) {
	row := self.stbl.
		Select("id", "dataset_id", "data", "archived", "created_at", "updated_at").
		From("dataset_rows").
		Where(sq.Eq{"id": rowId, "dataset_id": datasetId}).
		QueryRowContext(ctx)
	return scanRow(row)
}

// row mutations count as dataset activity
func (self *SqliteStore) touchDataset(ctx context.Context, datasetId int64, now time.Time) {
	_, err := self.stbl.
		Update("datasets").
		Set("updated_at", now).
		Where(sq.Eq{"id": datasetId}).
		ExecContext(ctx)
	if err != nil {
		// non-fatal. updated_at lags until the next successful mutation.
		return
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataset(scanner rowScanner) (*Dataset, error) {
	dataset := &Dataset{}
	var schemaJson string
	err := scanner.Scan(
		&dataset.Id,
		&dataset.Name,
		&dataset.OwnerId,
		&dataset.CreatedByClient,
		&schemaJson,
		&dataset.CreatedAt,
		&dataset.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDatasetNotFound
		}
		return nil, err
	}

	schema := &Schema{}
	if err := json.Unmarshal([]byte(schemaJson), schema); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	dataset.Schema = schema
	return dataset, nil
}

func scanDatasets(rows *sql.Rows) ([]*Dataset, error) {
	datasets := []*Dataset{}
	for rows.Next() {
		dataset, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		datasets = append(datasets, dataset)
	}
	return datasets, rows.Err()
}

func scanRow(scanner rowScanner) (*Row, error) {
	row := &Row{}
	var dataJson string
	var archived int
	err := scanner.Scan(
		&row.Id,
		&row.DatasetId,
		&dataJson,
		&archived,
		&row.CreatedAt,
		&row.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRowNotFound
		}
		return nil, err
	}
	row.Archived = archived != 0

	data := map[string]any{}
	if err := json.Unmarshal([]byte(dataJson), &data); err != nil {
		return nil, fmt.Errorf("decode row data: %w", err)
	}
	row.Data = data
	return row, nil
}

func scanRows(rows *sql.Rows) ([]*Row, error) {
	out := []*Row{}
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
