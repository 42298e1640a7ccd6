package gridhub

import (
	"time"
)

// the column set used when a dataset is created without explicit columns.
// this is the standard reading log header carried over from the first deployments.
var DefaultColumns = []string{
	"KKC CODE",
	"CHAPTER",
	"BODY PART",
	"MODALITTY",
	"OCTR UI",
	"DX",
	"DZ",
	"DZ PRIOR",
	"AGE CODE",
	"SEX",
	"IMPRESSION",
	"LOG COMPLETE",
}

type ColumnSpec struct {
	Key  string `json:"key"`
	Type string `json:"type"`
}

// schema is advisory. row data may carry keys not present here.
type Schema struct {
	Columns []ColumnSpec `json:"columns"`
}

func NewSchema(columns []string) *Schema {
	specs := []ColumnSpec{}
	for _, key := range columns {
		specs = append(specs, ColumnSpec{
			Key:  key,
			Type: "string",
		})
	}
	return &Schema{
		Columns: specs,
	}
}

func (self *Schema) ColumnKeys() []string {
	keys := []string{}
	for _, column := range self.Columns {
		keys = append(keys, column.Key)
	}
	return keys
}

func (self *Schema) HasColumn(key string) bool {
	for _, column := range self.Columns {
		if column.Key == key {
			return true
		}
	}
	return false
}

// the unit of subscription and broadcast
type Dataset struct {
	Id              int64
	Name            string
	OwnerId         string
	CreatedByClient string
	Schema          *Schema
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// one schemaless record owned by exactly one dataset.
// archived rows stay stored but are excluded from active views.
type Row struct {
	Id        int64
	DatasetId int64
	Data      map[string]any
	Archived  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// the wire shape of a row: data keys plus the row id
func (self *Row) Payload() map[string]any {
	payload := map[string]any{}
	for key, value := range self.Data {
		payload[key] = value
	}
	payload["id"] = self.Id
	return payload
}

type RowPage struct {
	Total int64
	Rows  []*Row
}

// use this type when counting bytes
type ByteCount = int64

func mib(c ByteCount) ByteCount {
	return c * ByteCount(1024*1024)
}

func formatStamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
