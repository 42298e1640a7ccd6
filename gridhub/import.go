package gridhub

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// parseImport decodes an uploaded file into rows plus the column keys observed
// in it. json files may be either {"rows": [...]} or a bare list of objects.
// anything else is treated as delimited text with a header row of column keys.
func parseImport(filename string, content []byte) ([]map[string]any, []string, error) {
	if strings.HasSuffix(strings.ToLower(filename), ".json") {
		return parseJsonImport(content)
	}
	return parseCsvImport(content)
}

func parseJsonImport(content []byte) ([]map[string]any, []string, error) {
	var decoded any
	if err := json.Unmarshal(content, &decoded); err != nil {
		return nil, nil, NewValidationError("failed to parse import file")
	}

	// only a {"rows": [...]} wrapper or a bare list carries rows.
	// any other decodable document imports zero rows and leaves the schema alone.
	var items []any
	switch v := decoded.(type) {
	case map[string]any:
		if wrapped, ok := v["rows"].([]any); ok {
			items = wrapped
		}
	case []any:
		items = v
	}

	rows := []map[string]any{}
	keySet := map[string]bool{}
	for _, item := range items {
		row, ok := item.(map[string]any)
		if !ok {
			return nil, nil, NewValidationError("failed to parse import file")
		}
		rows = append(rows, row)
		for key := range row {
			keySet[key] = true
		}
	}

	columns := []string{}
	for key := range keySet {
		columns = append(columns, key)
	}
	slices.Sort(columns)

	return rows, columns, nil
}

func parseCsvImport(content []byte) ([]map[string]any, []string, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, NewValidationError("failed to parse import file")
	}
	if len(records) == 0 {
		return nil, nil, NewValidationError("failed to parse import file")
	}

	columns := records[0]
	rows := []map[string]any{}
	for _, record := range records[1:] {
		row := map[string]any{}
		for i, key := range columns {
			if i < len(record) {
				row[key] = record[i]
			} else {
				row[key] = ""
			}
		}
		rows = append(rows, row)
	}

	return rows, columns, nil
}

// exportCsv flattens rows to the schema column order, missing keys as empty
func exportCsv(schema *Schema, rows []*Row) (string, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)

	headers := schema.ColumnKeys()
	if err := writer.Write(headers); err != nil {
		return "", err
	}
	for _, row := range rows {
		record := []string{}
		for _, key := range headers {
			record = append(record, stringifyCell(row.Data[key]))
		}
		if err := writer.Write(record); err != nil {
			return "", err
		}
	}
	writer.Flush()

	return buf.String(), writer.Error()
}

func stringifyCell(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
