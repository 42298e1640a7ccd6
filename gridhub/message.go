package gridhub

import (
	"time"
)

// broadcast message types. each message is a full statement of new state for
// the referenced key/row, never a delta, so receivers tolerate reordering.
const MessageTypeCell = "cell"
const MessageTypeRowsUpsert = "rows_upsert"
const MessageTypeColumnAdd = "column_add"
const MessageTypeDeleteRows = "delete_rows"

// transient event pushed to live subscribers. never persisted, best effort only.
type Message map[string]any

func NewCellMessage(rowId int64, key string, value any) Message {
	return Message{
		"type":       MessageTypeCell,
		"row_id":     rowId,
		"key":        key,
		"value":      value,
		"updated_at": formatStamp(time.Now()),
	}
}

func NewRowsUpsertMessage(rows []map[string]any) Message {
	return Message{
		"type": MessageTypeRowsUpsert,
		"rows": rows,
	}
}

func NewColumnAddMessage(key string) Message {
	return Message{
		"type": MessageTypeColumnAdd,
		"key":  key,
	}
}

func NewDeleteRowsMessage(ids []int64) Message {
	return Message{
		"type": MessageTypeDeleteRows,
		"ids":  ids,
	}
}

func (self Message) Type() string {
	if t, ok := self["type"].(string); ok {
		return t
	}
	return ""
}
