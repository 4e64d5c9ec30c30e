// Package wire defines the message shapes that flow across the
// boundaries named in spec.md §6: the change stream itself, the
// upstream/downstream WebSocket message kinds, and the push/transform
// HTTP payloads. It has no behavior of its own — just the tagged-union
// data model the rest of the module operates on, grounded on the
// message-doc shape in the storj changestream example
// (other_examples/12f5f078_storj-storj__...changestream-doc.go.go).
package wire

import "encoding/json"

// ChangeKind tags the kind field of a ChangeStreamMessage, per
// spec.md §3: "A tagged triple [kind, body, meta]".
type ChangeKind string

const (
	ChangeBegin    ChangeKind = "begin"
	ChangeCommit   ChangeKind = "commit"
	ChangeData     ChangeKind = "data"
	ChangeStatus   ChangeKind = "status"
	ChangeRollback ChangeKind = "rollback"
)

// DataKind tags the body of a ChangeData message.
type DataKind string

const (
	DataInsert              DataKind = "insert"
	DataUpdate              DataKind = "update"
	DataDelete              DataKind = "delete"
	DataTruncate            DataKind = "truncate"
	DataCreateTable         DataKind = "create-table"
	DataDropTable           DataKind = "drop-table"
	DataRenameTable         DataKind = "rename-table"
	DataUpdateTableMetadata DataKind = "update-table-metadata"
	DataAddColumn           DataKind = "add-column"
	DataDropColumn          DataKind = "drop-column"
	DataUpdateColumn        DataKind = "update-column"
	DataCreateIndex         DataKind = "create-index"
	DataDropIndex           DataKind = "drop-index"
	DataBackfill            DataKind = "backfill"
	DataBackfillCompleted   DataKind = "backfill-completed"
	DataRelation            DataKind = "relation"
)

// TableIdentity is the (schema, name) pair tables are keyed by.
type TableIdentity struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
}

// TableMetadata carries the rowKey map; an empty RowKey signals a
// table with no primary key (spec.md §4.4's special case).
type TableMetadata struct {
	RowKey map[string]json.RawMessage `json:"rowKey"`
}

// Table is the table descriptor embedded in BackfillRequest and in
// create-table/update-table-metadata data bodies.
type Table struct {
	TableIdentity
	Metadata *TableMetadata `json:"metadata,omitempty"`
}

// ColumnSpec is a single column's identity plus its pending backfill
// tag, per §6's column_metadata description ("backfill: string?").
type ColumnSpec struct {
	ID       string  `json:"id"`
	Backfill *string `json:"backfill,omitempty"`
}

// ChangeStreamMessage is the tagged triple described in spec.md §3.
// Meta is always present; Data is populated only when Kind ==
// ChangeData, and its concrete shape is selected by DataKind.
type ChangeStreamMessage struct {
	Kind ChangeKind `json:"kind"`
	Meta Meta       `json:"meta"`

	DataKind DataKind `json:"dataKind,omitempty"`
	Data     DataBody `json:"data,omitempty"`

	// Ack, used only by status messages (spec.md §4.3 pushStatus).
	Ack bool `json:"ack,omitempty"`
}

// Meta carries the watermark a message is stamped with. Begin/commit
// messages use it as the transaction boundary; data/status messages
// use it for ordering.
type Meta struct {
	Watermark string `json:"watermark"`
}

// DataBody is the union of payloads a `data` message can carry. Only
// the fields relevant to DataKind are populated; this mirrors the
// teacher's loosely-typed JSON body conventions (sync/protocol.go)
// rather than one interface type per kind, since messages cross a
// JSON boundary and are consumed positionally by the backfill
// manager's big kind switch, not via Go-side polymorphism.
type DataBody struct {
	Table TableIdentity `json:"table,omitempty"`

	// create-table / rename-table / update-table-metadata
	NewTable *Table         `json:"newTable,omitempty"`
	Metadata *TableMetadata `json:"metadata,omitempty"`
	OldTable *TableIdentity `json:"oldTable,omitempty"`

	// add-column / drop-column / update-column
	Column    string  `json:"column,omitempty"`
	OldColumn string  `json:"oldColumn,omitempty"`
	NewColumn string  `json:"newColumn,omitempty"`
	Backfill  *string `json:"backfill,omitempty"`

	// insert/update/delete row payloads and row-key columns touched
	RowValues     []map[string]json.RawMessage `json:"rowValues,omitempty"`
	RowKeyColumns []string                     `json:"rowKeyColumns,omitempty"`

	// backfill / backfill-completed
	Columns []string `json:"columns,omitempty"`
}

// BackfillRequest is spec.md §4.4's BackfillRequest: identity
// (schema,name), plus the set of columns still needing data.
type BackfillRequest struct {
	Table   Table                 `json:"table"`
	Columns map[string]ColumnSpec `json:"columns"`
}

// Identity returns the (schema,name) key a BackfillRequest is stored
// under in BackfillManager.requiredBackfills.
func (r BackfillRequest) Identity() TableIdentity { return r.Table.TableIdentity }

// RunningBackfillState is spec.md §4.4's RunningBackfillState.
type RunningBackfillState struct {
	Request        BackfillRequest
	CanceledReason string
	MinWatermark   string
}

func (s *RunningBackfillState) Canceled() bool { return s.CanceledReason != "" }
