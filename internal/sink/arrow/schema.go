package arrow

import (
	"github.com/apache/arrow/go/v17/arrow"
)

// Column indices of the item schema.
const (
	IDIdx = iota
	BatchIDIdx
	RowNumberIdx
	PhoneIdx
	AmountIdx
	StatusIdx
	ResultMessageIdx
	ProcessedAtIdx
	AttemptCountIdx
)

// Metadata keys written on every export.
const (
	MetaBatchID          = "batch_id"
	MetaOriginalFilename = "original_filename"
	MetaBatchStatus      = "batch_status"
	MetaFilter           = "filter"
	MetaExportedAt       = "exported_at"
	MetaRowCount         = "row_count"
)

// GetItemSchema returns the Arrow schema for exported items. Amounts are
// kept as their decimal string so no precision is lost.
func GetItemSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "batch_id", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "row_number", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "phone", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "amount", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "status", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "result_message", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "processed_at", Type: arrow.FixedWidthTypes.Timestamp_ms, Nullable: true},
		{Name: "attempt_count", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
	}, nil)
}
