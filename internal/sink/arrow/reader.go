package arrow

import (
	"fmt"
	"os"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/shopspring/decimal"

	"github.com/payflow/batchwatch/internal/filter"
	"github.com/payflow/batchwatch/pkg/schema"
)

// Snapshot is the content of an export file.
type Snapshot struct {
	Batch      schema.Batch
	Filter     filter.Set
	ExportedAt time.Time
	Items      []schema.Item
}

// ReadSnapshot loads an export written by Exporter.Export.
func ReadSnapshot(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader, err := ipc.NewFileReader(file, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("failed to open arrow file %s: %w", path, err)
	}
	defer reader.Close()

	if !sameColumns(reader.Schema(), GetItemSchema()) {
		return nil, fmt.Errorf("%s is not an item export", path)
	}

	snap := &Snapshot{}
	meta := reader.Schema().Metadata()
	snap.Batch = schema.Batch{
		ID:               schema.BatchID(metaValue(meta, MetaBatchID)),
		OriginalFilename: metaValue(meta, MetaOriginalFilename),
		Status:           schema.BatchStatus(metaValue(meta, MetaBatchStatus)),
	}
	if snap.Filter, err = decodeFilter(metaValue(meta, MetaFilter)); err != nil {
		return nil, fmt.Errorf("invalid filter metadata: %w", err)
	}
	if ts := metaValue(meta, MetaExportedAt); ts != "" {
		if snap.ExportedAt, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, fmt.Errorf("invalid export time: %w", err)
		}
	}

	for i := 0; i < reader.NumRecords(); i++ {
		record, err := reader.Record(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d: %w", i, err)
		}
		items, err := recordItems(record)
		if err != nil {
			return nil, err
		}
		snap.Items = append(snap.Items, items...)
	}
	return snap, nil
}

func recordItems(record arrow.Record) ([]schema.Item, error) {
	ids := record.Column(IDIdx).(*array.String)
	batches := record.Column(BatchIDIdx).(*array.String)
	rows := record.Column(RowNumberIdx).(*array.Int64)
	phones := record.Column(PhoneIdx).(*array.String)
	amounts := record.Column(AmountIdx).(*array.String)
	statuses := record.Column(StatusIdx).(*array.String)
	messages := record.Column(ResultMessageIdx).(*array.String)
	processed := record.Column(ProcessedAtIdx).(*array.Timestamp)
	attempts := record.Column(AttemptCountIdx).(*array.Int32)

	out := make([]schema.Item, 0, record.NumRows())
	for i := 0; i < int(record.NumRows()); i++ {
		amount, err := decimal.NewFromString(amounts.Value(i))
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid amount %q: %w", i, amounts.Value(i), err)
		}
		it := schema.Item{
			ID:           schema.ItemID(ids.Value(i)),
			RowNumber:    int(rows.Value(i)),
			Phone:        phones.Value(i),
			Amount:       amount,
			Status:       schema.ItemStatus(statuses.Value(i)),
			AttemptCount: int(attempts.Value(i)),
		}
		if batches.IsValid(i) {
			it.Batch = schema.BatchID(batches.Value(i))
		}
		if messages.IsValid(i) {
			it.ResultMessage = messages.Value(i)
		}
		if processed.IsValid(i) {
			ts := processed.Value(i).ToTime(arrow.Millisecond)
			it.ProcessedAt = &ts
		}
		out = append(out, it)
	}
	return out, nil
}

func metaValue(meta arrow.Metadata, key string) string {
	if i := meta.FindKey(key); i >= 0 {
		return meta.Values()[i]
	}
	return ""
}

func sameColumns(got, want *arrow.Schema) bool {
	if got.NumFields() != want.NumFields() {
		return false
	}
	for i, f := range want.Fields() {
		if got.Field(i).Name != f.Name {
			return false
		}
	}
	return true
}
