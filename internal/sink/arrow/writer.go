package arrow

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"go.uber.org/zap"

	"github.com/payflow/batchwatch/internal/filter"
	"github.com/payflow/batchwatch/pkg/schema"
)

// Exporter writes item snapshots to Arrow IPC files.
type Exporter struct {
	logger *zap.Logger
	pool   memory.Allocator
	now    func() time.Time
}

func NewExporter(logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		logger: logger,
		pool:   memory.NewGoAllocator(),
		now:    time.Now,
	}
}

// Export writes items as one record batch to path. The batch record and the
// filter in effect are stored as schema metadata. The file is written to a
// temporary name and renamed into place once complete.
func (e *Exporter) Export(path string, batch schema.Batch, f filter.Set, items []schema.Item) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}

	base := GetItemSchema()
	meta := arrow.NewMetadata(
		[]string{MetaBatchID, MetaOriginalFilename, MetaBatchStatus, MetaFilter, MetaExportedAt, MetaRowCount},
		[]string{
			string(batch.ID),
			batch.OriginalFilename,
			string(batch.Status),
			encodeFilter(f),
			e.now().UTC().Format(time.RFC3339),
			strconv.Itoa(len(items)),
		},
	)
	arrowSchema := arrow.NewSchema(base.Fields(), &meta)

	tempPath := path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file %s: %w", tempPath, err)
	}

	if err := e.write(file, arrowSchema, items); err != nil {
		file.Close()
		os.Remove(tempPath)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}

	e.logger.Info("Exported items",
		zap.String("path", path),
		zap.String("batch_id", string(batch.ID)),
		zap.Int("rows", len(items)))
	return nil
}

func (e *Exporter) write(file *os.File, arrowSchema *arrow.Schema, items []schema.Item) error {
	fileWriter, err := ipc.NewFileWriter(file, ipc.WithSchema(arrowSchema), ipc.WithAllocator(e.pool))
	if err != nil {
		return fmt.Errorf("failed to create arrow file writer: %w", err)
	}

	builder := array.NewRecordBuilder(e.pool, arrowSchema)
	defer builder.Release()
	for i := range items {
		appendItem(builder, &items[i])
	}

	record := builder.NewRecord()
	defer record.Release()

	if err := fileWriter.Write(record); err != nil {
		fileWriter.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := fileWriter.Close(); err != nil {
		return fmt.Errorf("failed to close arrow writer: %w", err)
	}
	return nil
}

func appendItem(b *array.RecordBuilder, it *schema.Item) {
	b.Field(IDIdx).(*array.StringBuilder).Append(string(it.ID))
	appendOptionalString(b.Field(BatchIDIdx).(*array.StringBuilder), string(it.Batch))
	b.Field(RowNumberIdx).(*array.Int64Builder).Append(int64(it.RowNumber))
	b.Field(PhoneIdx).(*array.StringBuilder).Append(it.Phone)
	b.Field(AmountIdx).(*array.StringBuilder).Append(it.Amount.String())
	b.Field(StatusIdx).(*array.StringBuilder).Append(string(it.Status))
	appendOptionalString(b.Field(ResultMessageIdx).(*array.StringBuilder), it.ResultMessage)
	ts := b.Field(ProcessedAtIdx).(*array.TimestampBuilder)
	if it.ProcessedAt != nil {
		ts.Append(arrow.Timestamp(it.ProcessedAt.UnixMilli()))
	} else {
		ts.AppendNull()
	}
	b.Field(AttemptCountIdx).(*array.Int32Builder).Append(int32(it.AttemptCount))
}

func appendOptionalString(b *array.StringBuilder, v string) {
	if v == "" {
		b.AppendNull()
		return
	}
	b.Append(v)
}

// encodeFilter renders the filter as the query string the API would see.
func encodeFilter(f filter.Set) string {
	q := f.Query(1, 1)
	q.Del("page")
	q.Del("page_size")
	return q.Encode()
}

// decodeFilter is the inverse of encodeFilter.
func decodeFilter(raw string) (filter.Set, error) {
	q, err := url.ParseQuery(raw)
	if err != nil {
		return filter.Set{}, err
	}
	f := filter.Set{
		Phone:    q.Get("phone"),
		Ordering: q.Get("ordering"),
	}
	if f.Status, err = filter.ParseStatus(q.Get("status")); err != nil {
		return filter.Set{}, err
	}
	if f.MinAmount, err = filter.ParseAmount(q.Get("min_amount")); err != nil {
		return filter.Set{}, err
	}
	if f.MaxAmount, err = filter.ParseAmount(q.Get("max_amount")); err != nil {
		return filter.Set{}, err
	}
	return f, nil
}
