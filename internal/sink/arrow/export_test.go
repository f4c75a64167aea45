package arrow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/payflow/batchwatch/internal/filter"
	"github.com/payflow/batchwatch/pkg/schema"
)

func TestExportAndReadSnapshot(t *testing.T) {
	processed := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	items := []schema.Item{
		{ID: "1", Batch: "4", RowNumber: 1, Phone: "0700000001", Amount: decimal.RequireFromString("1500.25"), Status: schema.ItemStatusSuccess, ResultMessage: "sent", ProcessedAt: &processed, AttemptCount: 1},
		{ID: "2", RowNumber: 2, Phone: "0700000002", Amount: decimal.RequireFromString("20"), Status: schema.ItemStatusPending},
	}
	minAmount := decimal.NewFromInt(10)
	f := filter.Set{Status: schema.ItemStatusSuccess, Phone: "0700", MinAmount: &minAmount, Ordering: "-amount"}
	batch := schema.Batch{ID: "4", OriginalFilename: "march.csv", Status: schema.BatchStatusProcessing}

	exp := NewExporter(zap.NewNop())
	exp.now = func() time.Time { return time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) }

	path := filepath.Join(t.TempDir(), "exports", "batch-4.arrow")
	require.NoError(t, exp.Export(path, batch, f, items))
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	snap, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, batch.ID, snap.Batch.ID)
	assert.Equal(t, "march.csv", snap.Batch.OriginalFilename)
	assert.Equal(t, schema.BatchStatusProcessing, snap.Batch.Status)
	assert.True(t, snap.Filter.Equal(f))
	assert.Equal(t, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), snap.ExportedAt)

	require.Len(t, snap.Items, 2)
	first := snap.Items[0]
	assert.Equal(t, schema.ItemID("1"), first.ID)
	assert.Equal(t, schema.BatchID("4"), first.Batch)
	assert.True(t, first.Amount.Equal(decimal.RequireFromString("1500.25")))
	assert.Equal(t, "sent", first.ResultMessage)
	require.NotNil(t, first.ProcessedAt)
	assert.True(t, first.ProcessedAt.Equal(processed))
	assert.Equal(t, 1, first.AttemptCount)

	second := snap.Items[1]
	assert.Empty(t, second.Batch)
	assert.Empty(t, second.ResultMessage)
	assert.Nil(t, second.ProcessedAt)
}

func TestExportEmptySnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.arrow")
	require.NoError(t, NewExporter(nil).Export(path, schema.Batch{ID: "9"}, filter.Set{}, nil))

	snap, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Empty(t, snap.Items)
	assert.True(t, snap.Filter.IsEmpty())
}

func TestReadSnapshotRejectsOtherFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.arrow")
	require.NoError(t, os.WriteFile(path, []byte("not arrow"), 0o644))
	_, err := ReadSnapshot(path)
	assert.Error(t, err)
}
