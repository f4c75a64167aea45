package ws

import (
	"encoding/json"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payflow/batchwatch/pkg/schema"
)

func TestNormalizeItemShapes(t *testing.T) {
	record := `{"id":7,"batch":3,"phone":"0700111222","amount":"150.00","status":"success","row_number":4}`
	cases := map[string]string{
		"top-level item":    `{"item":` + record + `}`,
		"nested data.item":  `{"data":{"item":` + record + `}}`,
		"bare record":       record,
		"stringified":       strconv.Quote(`{"item":` + record + `}`),
		"stringified bare":  strconv.Quote(record),
		"numeric id record": `{"item":{"id":"7","batch":"3","phone":"0700111222","amount":150,"status":"success","row_number":4}}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			it, ok := NormalizeItem(json.RawMessage(payload))
			require.True(t, ok)
			assert.Equal(t, schema.ItemID("7"), it.ID)
			assert.Equal(t, schema.BatchID("3"), it.Batch)
			assert.Equal(t, schema.ItemStatusSuccess, it.Status)
			assert.True(t, it.Amount.Equal(decimal.NewFromInt(150)))
			assert.Equal(t, 4, it.RowNumber)
		})
	}
}

func TestNormalizeItemRejects(t *testing.T) {
	for name, payload := range map[string]string{
		"no id":          `{"item":{"status":"success"}}`,
		"not json":       `not json`,
		"array":          `[1,2,3]`,
		"null":           `null`,
		"empty object":   `{}`,
		"string no json": `"hello"`,
		"double encoded": strconv.Quote(strconv.Quote(`{"id":1}`)),
	} {
		t.Run(name, func(t *testing.T) {
			_, ok := NormalizeItem(json.RawMessage(payload))
			assert.False(t, ok)
		})
	}
}

func TestNormalizeItemPrefersWrappedRecord(t *testing.T) {
	it, ok := NormalizeItem(json.RawMessage(`{"id":99,"item":{"id":1,"status":"failed"}}`))
	require.True(t, ok)
	assert.Equal(t, schema.ItemID("1"), it.ID)
}

func TestNormalizeBatchUpdate(t *testing.T) {
	cases := map[string]struct {
		payload string
		want    BatchUpdate
	}{
		"batch field":      {`{"batch":{"status":"completed"}}`, BatchUpdate{Status: schema.BatchStatusCompleted}},
		"with id":          {`{"batch":{"id":3,"status":"failed"}}`, BatchUpdate{ID: "3", Status: schema.BatchStatusFailed}},
		"nested data":      {`{"data":{"batch":{"status":"processing"}}}`, BatchUpdate{Status: schema.BatchStatusProcessing}},
		"bare status":      {`{"status":"completed"}`, BatchUpdate{Status: schema.BatchStatusCompleted}},
		"stringified form": {strconv.Quote(`{"batch":{"status":"completed"}}`), BatchUpdate{Status: schema.BatchStatusCompleted}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, ok := NormalizeBatchUpdate(json.RawMessage(tc.payload))
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}

	_, ok := NormalizeBatchUpdate(json.RawMessage(`{"batch":{"id":3}}`))
	assert.False(t, ok)
}
