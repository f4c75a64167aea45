package schema

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemIDAcceptsNumbersAndStrings(t *testing.T) {
	var a, b Item
	require.NoError(t, json.Unmarshal([]byte(`{"id":5,"amount":"20.50"}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"id":"5","amount":20.5}`), &b))

	assert.Equal(t, ItemID("5"), a.ID)
	assert.Equal(t, a.ID, b.ID)
	assert.True(t, a.Amount.Equal(decimal.RequireFromString("20.5")))
	assert.True(t, a.Amount.Equal(b.Amount))
}

func TestBatchIDRoundTripKeepsNumericForm(t *testing.T) {
	out, err := json.Marshal(Item{ID: "7", Batch: "3", Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"id":7`)
	assert.Contains(t, string(out), `"batch":3`)

	out, err = json.Marshal(Item{ID: "abc"})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"id":"abc"`)
}

func TestBatchTopic(t *testing.T) {
	assert.Equal(t, "batches.42", BatchID("42").Topic())
}

func TestUserDisplayNamePrecedence(t *testing.T) {
	assert.Equal(t, "Ada L", User{FullName: "Ada L", Fullname: "x", Name: "y"}.DisplayName())
	assert.Equal(t, "x", User{Fullname: "x", Name: "y"}.DisplayName())
	assert.Equal(t, "y", User{Name: "y"}.DisplayName())
	assert.Equal(t, "", User{Username: "ada"}.DisplayName())
}

func TestBatchWithStatusPreservesOtherFields(t *testing.T) {
	b := Batch{ID: "1", OriginalFilename: "pay.xlsx", Status: BatchStatusProcessing, TotalRows: 4}
	got := b.WithStatus(BatchStatusCompleted)
	assert.Equal(t, BatchStatusCompleted, got.Status)
	assert.Equal(t, "pay.xlsx", got.OriginalFilename)
	assert.Equal(t, 4, got.TotalRows)
	assert.Equal(t, BatchStatusProcessing, b.Status)
}
