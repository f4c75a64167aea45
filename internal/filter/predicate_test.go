package filter

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payflow/batchwatch/pkg/schema"
)

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func item(id string, status schema.ItemStatus, phone, amt string) schema.Item {
	return schema.Item{ID: schema.ItemID(id), Status: status, Phone: phone, Amount: decimal.RequireFromString(amt)}
}

func TestMatchesEmptySetAcceptsEverything(t *testing.T) {
	items := []schema.Item{
		item("1", schema.ItemStatusPending, "0700", "10"),
		item("2", schema.ItemStatusFailed, "", "0"),
		{ID: "3"},
	}
	for _, it := range items {
		assert.True(t, Matches(it, Set{}), "item %s", it.ID)
	}
	assert.True(t, Set{}.IsEmpty())
}

func TestMatchesStatusIsExact(t *testing.T) {
	it := item("1", schema.ItemStatusSuccess, "0700", "10")
	assert.True(t, Matches(it, Set{Status: schema.ItemStatusSuccess}))
	assert.False(t, Matches(it, Set{Status: schema.ItemStatusPending}))
	assert.False(t, Matches(it, Set{Status: "SUCCESS"}))
}

func TestMatchesPhoneSubstringIsCaseSensitive(t *testing.T) {
	it := item("1", schema.ItemStatusPending, "+254700ABC", "10")
	assert.True(t, Matches(it, Set{Phone: "700"}))
	assert.True(t, Matches(it, Set{Phone: "ABC"}))
	assert.False(t, Matches(it, Set{Phone: "abc"}))
	assert.False(t, Matches(it, Set{Phone: "999"}))
}

func TestMatchesAmountBoundsAreInclusiveAndNumeric(t *testing.T) {
	it := item("1", schema.ItemStatusPending, "0700", "20.00")

	assert.True(t, Matches(it, Set{MinAmount: amount("20")}))
	assert.True(t, Matches(it, Set{MaxAmount: amount("20")}))
	assert.True(t, Matches(it, Set{MinAmount: amount("20"), MaxAmount: amount("20.0")}))
	assert.False(t, Matches(it, Set{MinAmount: amount("20.01")}))
	assert.False(t, Matches(it, Set{MaxAmount: amount("19.99")}))

	// "9" > "20" lexically; numerically it is a lower bound that admits 20.
	assert.True(t, Matches(it, Set{MinAmount: amount("9")}))
	assert.False(t, Matches(it, Set{MaxAmount: amount("9")}))
}

func TestMatchesZeroBoundIsUnset(t *testing.T) {
	neg := item("1", schema.ItemStatusPending, "0700", "-5")
	assert.True(t, Matches(neg, Set{MinAmount: amount("0")}))
	assert.True(t, Matches(item("2", schema.ItemStatusPending, "", "5"), Set{MaxAmount: amount("0")}))
	assert.True(t, Set{MinAmount: amount("0"), MaxAmount: amount("0.00")}.IsEmpty())
}

func TestMatchesCombinesClauses(t *testing.T) {
	s := Set{Status: schema.ItemStatusPending, Phone: "07", MinAmount: amount("5"), MaxAmount: amount("15")}
	assert.True(t, Matches(item("1", schema.ItemStatusPending, "0711", "10"), s))
	assert.False(t, Matches(item("2", schema.ItemStatusPending, "0811", "10"), s))
	assert.False(t, Matches(item("3", schema.ItemStatusPending, "0711", "16"), s))
	assert.False(t, Matches(item("4", schema.ItemStatusFailed, "0711", "10"), s))
}

func TestQueryIncludesOnlyPopulatedFields(t *testing.T) {
	q := Set{}.Query(2, 25)
	assert.Equal(t, "2", q.Get("page"))
	assert.Equal(t, "25", q.Get("page_size"))
	assert.Len(t, q, 2)

	q = Set{
		Status:    schema.ItemStatusFailed,
		Phone:     "0700",
		MinAmount: amount("1.50"),
		MaxAmount: amount("0"),
		Ordering:  "-amount,id",
	}.Query(1, 10)
	assert.Equal(t, "failed", q.Get("status"))
	assert.Equal(t, "0700", q.Get("phone"))
	assert.Equal(t, "1.5", q.Get("min_amount"))
	assert.False(t, q.Has("max_amount"))
	assert.Equal(t, "-amount,id", q.Get("ordering"))
}

func TestParseAmount(t *testing.T) {
	d, err := ParseAmount("  ")
	require.NoError(t, err)
	assert.Nil(t, d)

	d, err = ParseAmount("12.5")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "12.5", d.String())

	_, err = ParseAmount("twelve")
	assert.Error(t, err)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" Failed ")
	require.NoError(t, err)
	assert.Equal(t, schema.ItemStatusFailed, st)

	st, err = ParseStatus("")
	require.NoError(t, err)
	assert.Equal(t, schema.ItemStatus(""), st)

	_, err = ParseStatus("done")
	assert.Error(t, err)
}

func TestEqualComparesAmountsNumerically(t *testing.T) {
	a := Set{Phone: "07", MinAmount: amount("10")}
	b := Set{Phone: "07", MinAmount: amount("10.00")}
	assert.True(t, a.Equal(b))
	assert.True(t, Set{MinAmount: amount("0")}.Equal(Set{}))
	assert.False(t, a.Equal(Set{Phone: "07"}))
}
