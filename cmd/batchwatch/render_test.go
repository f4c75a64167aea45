package main

import (
	"bytes"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/payflow/batchwatch/internal/filter"
	"github.com/payflow/batchwatch/internal/services"
	"github.com/payflow/batchwatch/internal/ws"
	"github.com/payflow/batchwatch/pkg/schema"
)

func TestRenderViewFooter(t *testing.T) {
	items := []schema.Item{
		{ID: "1", RowNumber: 1, Phone: "+1", Amount: decimal.NewFromInt(5), Status: schema.ItemStatusPending},
		{ID: "2", RowNumber: 2, Phone: "+2", Amount: decimal.NewFromInt(7), Status: schema.ItemStatusFailed},
	}

	cases := []struct {
		name    string
		snap    viewSnapshot
		want    string
		notWant string
	}{
		{
			name:    "exhausted",
			snap:    viewSnapshot{Items: items, Page: services.FetchState{HasMore: false}},
			want:    "All items loaded (2)",
			notWant: "press enter",
		},
		{
			name:    "more pages",
			snap:    viewSnapshot{Items: items, Page: services.FetchState{HasMore: true}},
			want:    "2 items shown, press enter for more",
			notWant: "All items loaded",
		},
		{
			name:    "empty",
			snap:    viewSnapshot{Page: services.FetchState{HasMore: false}},
			want:    "No items found",
			notWant: "All items loaded",
		},
		{
			name: "loading",
			snap: viewSnapshot{Items: items, Page: services.FetchState{Loading: true, HasMore: true}},
			want: "Loading...",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			renderView(&buf, tc.snap, false)
			assert.Contains(t, buf.String(), tc.want)
			if tc.notWant != "" {
				assert.NotContains(t, buf.String(), tc.notWant)
			}
		})
	}
}

func TestRenderViewHeader(t *testing.T) {
	var buf bytes.Buffer
	renderView(&buf, viewSnapshot{
		BatchID: "12",
		Conn:    ws.StateConnecting,
		Err:     "Failed to load batch",
		Filter:  filter.Set{Phone: "555"},
		Pending: true,
	}, false)

	out := buf.String()
	assert.Contains(t, out, "Batch 12")
	assert.Contains(t, out, "Live: "+ws.StateConnecting.String())
	assert.Contains(t, out, "Filter: phone=555 (editing)")
	assert.Contains(t, out, "Error: Failed to load batch")
	assert.NotContains(t, out, clearScreen)
}

func TestDescribeFilter(t *testing.T) {
	zero := decimal.Zero
	max := decimal.RequireFromString("99.5")

	assert.Equal(t, "none", describeFilter(filter.Set{}))
	assert.Equal(t, "none", describeFilter(filter.Set{MinAmount: &zero}))
	assert.Equal(t, "status=success phone=77 max=99.5 ordering=row_number",
		describeFilter(filter.Set{
			Status:    schema.ItemStatusSuccess,
			Phone:     "77",
			MaxAmount: &max,
			Ordering:  "row_number",
		}))
}
