package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/payflow/batchwatch/internal/filter"
	"github.com/payflow/batchwatch/internal/services"
	"github.com/payflow/batchwatch/internal/state"
	"github.com/payflow/batchwatch/internal/ws"
	"github.com/payflow/batchwatch/pkg/schema"
)

const (
	timeLayout  = "2006-01-02 15:04:05"
	clearScreen = "\x1b[H\x1b[2J"
)

// viewSnapshot is everything the watch screen shows, read once per redraw.
type viewSnapshot struct {
	Batch    schema.Batch
	HasBatch bool
	BatchID  schema.BatchID
	Conn     ws.State
	Items    []schema.Item
	Page     services.FetchState
	Err      string
	Filter   filter.Set
	Pending  bool
}

func snapshotOf(v *state.BatchView) viewSnapshot {
	b, ok := v.Batch()
	return viewSnapshot{
		Batch:    b,
		HasBatch: ok,
		BatchID:  v.BatchID(),
		Conn:     v.ConnectionState(),
		Items:    v.Items(),
		Page:     v.Pagination(),
		Err:      v.Error(),
		Filter:   v.Filter(),
		Pending:  v.EditsPending(),
	}
}

func renderBatch(w io.Writer, b schema.Batch) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Batch\t%s\n", b.ID)
	fmt.Fprintf(tw, "File\t%s\n", b.OriginalFilename)
	fmt.Fprintf(tw, "Status\t%s\n", b.Status)
	fmt.Fprintf(tw, "Rows\t%d/%d processed, %d errors\n", b.ProcessedRows, b.TotalRows, b.Errors)
	if b.CreatedAt != nil {
		fmt.Fprintf(tw, "Created\t%s\n", b.CreatedAt.Local().Format(timeLayout))
	}
	if b.UploadedBy != nil {
		name := b.UploadedBy.DisplayName()
		if name == "" {
			name = b.UploadedBy.Username
		}
		fmt.Fprintf(tw, "Uploaded by\t%s\n", name)
	}
	tw.Flush()
}

func renderItems(w io.Writer, items []schema.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No items found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROW\tID\tPHONE\tAMOUNT\tSTATUS\tATTEMPTS\tPROCESSED\tMESSAGE")
	for _, it := range items {
		processed := "-"
		if it.ProcessedAt != nil {
			processed = it.ProcessedAt.Local().Format(timeLayout)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			it.RowNumber, it.ID, it.Phone, it.Amount.StringFixed(2), it.Status,
			it.AttemptCount, processed, it.ResultMessage)
	}
	tw.Flush()
}

// renderView draws the watch screen: batch header, connection, filter,
// item table and the pagination footer.
func renderView(w io.Writer, s viewSnapshot, clearFirst bool) {
	if clearFirst {
		fmt.Fprint(w, clearScreen)
	}
	if s.HasBatch {
		renderBatch(w, s.Batch)
	} else {
		fmt.Fprintf(w, "Batch %s\n", s.BatchID)
	}
	fmt.Fprintf(w, "Live: %s\n", s.Conn)

	filterLine := "Filter: " + describeFilter(s.Filter)
	if s.Pending {
		filterLine += " (editing)"
	}
	fmt.Fprintln(w, filterLine)
	if s.Err != "" {
		fmt.Fprintf(w, "Error: %s\n", s.Err)
	}
	fmt.Fprintln(w)

	renderItems(w, s.Items)
	switch {
	case s.Page.Loading:
		fmt.Fprintln(w, "Loading...")
	case len(s.Items) == 0:
	case !s.Page.HasMore:
		fmt.Fprintf(w, "All items loaded (%d)\n", len(s.Items))
	default:
		fmt.Fprintf(w, "%d items shown, press enter for more\n", len(s.Items))
	}
}

func describeFilter(f filter.Set) string {
	var parts []string
	if f.Status != "" {
		parts = append(parts, "status="+string(f.Status))
	}
	if f.Phone != "" {
		parts = append(parts, "phone="+f.Phone)
	}
	if f.MinAmount != nil && !f.MinAmount.IsZero() {
		parts = append(parts, "min="+f.MinAmount.String())
	}
	if f.MaxAmount != nil && !f.MaxAmount.IsZero() {
		parts = append(parts, "max="+f.MaxAmount.String())
	}
	if f.Ordering != "" {
		parts = append(parts, "ordering="+f.Ordering)
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}

func renderSnapshotHeader(w io.Writer, exportedAt time.Time, f filter.Set) {
	fmt.Fprintf(w, "Exported: %s\n", exportedAt.Local().Format(timeLayout))
	fmt.Fprintf(w, "Filter: %s\n\n", describeFilter(f))
}
