package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/payflow/batchwatch/internal/filter"
	"github.com/payflow/batchwatch/internal/services"
	"github.com/payflow/batchwatch/internal/sink/arrow"
	"github.com/payflow/batchwatch/internal/state"
	"github.com/payflow/batchwatch/internal/ws"
	"github.com/payflow/batchwatch/pkg/schema"
)

const watchHelp = `Commands:
  <enter>, more     load the next page
  status <s>        filter by status (empty for any)
  phone <p>         filter by phone substring
  min <n>, max <n>  amount bounds (empty to clear)
  order <fields>    server ordering, e.g. -amount
  reset             clear all filters
  refresh           reload the batch and the first page
  export <path>     write the visible items to an Arrow file
  help              show this help
  q, quit           leave`

type watchOptions struct {
	filters   filterFlags
	export    string
	all       bool
	untilDone bool
}

func (o *watchOptions) bind(cmd *cobra.Command) {
	o.filters.bind(cmd)
	cmd.Flags().StringVar(&o.export, "export", "", "Write the visible items to an Arrow IPC file on exit")
	cmd.Flags().BoolVar(&o.all, "all", false, "Load every page before showing the view")
	cmd.Flags().BoolVar(&o.untilDone, "until-done", false, "Exit once the batch is completed or failed")
}

func newWatchCmd(a *app) *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow a batch's items live",
		Long: `watch keeps a filtered view of a batch's items up to date. Pages are
fetched from the API and, while the batch is live, item and batch updates
arrive over the realtime channel. Type "help" for the interactive commands.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd.Context(), schema.BatchID(args[0]), opts)
		},
	}
	opts.bind(cmd)
	return cmd
}

// textDraft holds the debounced filter fields as typed so far.
type textDraft struct {
	phone string
	min   *decimal.Decimal
	max   *decimal.Decimal
}

type watcher struct {
	a     *app
	view  *state.BatchView
	draft textDraft
}

func (a *app) watch(ctx context.Context, id schema.BatchID, opts watchOptions) error {
	f, err := opts.filters.set()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	view := state.NewBatchView(ctx, a.api, id, state.Options{
		PageSize:       a.cfg.Sync.PageSize,
		ScrollDebounce: a.cfg.Sync.ScrollDebounce,
		FilterDebounce: a.cfg.Sync.FilterDebounce,
		LiveStatuses:   a.liveStatuses(),
		Dial:           ws.DialFactory(a.realtimeOptions(), a.logger),
		Filter:         f,
	}, a.logger)
	defer view.Close()

	w := &watcher{
		a:     a,
		view:  view,
		draft: textDraft{phone: f.Phone, min: f.MinAmount, max: f.MaxAmount},
	}

	if err := view.Open(); err != nil {
		a.logger.Warn("Initial load incomplete", zap.Error(err))
	}
	if opts.all {
		w.loadAll()
	}

	_, clearFirst := terminalFd(a.out)
	lines := scanLines(ctx, a.in)
	w.draw(clearFirst)

	for {
		if opts.untilDone && finished(view) {
			return w.finish(opts.export)
		}
		select {
		case <-ctx.Done():
			return w.finish(opts.export)
		case <-view.Changes():
			w.draw(clearFirst)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			quit, err := w.handle(line)
			if err != nil {
				fmt.Fprintln(a.errOut, err)
			}
			if quit {
				return w.finish(opts.export)
			}
		}
	}
}

func (w *watcher) draw(clearFirst bool) {
	renderView(w.a.out, snapshotOf(w.view), clearFirst)
}

func (w *watcher) loadAll() {
	for w.view.Pagination().HasMore {
		res, err := w.view.LoadNext()
		if err != nil || !res.Applied {
			return
		}
	}
}

// handle runs one interactive command. It reports whether the view should
// close.
func (w *watcher) handle(line string) (bool, error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	name = strings.ToLower(name)
	arg = strings.TrimSpace(arg)

	switch name {
	case "", "more":
		_, err := w.view.LoadNext()
		if errors.Is(err, services.ErrFetchInFlight) {
			return false, nil
		}
		return false, err
	case "status":
		status, err := filter.ParseStatus(arg)
		if err != nil {
			return false, err
		}
		return false, w.view.SetStatus(status)
	case "phone":
		w.draft.phone = arg
		w.edit()
	case "min", "max":
		amount, err := filter.ParseAmount(arg)
		if err != nil {
			return false, err
		}
		if name == "min" {
			w.draft.min = amount
		} else {
			w.draft.max = amount
		}
		w.edit()
	case "order", "ordering":
		return false, w.view.SetOrdering(arg)
	case "reset":
		w.draft = textDraft{}
		return false, w.view.ResetFilters()
	case "refresh":
		return false, w.view.Refresh()
	case "export":
		if arg == "" {
			return false, errors.New("export needs a path")
		}
		return false, w.export(arg)
	case "help", "?":
		fmt.Fprintln(w.a.out, watchHelp)
	case "q", "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q, type help", name)
	}
	return false, nil
}

func (w *watcher) edit() {
	w.view.EditText(w.draft.phone, w.draft.min, w.draft.max)
}

func (w *watcher) export(path string) error {
	b, ok := w.view.Batch()
	if !ok {
		b = schema.Batch{ID: w.view.BatchID()}
	}
	items := w.view.Items()
	if err := arrow.NewExporter(w.a.logger).Export(path, b, w.view.Filter(), items); err != nil {
		return err
	}
	fmt.Fprintf(w.a.out, "Exported %d items to %s\n", len(items), path)
	return nil
}

func (w *watcher) finish(exportPath string) error {
	if exportPath == "" {
		return nil
	}
	return w.export(exportPath)
}

func finished(v *state.BatchView) bool {
	b, ok := v.Batch()
	if !ok {
		return false
	}
	return b.Status == schema.BatchStatusCompleted || b.Status == schema.BatchStatusFailed
}

// scanLines forwards input lines until EOF or cancellation, then closes
// the channel.
func scanLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
