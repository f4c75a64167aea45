package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/payflow/batchwatch/internal/filter"
	"github.com/payflow/batchwatch/internal/restapi"
	"github.com/payflow/batchwatch/internal/services"
	"github.com/payflow/batchwatch/internal/store"
	"github.com/payflow/batchwatch/internal/ws"
	"github.com/payflow/batchwatch/pkg/schema"
)

const loadBatchFallback = "Failed to load batch"

// BatchAPI is the REST surface a batch view reads from.
type BatchAPI interface {
	GetBatch(ctx context.Context, id schema.BatchID) (schema.Batch, error)
	services.ItemLister
}

type Options struct {
	PageSize       int
	ScrollDebounce time.Duration
	FilterDebounce time.Duration
	LiveStatuses   []schema.BatchStatus
	Dial           ws.TransportFactory
	// Filter is applied from the first fetch on.
	Filter filter.Set
}

// BatchView is the state behind one batch-detail screen: the batch record,
// the filtered item store, pagination, the realtime subscription and the
// last error to display.
type BatchView struct {
	logger  *zap.Logger
	api     BatchAPI
	batchID schema.BatchID
	ctx     context.Context
	cancel  context.CancelFunc

	store   *store.Store
	fetcher *services.PageFetcher
	router  *ws.Router
	edits   *services.Debouncer

	filterMutex sync.RWMutex
	filter      filter.Set

	errMutex sync.RWMutex
	errMsg   string

	changes chan struct{}
}

func NewBatchView(ctx context.Context, api BatchAPI, batchID schema.BatchID, opts Options, logger *zap.Logger) *BatchView {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("batch_id", string(batchID)))
	ctx, cancel := context.WithCancel(ctx)

	v := &BatchView{
		logger:  logger,
		api:     api,
		batchID: batchID,
		ctx:     ctx,
		cancel:  cancel,
		store:   store.New(),
		edits:   services.NewDebouncer(opts.FilterDebounce),
		filter:  opts.Filter,
		changes: make(chan struct{}, 1),
	}
	v.fetcher = services.NewPageFetcher(logger, api, v.store, batchID, services.PageFetcherOptions{
		PageSize:       opts.PageSize,
		ScrollDebounce: opts.ScrollDebounce,
	})
	v.router = ws.NewRouter(ctx, v.store, ws.RouterOptions{
		LiveStatuses: opts.LiveStatuses,
		Dial:         opts.Dial,
		Filter:       v.Filter,
	}, logger)

	v.store.OnChange(v.signal)
	v.router.OnBatchChange(func(schema.Batch) { v.signal() })
	v.router.OnStateChange(func(ws.State) { v.signal() })
	return v
}

// Open loads the batch record, reconciles the realtime connection with its
// status and fetches the first page.
func (v *BatchView) Open() error {
	var errs []error
	if err := v.loadBatch(); err != nil {
		errs = append(errs, err)
	}
	if _, err := v.fetcher.FetchPage(v.ctx, 1, 0, v.Filter(), false); err != nil {
		errs = append(errs, err)
	}
	v.signal()
	return errors.Join(errs...)
}

// Refresh reloads the batch record and the first page under the current
// filter.
func (v *BatchView) Refresh() error {
	return v.Open()
}

func (v *BatchView) loadBatch() error {
	b, err := v.api.GetBatch(v.ctx, v.batchID)
	if err != nil {
		v.setError(restapi.ErrorMessage(err, loadBatchFallback))
		v.logger.Error("Failed to load batch", zap.Error(err))
		return err
	}
	v.setError("")
	if err := v.router.SetBatch(b); err != nil {
		v.logger.Warn("Realtime connection not started", zap.Error(err))
	}
	return nil
}

func (v *BatchView) BatchID() schema.BatchID { return v.batchID }

// Changes delivers a coalesced signal whenever anything visible changed.
func (v *BatchView) Changes() <-chan struct{} { return v.changes }

func (v *BatchView) signal() {
	select {
	case v.changes <- struct{}{}:
	default:
	}
}

func (v *BatchView) Items() []schema.Item { return v.store.Snapshot() }

func (v *BatchView) Batch() (schema.Batch, bool) { return v.router.Batch() }

func (v *BatchView) ConnectionState() ws.State { return v.router.State() }

func (v *BatchView) Pagination() services.FetchState { return v.fetcher.State() }

// Error is the message to show next to the view, if any.
func (v *BatchView) Error() string {
	v.errMutex.RLock()
	msg := v.errMsg
	v.errMutex.RUnlock()
	if msg != "" {
		return msg
	}
	return v.fetcher.State().Err
}

func (v *BatchView) setError(msg string) {
	v.errMutex.Lock()
	v.errMsg = msg
	v.errMutex.Unlock()
}

// Filter is the filter set currently applied to fetches and pushes.
func (v *BatchView) Filter() filter.Set {
	v.filterMutex.RLock()
	defer v.filterMutex.RUnlock()
	return v.filter
}

// SetStatus applies a status filter immediately.
func (v *BatchView) SetStatus(status schema.ItemStatus) error {
	return v.apply(func(f *filter.Set) { f.Status = status })
}

// SetOrdering changes the server-side ordering immediately.
func (v *BatchView) SetOrdering(ordering string) error {
	return v.apply(func(f *filter.Set) { f.Ordering = ordering })
}

// EditText schedules the phone and amount bounds to apply once edits have
// been quiet for the filter debounce. Later edits replace earlier ones.
func (v *BatchView) EditText(phone string, minAmount, maxAmount *decimal.Decimal) {
	v.edits.Trigger(func() {
		err := v.apply(func(f *filter.Set) {
			f.Phone = phone
			f.MinAmount = minAmount
			f.MaxAmount = maxAmount
		})
		if err != nil && !errors.Is(err, services.ErrFetcherClosed) {
			v.logger.Warn("Filter edit failed", zap.Error(err))
		}
	})
}

// EditsPending reports whether a debounced filter edit is waiting to apply.
func (v *BatchView) EditsPending() bool { return v.edits.Pending() }

// ResetFilters clears every filter field, drops pending edits and reloads.
// Ordering is kept.
func (v *BatchView) ResetFilters() error {
	v.edits.Cancel()
	return v.apply(func(f *filter.Set) {
		*f = filter.Set{Ordering: f.Ordering}
	})
}

func (v *BatchView) apply(edit func(*filter.Set)) error {
	v.filterMutex.Lock()
	next := v.filter
	edit(&next)
	v.filter = next
	v.filterMutex.Unlock()

	v.logger.Debug("Applying filter",
		zap.String("status", string(next.Status)),
		zap.String("phone", next.Phone))
	_, err := v.fetcher.SetFilter(v.ctx, next)
	v.signal()
	return err
}

// NearEnd is the scroll-proximity trigger: once the visible position is
// within threshold rows of the end a debounced next-page load is scheduled.
func (v *BatchView) NearEnd(position, threshold int) bool {
	if position < v.store.Len()-threshold {
		return false
	}
	return v.fetcher.LoadMore(v.ctx)
}

// LoadNext appends the next page synchronously.
func (v *BatchView) LoadNext() (services.PageResult, error) {
	res, err := v.fetcher.FetchNext(v.ctx)
	v.signal()
	return res, err
}

// Close tears down the realtime subscription and drops in-flight fetches
// and pending edits.
func (v *BatchView) Close() {
	v.edits.Stop()
	v.router.Close()
	v.fetcher.Close()
	v.cancel()
	v.logger.Debug("Batch view closed")
}
