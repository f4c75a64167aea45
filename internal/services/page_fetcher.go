package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/payflow/batchwatch/internal/filter"
	"github.com/payflow/batchwatch/internal/restapi"
	"github.com/payflow/batchwatch/internal/store"
	"github.com/payflow/batchwatch/pkg/schema"
)

var (
	// ErrFetchInFlight is returned when a continuation page is requested
	// while another fetch for the same view has not resolved.
	ErrFetchInFlight = errors.New("fetch already in flight")
	// ErrFetcherClosed is returned after Close.
	ErrFetcherClosed = errors.New("page fetcher closed")
)

const loadItemsFallback = "Failed to load items"

// ItemLister is the slice of the batch API the fetcher needs.
type ItemLister interface {
	ListItems(ctx context.Context, id schema.BatchID, f filter.Set, page, pageSize int) (schema.ItemPage, error)
}

// PageResult describes a resolved fetch. Applied is false when the fetch was
// superseded by a newer one, or the view closed, before it resolved; such
// results leave the store untouched.
type PageResult struct {
	Page     int
	PageSize int
	Count    int
	Items    []schema.Item
	HasMore  bool
	Applied  bool
}

// FetchState is a point-in-time view of the pagination cursor.
type FetchState struct {
	Page     int
	PageSize int
	HasMore  bool
	Loading  bool
	Filter   filter.Set
	Err      string
}

type PageFetcherOptions struct {
	PageSize       int
	ScrollDebounce time.Duration
}

// PageFetcher drives REST pagination for one batch view and installs pages
// into the shared store.
type PageFetcher struct {
	logger  *zap.Logger
	lister  ItemLister
	store   *store.Store
	batchID schema.BatchID
	scroll  *Debouncer

	mu       sync.Mutex
	page     int
	pageSize int
	filter   filter.Set
	hasMore  bool
	loading  bool
	gen      uint64
	cancel   context.CancelFunc
	lastErr  string
	closed   bool
}

func NewPageFetcher(logger *zap.Logger, lister ItemLister, st *store.Store, batchID schema.BatchID, opts PageFetcherOptions) *PageFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}
	return &PageFetcher{
		logger:   logger.With(zap.String("batch_id", string(batchID))),
		lister:   lister,
		store:    st,
		batchID:  batchID,
		scroll:   NewDebouncer(opts.ScrollDebounce),
		page:     1,
		pageSize: pageSize,
		hasMore:  true,
	}
}

// FetchPage loads one page under f. In append mode the page is merged after
// the current contents and the call fails with ErrFetchInFlight while another
// fetch is pending. In replace mode any pending fetch is superseded: its
// context is cancelled and its eventual result is dropped.
func (p *PageFetcher) FetchPage(ctx context.Context, page, pageSize int, f filter.Set, appendMode bool) (PageResult, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = p.State().PageSize
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return PageResult{}, ErrFetcherClosed
	}
	if p.loading {
		if appendMode {
			p.mu.Unlock()
			return PageResult{}, ErrFetchInFlight
		}
		p.cancel()
		p.logger.Debug("Superseding in-flight fetch", zap.Uint64("generation", p.gen))
	}
	p.gen++
	gen := p.gen
	fetchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.loading = true
	since := p.store.Seq()
	p.mu.Unlock()

	resp, err := p.lister.ListItems(fetchCtx, p.batchID, f, page, pageSize)

	p.mu.Lock()
	defer p.mu.Unlock()
	cancel()

	if gen != p.gen || p.closed {
		p.logger.Debug("Dropping stale page",
			zap.Int("page", page),
			zap.Uint64("generation", gen),
			zap.Uint64("current", p.gen))
		return PageResult{Page: page, PageSize: pageSize}, nil
	}
	p.loading = false
	p.cancel = nil

	if err != nil {
		p.lastErr = restapi.ErrorMessage(err, loadItemsFallback)
		p.logger.Error("Failed to load items", zap.Int("page", page), zap.Error(err))
		return PageResult{Page: page, PageSize: pageSize}, err
	}

	if appendMode {
		added := p.store.AppendPageSince(resp.Results, since)
		p.logger.Debug("Appended page", zap.Int("page", page), zap.Int("added", added))
	} else {
		p.store.ReplacePageSince(resp.Results, since)
		p.logger.Debug("Replaced contents", zap.Int("page", page), zap.Int("rows", len(resp.Results)))
	}

	p.page = page
	p.pageSize = pageSize
	p.filter = f
	p.hasMore = page*pageSize < resp.Count
	p.lastErr = ""

	return PageResult{
		Page:     page,
		PageSize: pageSize,
		Count:    resp.Count,
		Items:    resp.Results,
		HasMore:  p.hasMore,
		Applied:  true,
	}, nil
}

// SetFilter resets pagination to page 1 and replaces the contents with the
// first page under f.
func (p *PageFetcher) SetFilter(ctx context.Context, f filter.Set) (PageResult, error) {
	p.scroll.Cancel()
	st := p.State()
	return p.FetchPage(ctx, 1, st.PageSize, f, false)
}

// Refresh reloads the first page under the current filter.
func (p *PageFetcher) Refresh(ctx context.Context) (PageResult, error) {
	st := p.State()
	return p.FetchPage(ctx, 1, st.PageSize, st.Filter, false)
}

// FetchNext synchronously appends the page after the current one. It returns
// a zero, unapplied result when there is nothing more to load.
func (p *PageFetcher) FetchNext(ctx context.Context) (PageResult, error) {
	st := p.State()
	if !st.HasMore {
		return PageResult{Page: st.Page, PageSize: st.PageSize}, nil
	}
	return p.FetchPage(ctx, st.Page+1, st.PageSize, st.Filter, true)
}

// LoadMore is the scroll-proximity trigger: when more pages exist and no
// fetch is pending it schedules the next page after the scroll debounce and
// reports true. Repeated triggers inside the window collapse into one fetch.
func (p *PageFetcher) LoadMore(ctx context.Context) bool {
	st := p.State()
	if st.Loading || !st.HasMore {
		return false
	}
	p.scroll.Trigger(func() {
		if _, err := p.FetchNext(ctx); err != nil && !errors.Is(err, ErrFetchInFlight) && !errors.Is(err, ErrFetcherClosed) {
			p.logger.Warn("Scroll page load failed", zap.Error(err))
		}
	})
	return true
}

// SetPageSize changes the page size and reloads from page 1.
func (p *PageFetcher) SetPageSize(ctx context.Context, pageSize int) (PageResult, error) {
	st := p.State()
	return p.FetchPage(ctx, 1, pageSize, st.Filter, false)
}

func (p *PageFetcher) State() FetchState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return FetchState{
		Page:     p.page,
		PageSize: p.pageSize,
		HasMore:  p.hasMore,
		Loading:  p.loading,
		Filter:   p.filter,
		Err:      p.lastErr,
	}
}

// Close cancels the pending fetch and any scheduled scroll load. Results
// that resolve afterwards are dropped.
func (p *PageFetcher) Close() {
	p.scroll.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.loading = false
}
