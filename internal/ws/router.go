package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/payflow/batchwatch/internal/filter"
	"github.com/payflow/batchwatch/internal/store"
	"github.com/payflow/batchwatch/pkg/schema"
)

// Application events published on a batch topic.
const (
	EventItemUpdate  = "item_update"
	EventBatchUpdate = "batch_update"
)

// DefaultLiveStatuses is the set of batch statuses that keep a socket open.
var DefaultLiveStatuses = []schema.BatchStatus{schema.BatchStatusProcessing}

// TransportFactory builds a transport that reports to h.
type TransportFactory func(h Handler) (Transport, error)

// DialFactory returns a TransportFactory producing Pusher connections.
func DialFactory(opts Options, logger *zap.Logger) TransportFactory {
	return func(h Handler) (Transport, error) {
		return NewConnection(opts, h, logger)
	}
}

type RouterOptions struct {
	LiveStatuses []schema.BatchStatus
	Dial         TransportFactory
	// Filter returns the filter set in effect when a push arrives.
	Filter func() filter.Set
}

// Router owns the realtime lifecycle for the batch being viewed. It opens a
// transport while the batch status is live, subscribes the batch topic once
// connected, feeds item pushes into the store and merges status pushes into
// the batch record.
type Router struct {
	ctx    context.Context
	logger *zap.Logger
	store  *store.Store
	dial   TransportFactory
	filter func() filter.Set
	live   map[schema.BatchStatus]struct{}

	mu        sync.Mutex
	batchID   schema.BatchID
	batch     *schema.Batch
	state     State
	transport Transport
	gen       uint64
	lastErr   error
	closed    bool
	onBatch   []func(schema.Batch)
	onState   []func(State)
}

func NewRouter(ctx context.Context, st *store.Store, opts RouterOptions, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	liveStatuses := opts.LiveStatuses
	if len(liveStatuses) == 0 {
		liveStatuses = DefaultLiveStatuses
	}
	live := make(map[schema.BatchStatus]struct{}, len(liveStatuses))
	for _, s := range liveStatuses {
		live[s] = struct{}{}
	}
	currentFilter := opts.Filter
	if currentFilter == nil {
		currentFilter = func() filter.Set { return filter.Set{} }
	}
	return &Router{
		ctx:    ctx,
		logger: logger,
		store:  st,
		dial:   opts.Dial,
		filter: currentFilter,
		live:   live,
		state:  StateDisconnected,
	}
}

// OnBatchChange registers fn to run after the batch record changes.
func (r *Router) OnBatchChange(fn func(schema.Batch)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onBatch = append(r.onBatch, fn)
}

// OnStateChange registers fn to run after the connection state changes.
func (r *Router) OnStateChange(fn func(State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onState = append(r.onState, fn)
}

func (r *Router) IsLive(status schema.BatchStatus) bool {
	_, ok := r.live[status]
	return ok
}

func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Batch returns the current batch record, if one has been set.
func (r *Router) Batch() (schema.Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.batch == nil {
		return schema.Batch{}, false
	}
	return *r.batch, true
}

// LastError is the most recent transport error, cleared on connect.
func (r *Router) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// SetBatch installs b as the viewed batch and reconciles the connection
// with its status.
func (r *Router) SetBatch(b schema.Batch) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	rec := b
	r.batch = &rec
	listeners := r.onBatch
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(b)
	}
	return r.Reconcile(b.ID, b.Status)
}

// Reconcile opens, keeps or tears down the connection so that a transport
// exists exactly when status is live. A different batchID always tears the
// previous connection down first.
func (r *Router) Reconcile(batchID schema.BatchID, status schema.BatchStatus) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}

	var old detached
	live := r.IsLive(status)
	if r.transport != nil && (r.batchID != batchID || !live) {
		old = r.detachLocked()
	}
	if r.batch != nil && r.batch.ID != batchID {
		r.batch = nil
	}
	r.batchID = batchID

	var (
		next Transport
		gen  uint64
	)
	if live && r.transport == nil {
		if r.dial == nil {
			r.mu.Unlock()
			old.teardown(r.logger)
			return fmt.Errorf("no transport configured")
		}
		r.gen++
		gen = r.gen
		t, err := r.dial(&boundHandler{router: r, gen: gen})
		if err != nil {
			r.state = StateError
			r.lastErr = err
			listeners := r.onState
			r.mu.Unlock()
			old.teardown(r.logger)
			notifyState(listeners, StateError)
			return fmt.Errorf("failed to create transport: %w", err)
		}
		r.transport = t
		r.state = StateConnecting
		next = t
	}
	state := r.state
	listeners := r.onState
	r.mu.Unlock()

	changed := old.transport != nil || next != nil
	old.teardown(r.logger)
	if changed {
		notifyState(listeners, state)
	}
	if next == nil {
		return nil
	}

	r.logger.Info("Opening realtime connection",
		zap.String("batch_id", string(batchID)),
		zap.String("status", string(status)))
	if err := next.Start(r.ctx); err != nil {
		r.handleError(gen, err)
		return fmt.Errorf("failed to start transport: %w", err)
	}
	return nil
}

// Teardown unsubscribes the topic and closes the transport. It is safe to
// call repeatedly and before any subscription completed.
func (r *Router) Teardown() {
	r.mu.Lock()
	old := r.detachLocked()
	listeners := r.onState
	r.mu.Unlock()

	if old.transport == nil {
		return
	}
	old.teardown(r.logger)
	notifyState(listeners, StateDisconnected)
}

// Close tears the connection down and rejects further lifecycle changes.
func (r *Router) Close() {
	r.Teardown()
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

type detached struct {
	transport Transport
	topic     string
}

// detachLocked removes the transport so callbacks still in flight from it
// fail the generation check. Caller holds r.mu.
func (r *Router) detachLocked() detached {
	if r.transport == nil {
		return detached{}
	}
	d := detached{transport: r.transport, topic: r.batchID.Topic()}
	r.transport = nil
	r.gen++
	r.state = StateDisconnected
	return d
}

func (d detached) teardown(logger *zap.Logger) {
	if d.transport == nil {
		return
	}
	if err := d.transport.Unsubscribe(d.topic); err != nil && !errors.Is(err, ErrClosed) {
		logger.Warn("Failed to unsubscribe", zap.String("channel", d.topic), zap.Error(err))
	}
	if err := d.transport.Close(); err != nil {
		logger.Warn("Failed to close transport", zap.Error(err))
	}
	logger.Info("Realtime connection torn down", zap.String("channel", d.topic))
}

// current returns the active transport and topic if gen is still current.
func (r *Router) current(gen uint64) (Transport, schema.BatchID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || r.transport == nil {
		return nil, "", false
	}
	return r.transport, r.batchID, true
}

func (r *Router) setState(gen uint64, s State, err error) bool {
	r.mu.Lock()
	if gen != r.gen || r.transport == nil {
		r.mu.Unlock()
		return false
	}
	r.state = s
	if err != nil || s == StateConnected {
		r.lastErr = err
	}
	listeners := r.onState
	r.mu.Unlock()
	notifyState(listeners, s)
	return true
}

func (r *Router) handleConnected(gen uint64, socketID string) {
	if !r.setState(gen, StateConnected, nil) {
		return
	}
	t, batchID, ok := r.current(gen)
	if !ok {
		return
	}
	topic := batchID.Topic()
	r.logger.Info("Realtime connected", zap.String("socket_id", socketID), zap.String("channel", topic))
	if err := t.Subscribe(topic); err != nil {
		r.handleError(gen, err)
	}
}

func (r *Router) handleDisconnected(gen uint64) {
	if r.setState(gen, StateDisconnected, nil) {
		r.logger.Info("Realtime disconnected")
	}
}

// handleError records the failure. Reconnection stays with the transport.
func (r *Router) handleError(gen uint64, err error) {
	if r.setState(gen, StateError, err) {
		r.logger.Error("Realtime error", zap.Error(err))
	}
}

func (r *Router) handleEvent(gen uint64, channel, event string, data json.RawMessage) {
	_, batchID, ok := r.current(gen)
	if !ok {
		r.logger.Debug("Dropping event from stale transport", zap.String("event", event))
		return
	}
	if channel != batchID.Topic() {
		r.logger.Debug("Dropping event for other channel",
			zap.String("channel", channel),
			zap.String("event", event))
		return
	}

	switch event {
	case EventItemUpdate:
		r.applyItem(batchID, data)
	case EventBatchUpdate:
		r.applyBatch(batchID, data)
	default:
		r.logger.Debug("Ignoring event", zap.String("event", event), zap.String("channel", channel))
	}
}

func (r *Router) applyItem(batchID schema.BatchID, data json.RawMessage) {
	it, ok := NormalizeItem(data)
	if !ok {
		r.logger.Warn("Discarding unrecognised item payload", zap.ByteString("payload", data))
		return
	}
	if it.Batch != "" && it.Batch != batchID {
		r.logger.Debug("Discarding item for other batch",
			zap.String("item_batch", string(it.Batch)),
			zap.String("batch_id", string(batchID)))
		return
	}
	change := r.store.Upsert(it, r.filter())
	r.logger.Debug("Applied item update",
		zap.String("item_id", string(it.ID)),
		zap.String("status", string(it.Status)),
		zap.Stringer("change", change))
}

func (r *Router) applyBatch(batchID schema.BatchID, data json.RawMessage) {
	upd, ok := NormalizeBatchUpdate(data)
	if !ok {
		r.logger.Warn("Discarding unrecognised batch payload", zap.ByteString("payload", data))
		return
	}
	if upd.ID != "" && upd.ID != batchID {
		r.logger.Debug("Discarding batch update for other batch", zap.String("update_batch", string(upd.ID)))
		return
	}

	r.mu.Lock()
	var (
		updated   schema.Batch
		hasRecord bool
	)
	if r.batch != nil && r.batch.ID == batchID {
		updated = r.batch.WithStatus(upd.Status)
		r.batch = &updated
		hasRecord = true
	}
	listeners := r.onBatch
	r.mu.Unlock()

	r.logger.Info("Batch status changed", zap.String("status", string(upd.Status)))
	if hasRecord {
		for _, fn := range listeners {
			fn(updated)
		}
	}
	if err := r.Reconcile(batchID, upd.Status); err != nil && !errors.Is(err, ErrClosed) {
		r.logger.Error("Failed to reconcile realtime connection", zap.Error(err))
	}
}

func notifyState(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}

// boundHandler ties transport callbacks to the generation that created the
// transport, so a replaced transport cannot touch the router.
type boundHandler struct {
	router *Router
	gen    uint64
}

func (h *boundHandler) HandleConnected(socketID string) { h.router.handleConnected(h.gen, socketID) }
func (h *boundHandler) HandleDisconnected()             { h.router.handleDisconnected(h.gen) }
func (h *boundHandler) HandleError(err error)           { h.router.handleError(h.gen, err) }
func (h *boundHandler) HandleEvent(channel, event string, data json.RawMessage) {
	h.router.handleEvent(h.gen, channel, event, data)
}
