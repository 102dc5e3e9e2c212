// Package executor schedules dashboard item queries.
//
// The executor deduplicates identical queries, supersedes older runs of the same
// item, bounds the number of in-flight queries, and retries transport failures
// with linear backoff. Results are written back to the dashboard only when they
// belong to the most recently requested query of an item.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/dashboard"
	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

// Errors delivered to waiters of queries that did not run to completion.
var (
	ErrQueryNotFound = errors.New("query not found")
	ErrCancelled     = errors.New("query was cancelled")
	ErrQueueCleared  = errors.New("query queue was cleared")
	ErrClosed        = errors.New("executor is closed")
)

// QueryService resolves and runs queries against a named connection.
type QueryService interface {
	Execute(ctx context.Context, connection string, input core.QueryInput, progress core.ProgressFunc) (*core.QueryResult, error)
	ExecuteBatch(ctx context.Context, connection string, req core.BatchRequest, progress core.ProgressFunc) ([]core.BatchOutcome, error)
	CreateDrilldown(ctx context.Context, connection string, req core.DrilldownRequest) (string, error)
}

// Connections reports and establishes data connections.
type Connections interface {
	Status(name string) (core.ConnectionStatus, error)
	Connect(ctx context.Context, name string) error
}

// Editors turns dashboard imports into source texts for the resolver.
type Editors interface {
	ResolveImports(imports []core.Import) []core.ContentInput
}

// Dashboards reads and writes dashboard state on behalf of the executor.
type Dashboards interface {
	DashboardData(id string) (dashboard.Snapshot, error)
	ItemData(dashboardID, itemID string) (dashboard.ItemData, error)
	SetItemData(dashboardID, itemID string, u dashboard.ItemUpdate) error
}

// Options tunes scheduling behavior. Zero values select the defaults.
type Options struct {
	// MaxConcurrentQueries bounds the number of dispatched queries (default 10).
	MaxConcurrentQueries int
	// RetryAttempts is the number of retries after a transport failure (default 2).
	// A negative value disables retries.
	RetryAttempts int
	// RetryBaseDelay is multiplied by the retry number to get the delay (default 1s).
	RetryBaseDelay time.Duration
	// BatchDelay is the debounce window for RunBatch (default 0).
	BatchDelay time.Duration
	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
	// Meter records executor metrics (optional, uses the global provider if nil)
	Meter metric.Meter
}

// Defaults for Options.
const (
	DefaultMaxConcurrentQueries = 10
	DefaultRetryAttempts        = 2
	DefaultRetryBaseDelay       = time.Second
)

func (o Options) withDefaults() Options {
	if o.MaxConcurrentQueries <= 0 {
		o.MaxConcurrentQueries = DefaultMaxConcurrentQueries
	}
	switch {
	case o.RetryAttempts < 0:
		o.RetryAttempts = 0
	case o.RetryAttempts == 0:
		o.RetryAttempts = DefaultRetryAttempts
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if o.BatchDelay < 0 {
		o.BatchDelay = 0
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// Config holds the executor's collaborators.
type Config struct {
	DashboardID    string
	ConnectionName string
	Queries        QueryService
	Connections    Connections
	Editors        Editors
	Dashboards     Dashboards
	Options        Options
}

// Callbacks observe the outcome of one run request. Any field may be nil.
// They fire for every request, including superseded ones, but only the latest
// request of an item updates the dashboard.
type Callbacks struct {
	OnSuccess  func(*core.QueryResult)
	OnError    func(error)
	OnProgress core.ProgressFunc
}

// RunOption customizes a RunSingle or RunBatch request.
type RunOption func(*runConfig)

type runConfig struct {
	priority    *int
	callbacks   Callbacks
	perItemFunc func(itemID string) Callbacks
}

// WithPriority overrides the item's layout row as its priority. Lower runs first.
func WithPriority(p int) RunOption {
	return func(c *runConfig) { c.priority = &p }
}

// WithCallbacks attaches callbacks to every query the request creates or joins.
func WithCallbacks(cb Callbacks) RunOption {
	return func(c *runConfig) { c.callbacks = cb }
}

// WithItemCallbacks attaches callbacks chosen per item.
func WithItemCallbacks(fn func(itemID string) Callbacks) RunOption {
	return func(c *runConfig) { c.perItemFunc = fn }
}

func (c runConfig) callbacksFor(itemID string) Callbacks {
	if c.perItemFunc != nil {
		return c.perItemFunc(itemID)
	}
	return c.callbacks
}

// QueryInfo describes one queued query.
type QueryInfo struct {
	ID       string    `json:"id"`
	ItemIDs  []string  `json:"itemIds"`
	Priority int       `json:"priority"`
	Retries  int       `json:"retries"`
	Batch    bool      `json:"batch"`
	Queued   time.Time `json:"queued"`
}

// Status is a snapshot of the executor's bookkeeping.
type Status struct {
	Queued              int               `json:"queued"`
	Active              int               `json:"active"`
	QueuedQueries       []QueryInfo       `json:"queuedQueries"`
	LatestQueryByItemID map[string]string `json:"latestQueryByItemId"`
}

// Executor runs the queries of one dashboard.
type Executor struct {
	dashboardID string
	queries     QueryService
	conns       Connections
	editors     Editors
	dashboards  Dashboards
	opts        Options
	logger      *slog.Logger
	metrics     *metrics

	// Connection establishment is shared by concurrent dispatches.
	connGroup singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	connection  string
	connChecked bool
	closed      bool
	queue       map[string]*query
	active      map[string]*query
	latest      map[string]string              // item id -> latest query id
	tracked     map[string]map[string]struct{} // query id -> items it is latest for
	recent      *recentResults
	batchTimer  *time.Timer
}

// New creates an executor for one dashboard.
func New(cfg Config) (*Executor, error) {
	if cfg.Queries == nil {
		return nil, errors.New("executor requires a query service")
	}
	if cfg.Connections == nil {
		return nil, errors.New("executor requires a connection registry")
	}
	if cfg.Dashboards == nil {
		return nil, errors.New("executor requires a dashboard accessor")
	}

	opts := cfg.Options.withDefaults()
	m, err := newMetrics(opts.Meter)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		dashboardID: cfg.DashboardID,
		queries:     cfg.Queries,
		conns:       cfg.Connections,
		editors:     cfg.Editors,
		dashboards:  cfg.Dashboards,
		opts:        opts,
		logger:      opts.Logger.With("dashboard", cfg.DashboardID),
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
		connection:  cfg.ConnectionName,
		queue:       make(map[string]*query),
		active:      make(map[string]*query),
		latest:      make(map[string]string),
		tracked:     make(map[string]map[string]struct{}),
		recent:      newRecentResults(recentResultsSize),
	}
	return e, nil
}

// RunSingle requests a run of one item and returns the query id serving it.
// An empty id means the item has nothing to run.
func (e *Executor) RunSingle(itemID string, opts ...RunOption) string {
	rc := collectOptions(opts)

	e.mu.Lock()
	id, deferred := e.enqueueLocked(itemID, false, rc)
	e.mu.Unlock()

	deferred.run()
	e.processQueue()
	return id
}

// RunBatch requests a run of several items. Their queries are coalesced over
// the batch window and resolved with a single batch call.
func (e *Executor) RunBatch(itemIDs []string, opts ...RunOption) []string {
	rc := collectOptions(opts)

	var (
		ids      []string
		deferred callbackList
	)
	e.mu.Lock()
	for _, itemID := range itemIDs {
		id, d := e.enqueueLocked(itemID, true, rc)
		deferred = append(deferred, d...)
		if id != "" {
			ids = append(ids, id)
		}
	}
	release := e.scheduleBatchLocked()
	e.mu.Unlock()

	deferred.run()
	if release {
		e.releaseBatch()
	}
	return ids
}

// CancelQuery cancels a queued or active query. A dispatched request is not
// recalled; its late result is ignored.
func (e *Executor) CancelQuery(id string) bool {
	e.mu.Lock()
	q, ok := e.queue[id]
	if !ok {
		q, ok = e.active[id]
	}
	if !ok {
		e.mu.Unlock()
		return false
	}
	deferred := e.abortLocked(q, ErrCancelled)
	e.mu.Unlock()

	deferred.run()
	e.processQueue()
	return true
}

// ClearQueue drops every query that has not been dispatched yet.
func (e *Executor) ClearQueue() {
	e.mu.Lock()
	var deferred callbackList
	for _, q := range e.queue {
		deferred = append(deferred, e.abortLocked(q, ErrQueueCleared)...)
	}
	if e.batchTimer != nil {
		e.batchTimer.Stop()
		e.batchTimer = nil
	}
	e.mu.Unlock()

	deferred.run()
}

// Status returns a snapshot of the queue.
func (e *Executor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		Queued:              len(e.queue),
		Active:              len(e.active),
		QueuedQueries:       make([]QueryInfo, 0, len(e.queue)),
		LatestQueryByItemID: make(map[string]string, len(e.latest)),
	}
	for _, q := range e.sortedQueueLocked(false) {
		st.QueuedQueries = append(st.QueuedQueries, QueryInfo{
			ID:       q.id,
			ItemIDs:  e.trackedItemsLocked(q.id),
			Priority: q.priority,
			Retries:  q.retries,
			Batch:    q.batch,
			Queued:   q.timestamp,
		})
	}
	for item, id := range e.latest {
		st.LatestQueryByItemID[item] = id
	}
	return st
}

// WaitForQuery blocks until the query finishes and returns its outcome.
// Recently finished queries are remembered, so waiting after completion works.
func (e *Executor) WaitForQuery(ctx context.Context, id string) (*core.QueryResult, error) {
	e.mu.Lock()
	q, ok := e.queue[id]
	if !ok {
		q, ok = e.active[id]
	}
	if !ok {
		if r, found := e.recent.get(id); found {
			e.mu.Unlock()
			return r.result, r.err
		}
		e.mu.Unlock()
		return nil, ErrQueryNotFound
	}
	done := q.done
	e.mu.Unlock()

	select {
	case <-done:
		return q.outcome()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetConnection switches the connection later queries run against.
func (e *Executor) SetConnection(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connection != name {
		e.connection = name
		e.connChecked = false
	}
}

// Connection returns the current connection name.
func (e *Executor) Connection() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connection
}

// CreateDrilldownQuery asks the query service to rewrite query for a drilldown,
// using the dashboard's imports as sources.
func (e *Executor) CreateDrilldownQuery(ctx context.Context, query string, add []string, remove, filter string) (string, error) {
	snap, err := e.dashboards.DashboardData(e.dashboardID)
	if err != nil {
		return "", err
	}
	req := core.DrilldownRequest{
		Query:   query,
		Add:     add,
		Remove:  remove,
		Filter:  filter,
		Imports: snap.Imports,
	}
	if e.editors != nil {
		req.ExtraContent = e.editors.ResolveImports(snap.Imports)
	}
	return e.queries.CreateDrilldown(ctx, e.Connection(), req)
}

// Close rejects every pending query and waits for dispatched work to return.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.batchTimer != nil {
		e.batchTimer.Stop()
		e.batchTimer = nil
	}
	var deferred callbackList
	for _, q := range e.queue {
		deferred = append(deferred, e.abortLocked(q, ErrClosed)...)
	}
	for _, q := range e.active {
		deferred = append(deferred, e.abortLocked(q, ErrClosed)...)
	}
	e.mu.Unlock()

	e.cancel()
	deferred.run()
	e.wg.Wait()
}

func collectOptions(opts []RunOption) runConfig {
	var rc runConfig
	for _, o := range opts {
		o(&rc)
	}
	return rc
}
