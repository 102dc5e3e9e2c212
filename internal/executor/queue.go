package executor

import (
	"cmp"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/dashboard"
	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

type subscriber struct {
	itemID    string
	callbacks Callbacks
}

// query is one unit of network work. Several items may share it.
type query struct {
	id          string
	key         string
	input       core.QueryInput
	priority    int
	timestamp   time.Time
	batch       bool
	held        bool
	notBefore   time.Time
	started     time.Time
	retries     int
	backoff     retry.Backoff
	subscribers []subscriber

	done      chan struct{}
	finished  bool
	delivered bool
	result    *core.QueryResult
	err       error
}

func (q *query) finish(result *core.QueryResult, err error) {
	if q.finished {
		return
	}
	q.finished = true
	q.result, q.err = result, err
	close(q.done)
}

// outcome must only be called after done is closed.
func (q *query) outcome() (*core.QueryResult, error) {
	return q.result, q.err
}

type callbackList []func()

func (l callbackList) run() {
	for _, fn := range l {
		fn()
	}
}

func subscriberCallbacks(subs []subscriber, result *core.QueryResult, err error) callbackList {
	var out callbackList
	for _, s := range subs {
		cb := s.callbacks
		switch {
		case err != nil && cb.OnError != nil:
			out = append(out, func() { cb.OnError(err) })
		case err == nil && cb.OnSuccess != nil:
			out = append(out, func() { cb.OnSuccess(result) })
		}
	}
	return out
}

// dedupKey identifies queries that would produce the same result. An empty key
// never matches.
func dedupKey(dashboardID string, input core.QueryInput) string {
	key, err := json.Marshal(struct {
		Dashboard  string         `json:"d"`
		Text       string         `json:"t"`
		Filters    []string       `json:"f"`
		Parameters map[string]any `json:"p"`
	}{dashboardID, input.Text, input.ExtraFilters, input.Parameters})
	if err != nil {
		return ""
	}
	return string(key)
}

// linearBackoff yields base, 2*base, 3*base... for at most attempts retries.
func linearBackoff(base time.Duration, attempts int) retry.Backoff {
	var n time.Duration
	return retry.WithMaxRetries(uint64(attempts), retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return base * n, false
	}))
}

// enqueueLocked registers a run of itemID and returns the query serving it.
func (e *Executor) enqueueLocked(itemID string, batch bool, rc runConfig) (string, callbackList) {
	if e.closed {
		return "", nil
	}
	data, err := e.dashboards.ItemData(e.dashboardID, itemID)
	if err != nil {
		e.logger.Warn("cannot run item", "item", itemID, "error", err)
		return "", nil
	}

	if strings.TrimSpace(data.Query) == "" {
		deferred := e.untrackItemLocked(itemID)
		e.setItemLocked(itemID, dashboard.IdleUpdate())
		e.logger.Debug("skipping item without query", "item", itemID)
		return "", deferred
	}

	input, err := e.buildInputLocked(data)
	if err != nil {
		e.logger.Warn("cannot build query input", "item", itemID, "error", err)
		return "", nil
	}
	key := dedupKey(e.dashboardID, input)
	priority := data.Row
	if rc.priority != nil {
		priority = *rc.priority
	}
	sub := subscriber{itemID: itemID, callbacks: rc.callbacksFor(itemID)}

	if existing := e.findByKeyLocked(key, itemID); existing != nil {
		var deferred callbackList
		if e.latest[itemID] != existing.id {
			deferred = e.untrackItemLocked(itemID)
		}
		existing.priority = min(existing.priority, priority)
		existing.subscribers = append(existing.subscribers, sub)
		e.trackLocked(itemID, existing.id)
		e.setItemLocked(itemID, dashboard.LoadingUpdate())
		e.metrics.deduplicated(e.dashboardID)
		e.logger.Debug("joined existing query", "item", itemID, "query", existing.id)
		return existing.id, deferred
	}

	deferred := e.untrackItemLocked(itemID)
	q := &query{
		id:          uuid.NewString(),
		key:         key,
		input:       input,
		priority:    priority,
		timestamp:   time.Now(),
		batch:       batch,
		held:        batch,
		backoff:     linearBackoff(e.opts.RetryBaseDelay, e.opts.RetryAttempts),
		subscribers: []subscriber{sub},
		done:        make(chan struct{}),
	}
	e.queue[q.id] = q
	e.trackLocked(itemID, q.id)
	e.setItemLocked(itemID, dashboard.LoadingUpdate())
	e.metrics.enqueued(e.dashboardID)
	e.logger.Debug("query queued", "item", itemID, "query", q.id, "priority", priority, "batch", batch)
	return q.id, deferred
}

func (e *Executor) buildInputLocked(data dashboard.ItemData) (core.QueryInput, error) {
	snap, err := e.dashboards.DashboardData(e.dashboardID)
	if err != nil {
		return core.QueryInput{}, err
	}
	input := core.QueryInput{
		Text:         data.Query,
		EditorType:   core.EditorTrilogy,
		Imports:      snap.Imports,
		ExtraFilters: data.FilterValues(),
		Parameters:   data.Parameters,
	}
	if e.editors != nil {
		input.ExtraContent = e.editors.ResolveImports(snap.Imports)
	}
	return input, nil
}

// findByKeyLocked returns a pending query with the same key. Queued queries
// always match; a dispatched query only matches callers it does not already
// serve, so re-running an item issues a fresh request.
func (e *Executor) findByKeyLocked(key, itemID string) *query {
	if key == "" {
		return nil
	}
	for _, q := range e.queue {
		if q.key == key {
			return q
		}
	}
	for _, q := range e.active {
		if q.key != key || q.finished {
			continue
		}
		if _, serves := e.tracked[q.id][itemID]; serves {
			continue
		}
		return q
	}
	return nil
}

func (e *Executor) trackLocked(itemID, queryID string) {
	e.latest[itemID] = queryID
	items, ok := e.tracked[queryID]
	if !ok {
		items = make(map[string]struct{})
		e.tracked[queryID] = items
	}
	items[itemID] = struct{}{}
}

// untrackItemLocked detaches itemID from its latest query. A query no item
// depends on any more is cancelled.
func (e *Executor) untrackItemLocked(itemID string) callbackList {
	old, ok := e.latest[itemID]
	if !ok {
		return nil
	}
	delete(e.latest, itemID)
	items := e.tracked[old]
	delete(items, itemID)
	if len(items) > 0 {
		return nil
	}
	delete(e.tracked, old)

	q, ok := e.queue[old]
	if !ok {
		q, ok = e.active[old]
	}
	if !ok {
		return nil
	}
	e.logger.Debug("superseding query", "item", itemID, "query", old)
	return e.abortLocked(q, ErrCancelled)
}

func (e *Executor) trackedItemsLocked(queryID string) []string {
	items := make([]string, 0, len(e.tracked[queryID]))
	for id := range e.tracked[queryID] {
		items = append(items, id)
	}
	slices.Sort(items)
	return items
}

func (e *Executor) setItemLocked(itemID string, u dashboard.ItemUpdate) {
	if err := e.dashboards.SetItemData(e.dashboardID, itemID, u); err != nil {
		e.logger.Warn("failed to update item state", "item", itemID, "error", err)
	}
}

// abortLocked removes q from the executor and rejects its waiters with err.
// Subscribers of a dispatched query still hear the late network outcome.
func (e *Executor) abortLocked(q *query, err error) callbackList {
	_, dispatched := e.active[q.id]
	delete(e.queue, q.id)
	delete(e.active, q.id)

	for itemID := range e.tracked[q.id] {
		if e.latest[itemID] == q.id {
			delete(e.latest, itemID)
			e.setItemLocked(itemID, dashboard.IdleUpdate())
		}
	}
	delete(e.tracked, q.id)

	q.finish(nil, err)
	e.recent.put(q.id, nil, err)
	e.metrics.cancelled(e.dashboardID)

	if dispatched || q.delivered {
		return nil
	}
	q.delivered = true
	return subscriberCallbacks(q.subscribers, nil, err)
}

// deliverLocked records the final outcome of q. State is written only for items
// whose latest query is still q.
func (e *Executor) deliverLocked(q *query, result *core.QueryResult, err error) callbackList {
	delete(e.queue, q.id)
	delete(e.active, q.id)

	if !q.finished {
		for itemID := range e.tracked[q.id] {
			if e.latest[itemID] != q.id {
				continue
			}
			delete(e.latest, itemID)
			if err != nil {
				e.setItemLocked(itemID, dashboard.ErrorUpdate(err.Error()))
				continue
			}
			results := result.Results
			if results == nil {
				results = core.NewEmptyResults()
			}
			e.setItemLocked(itemID, dashboard.SuccessUpdate(results))
		}
		delete(e.tracked, q.id)
		q.finish(result, err)
		e.recent.put(q.id, result, err)

		if !q.started.IsZero() {
			e.metrics.observe(e.dashboardID, time.Since(q.started), err)
		} else if err != nil {
			e.metrics.observe(e.dashboardID, 0, err)
		}
	}

	if q.delivered {
		return nil
	}
	q.delivered = true
	return subscriberCallbacks(q.subscribers, result, err)
}

// sortedQueueLocked orders queued queries by priority, then arrival.
func (e *Executor) sortedQueueLocked(readyOnly bool) []*query {
	now := time.Now()
	out := make([]*query, 0, len(e.queue))
	for _, q := range e.queue {
		if readyOnly && (q.held || now.Before(q.notBefore)) {
			continue
		}
		out = append(out, q)
	}
	slices.SortFunc(out, func(a, b *query) int {
		return cmp.Or(
			cmp.Compare(a.priority, b.priority),
			a.timestamp.Compare(b.timestamp),
			strings.Compare(a.id, b.id),
		)
	})
	return out
}

// scheduleBatchLocked arms the batch window. It reports whether held queries
// should be released right away.
func (e *Executor) scheduleBatchLocked() bool {
	if e.opts.BatchDelay == 0 {
		return true
	}
	if e.batchTimer != nil {
		e.batchTimer.Stop()
	}
	e.batchTimer = time.AfterFunc(e.opts.BatchDelay, e.releaseBatch)
	return false
}

func (e *Executor) releaseBatch() {
	e.mu.Lock()
	e.batchTimer = nil
	for _, q := range e.queue {
		q.held = false
	}
	e.mu.Unlock()

	e.processQueue()
}

// processQueue dispatches ready queries while slots are free. It is called after
// every state change that can free a slot or make a query ready.
func (e *Executor) processQueue() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	slots := e.opts.MaxConcurrentQueries - len(e.active)
	if slots <= 0 || len(e.queue) == 0 {
		e.mu.Unlock()
		return
	}
	ready := e.sortedQueueLocked(true)
	if len(ready) > slots {
		ready = ready[:slots]
	}
	if len(ready) == 0 {
		e.mu.Unlock()
		return
	}

	var batch, singles []*query
	now := time.Now()
	for _, q := range ready {
		delete(e.queue, q.id)
		e.active[q.id] = q
		q.started = now
		if q.batch {
			batch = append(batch, q)
		} else {
			singles = append(singles, q)
		}
	}
	conn := e.connection
	e.wg.Add(1)
	e.mu.Unlock()

	go e.dispatch(conn, batch, singles)
}
