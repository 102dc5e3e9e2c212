package executor

import (
	"cmp"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

// dispatch runs one group of queries taken off the queue by processQueue.
func (e *Executor) dispatch(conn string, batch, singles []*query) {
	defer e.wg.Done()

	if err := e.EnsureConnection(e.ctx); err != nil {
		var deferred callbackList
		e.mu.Lock()
		for _, q := range append(batch, singles...) {
			deferred = append(deferred, e.deliverLocked(q, nil, err)...)
		}
		e.mu.Unlock()
		deferred.run()
		return
	}

	var wg sync.WaitGroup
	for _, q := range singles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := e.queries.Execute(e.ctx, conn, q.input, e.progressFor(q))
			e.complete(q, result, err)
		}()
	}
	if len(batch) > 0 {
		e.runBatchGroup(conn, batch)
	}
	wg.Wait()
}

func (e *Executor) runBatchGroup(conn string, batch []*query) {
	first := batch[0].input
	req := core.BatchRequest{
		Queries:      make([]core.BatchQuery, 0, len(batch)),
		EditorType:   first.EditorType,
		Imports:      first.Imports,
		ExtraContent: first.ExtraContent,
	}
	for _, q := range batch {
		req.Queries = append(req.Queries, core.BatchQuery{
			Label:        q.id,
			Text:         q.input.Text,
			ExtraFilters: q.input.ExtraFilters,
			Parameters:   q.input.Parameters,
		})
	}

	e.logger.Debug("dispatching batch", "queries", len(batch), "connection", conn)
	outcomes, err := e.queries.ExecuteBatch(e.ctx, conn, req, e.progressFor(batch...))
	if err != nil {
		for _, q := range batch {
			e.complete(q, nil, err)
		}
		return
	}

	byLabel := make(map[string]core.BatchOutcome, len(outcomes))
	for _, o := range outcomes {
		byLabel[o.Label] = o
	}
	for _, q := range batch {
		o, ok := byLabel[q.id]
		if !ok {
			e.complete(q, nil, fmt.Errorf("batch returned no result for query %s", q.id))
			continue
		}
		e.complete(q, o.Result, o.Err)
	}
}

// progressFor fans progress messages out to the current subscribers of qs.
func (e *Executor) progressFor(qs ...*query) core.ProgressFunc {
	return func(p core.Progress) {
		var fns []core.ProgressFunc
		e.mu.Lock()
		for _, q := range qs {
			for _, s := range q.subscribers {
				if s.callbacks.OnProgress != nil {
					fns = append(fns, s.callbacks.OnProgress)
				}
			}
		}
		e.mu.Unlock()
		for _, fn := range fns {
			fn(p)
		}
	}
}

// failedResultError is a query the service ran and reported as failed.
type failedResultError struct {
	message string
}

func (e *failedResultError) Error() string { return e.message }

// complete handles the network outcome of q, retrying transport and
// connection failures. Resolver and database rejections are final.
func (e *Executor) complete(q *query, result *core.QueryResult, err error) {
	switch {
	case err == nil && result == nil:
		err = errors.New("query returned no result")
	case err == nil && !result.Success:
		err = &failedResultError{message: cmp.Or(result.Error, "query failed")}
	}

	var failed *failedResultError
	terminal := err == nil || core.IsResolutionError(err) || core.IsExecutionError(err) || errors.As(err, &failed)

	e.mu.Lock()
	if core.IsConnectionError(err) {
		e.connChecked = false
	}
	_, isActive := e.active[q.id]
	if !terminal && isActive && !e.closed {
		if delay, stop := q.backoff.Next(); !stop {
			q.retries++
			q.notBefore = time.Now().Add(delay)
			delete(e.active, q.id)
			e.queue[q.id] = q
			e.metrics.retried(e.dashboardID)
			e.logger.Warn("query failed, retrying",
				"query", q.id,
				"retry", q.retries,
				"delay", delay,
				"error", err)
			time.AfterFunc(delay, e.processQueue)
			e.mu.Unlock()

			e.processQueue()
			return
		}
	}
	if err != nil && !q.finished {
		e.logger.Warn("query failed", "query", q.id, "retries", q.retries, "error", err)
	}
	deferred := e.deliverLocked(q, result, err)
	e.mu.Unlock()

	deferred.run()
	e.processQueue()
}
