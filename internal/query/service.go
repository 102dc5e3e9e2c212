// Package query resolves Trilogy query text through the resolver service and
// runs the generated SQL against a named connection.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/resolver"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/state"
	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/adapter"
	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

// Resolver turns query text into SQL.
type Resolver interface {
	GenerateQuery(ctx context.Context, req resolver.QueryRequest) (*resolver.QueryResponse, error)
	GenerateQueries(ctx context.Context, req resolver.MultiQueryRequest) (*resolver.MultiQueryResponse, error)
	ValidateQuery(ctx context.Context, req resolver.ValidateRequest) (*resolver.ValidateResponse, error)
	DrilldownQuery(ctx context.Context, req resolver.DrilldownRequest) (string, error)
}

// Connections hands out live adapters and the model sources of a connection.
type Connections interface {
	Adapter(name string) (adapter.Adapter, error)
	Sources(name string) ([]core.ContentInput, error)
}

// History records executed queries.
type History interface {
	RecordQuery(ctx context.Context, entry state.HistoryEntry) error
}

// Config configures a Service. History and Logger are optional.
type Config struct {
	Resolver    Resolver
	Connections Connections
	History     History
	Logger      *slog.Logger

	// BatchParallelism bounds how many statements of one batch run at once (default 4).
	BatchParallelism int
}

// Service executes queries on behalf of dashboards, editors and the CLI.
type Service struct {
	resolver    Resolver
	conns       Connections
	history     History
	logger      *slog.Logger
	parallelism int
}

// New creates a query service.
func New(cfg Config) (*Service, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("query service requires a resolver")
	}
	if cfg.Connections == nil {
		return nil, errors.New("query service requires connections")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	parallelism := cfg.BatchParallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Service{
		resolver:    cfg.Resolver,
		conns:       cfg.Connections,
		history:     cfg.History,
		logger:      logger,
		parallelism: parallelism,
	}, nil
}

// Execute resolves and runs a single query.
func (s *Service) Execute(ctx context.Context, connection string, input core.QueryInput, progress core.ProgressFunc) (*core.QueryResult, error) {
	db, sources, err := s.prepare(connection, input.ExtraContent)
	if err != nil {
		return nil, err
	}

	sqlText := input.Text
	var columns []resolver.Column
	if input.EditorType != core.EditorSQL {
		emit(progress, "Resolving query")
		resp, err := s.resolver.GenerateQuery(ctx, resolver.QueryRequest{
			Imports:      resolver.ConvertImports(input.Imports),
			Query:        input.Text,
			Dialect:      db.DialectName(),
			FullModel:    resolver.Model{Name: connection, Sources: resolver.ConvertSources(sources)},
			ExtraFilters: input.ExtraFilters,
			Parameters:   input.Parameters,
		})
		if err != nil {
			s.record(ctx, connection, input.Text, "", nil, 0, err)
			return nil, err
		}
		if resp.GeneratedSQL == nil {
			// definitions only; nothing to run
			return &core.QueryResult{Success: true, Results: core.NewEmptyResults()}, nil
		}
		sqlText = *resp.GeneratedSQL
		columns = resp.Columns
	}

	return s.run(ctx, db, connection, input.Text, sqlText, columns, progress)
}

// ExecuteBatch resolves every query of the batch in one resolver round trip and
// runs the resulting statements. Outcomes are returned in request order. A
// query that fails to resolve gets a ResolutionError outcome; it does not fail
// the batch.
func (s *Service) ExecuteBatch(ctx context.Context, connection string, req core.BatchRequest, progress core.ProgressFunc) ([]core.BatchOutcome, error) {
	db, sources, err := s.prepare(connection, req.ExtraContent)
	if err != nil {
		return nil, err
	}

	type plan struct {
		sql     string
		columns []resolver.Column
		err     error
		empty   bool
	}
	plans := make([]plan, len(req.Queries))

	if req.EditorType == core.EditorSQL {
		for i, q := range req.Queries {
			plans[i].sql = q.Text
		}
	} else {
		emit(progress, fmt.Sprintf("Resolving %d queries", len(req.Queries)))
		multi := resolver.MultiQueryRequest{
			Imports:   resolver.ConvertImports(req.Imports),
			Queries:   make([]resolver.LabeledQuery, 0, len(req.Queries)),
			Dialect:   db.DialectName(),
			FullModel: resolver.Model{Name: connection, Sources: resolver.ConvertSources(sources)},
		}
		for _, q := range req.Queries {
			multi.Queries = append(multi.Queries, resolver.LabeledQuery{
				Label:        q.Label,
				Query:        q.Text,
				ExtraFilters: q.ExtraFilters,
				Parameters:   q.Parameters,
			})
		}
		resp, err := s.resolver.GenerateQueries(ctx, multi)
		if err != nil {
			return nil, err
		}

		byLabel := make(map[string]resolver.LabeledResponse, len(resp.Queries))
		for _, r := range resp.Queries {
			byLabel[r.Label] = r
		}
		for i, q := range req.Queries {
			r, ok := byLabel[q.Label]
			switch {
			case !ok:
				plans[i].err = fmt.Errorf("resolver returned no result for %s", q.Label)
			case r.Error != "":
				plans[i].err = &core.ResolutionError{Message: r.Error}
			case r.GeneratedSQL == nil:
				plans[i].empty = true
			default:
				plans[i].sql = *r.GeneratedSQL
				plans[i].columns = r.Columns
			}
		}
	}

	outcomes := make([]core.BatchOutcome, len(req.Queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, q := range req.Queries {
		p := plans[i]
		outcomes[i].Label = q.Label
		switch {
		case p.err != nil:
			s.record(ctx, connection, q.Text, "", nil, 0, p.err)
			outcomes[i].Err = p.err
			continue
		case p.empty:
			outcomes[i].Result = &core.QueryResult{Success: true, Results: core.NewEmptyResults()}
			continue
		}
		g.Go(func() error {
			res, err := s.run(gctx, db, connection, q.Text, p.sql, p.columns, progress)
			outcomes[i].Result, outcomes[i].Err = res, err
			return nil
		})
	}
	_ = g.Wait()

	return outcomes, nil
}

// CreateDrilldown asks the resolver to rewrite query with the add, remove and
// filter changes applied.
func (s *Service) CreateDrilldown(ctx context.Context, connection string, req core.DrilldownRequest) (string, error) {
	db, sources, err := s.prepare(connection, req.ExtraContent)
	if err != nil {
		return "", err
	}
	return s.resolver.DrilldownQuery(ctx, resolver.DrilldownRequest{
		Query:     req.Query,
		Add:       req.Add,
		Remove:    req.Remove,
		Filter:    req.Filter,
		Imports:   resolver.ConvertImports(req.Imports),
		Dialect:   db.DialectName(),
		FullModel: resolver.Model{Name: connection, Sources: resolver.ConvertSources(sources)},
	})
}

// Validate checks query text without running it.
func (s *Service) Validate(ctx context.Context, connection string, input core.QueryInput) (*resolver.ValidateResponse, error) {
	sources, err := s.conns.Sources(connection)
	if err != nil {
		return nil, err
	}
	return s.resolver.ValidateQuery(ctx, resolver.ValidateRequest{
		Query:        input.Text,
		Sources:      resolver.ConvertSources(append(sources, input.ExtraContent...)),
		Imports:      resolver.ConvertImports(input.Imports),
		ExtraFilters: input.ExtraFilters,
	})
}

func (s *Service) prepare(connection string, extra []core.ContentInput) (adapter.Adapter, []core.ContentInput, error) {
	db, err := s.conns.Adapter(connection)
	if err != nil {
		return nil, nil, err
	}
	sources, err := s.conns.Sources(connection)
	if err != nil {
		return nil, nil, err
	}
	return db, append(slices.Clone(sources), extra...), nil
}

func (s *Service) run(ctx context.Context, db adapter.Adapter, connection, text, sqlText string, columns []resolver.Column, progress core.ProgressFunc) (*core.QueryResult, error) {
	emit(progress, "Executing query")
	start := time.Now()
	results, err := db.Query(ctx, sqlText)
	elapsed := time.Since(start)
	if err != nil {
		s.record(ctx, connection, text, sqlText, nil, elapsed, err)
		return nil, &core.ExecutionError{SQL: sqlText, Err: err}
	}
	applyColumns(results, columns)

	s.logger.Debug("query executed",
		"connection", connection,
		"rows", results.Len(),
		"duration", elapsed,
	)
	s.record(ctx, connection, text, sqlText, results, elapsed, nil)

	return &core.QueryResult{
		Success:       true,
		GeneratedSQL:  sqlText,
		Results:       results,
		ExecutionTime: elapsed,
		ResultSize:    results.Len(),
		ColumnCount:   len(results.Columns),
	}, nil
}

// applyColumns overlays resolver column metadata on the adapter's columns.
// The resolver type wins unless it is unknown.
func applyColumns(results *core.Results, columns []resolver.Column) {
	for _, rc := range columns {
		col, ok := results.Column(rc.Name)
		if !ok {
			continue
		}
		meta := rc.CoreColumn()
		if meta.Type != core.ColumnUnknown {
			col.Type = meta.Type
		}
		col.Purpose = meta.Purpose
		col.Traits = meta.Traits
		col.Description = meta.Description
	}
}

func (s *Service) record(ctx context.Context, connection, text, sqlText string, results *core.Results, elapsed time.Duration, err error) {
	if s.history == nil {
		return
	}
	entry := state.HistoryEntry{
		Connection:   connection,
		Text:         text,
		GeneratedSQL: sqlText,
		Success:      err == nil,
		Duration:     elapsed,
		RowCount:     results.Len(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if herr := s.history.RecordQuery(context.WithoutCancel(ctx), entry); herr != nil {
		s.logger.Warn("failed to record query history", "error", herr)
	}
}

func emit(progress core.ProgressFunc, msg string) {
	if progress != nil {
		progress(core.Progress{Message: msg})
	}
}
