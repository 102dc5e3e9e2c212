package query

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/resolver"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/state"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/testutil"
	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/adapter"
	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

func ptr(s string) *string { return &s }

type fakeResolver struct {
	mu       sync.Mutex
	single   []resolver.QueryRequest
	multi    []resolver.MultiQueryRequest
	validate []resolver.ValidateRequest
	drill    []resolver.DrilldownRequest
	err      error
}

func (f *fakeResolver) GenerateQuery(_ context.Context, req resolver.QueryRequest) (*resolver.QueryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.single = append(f.single, req)
	if f.err != nil {
		return nil, f.err
	}
	if strings.HasPrefix(req.Query, "key ") {
		return &resolver.QueryResponse{}, nil
	}
	return &resolver.QueryResponse{
		GeneratedSQL: ptr("SQL:" + req.Query),
		Columns: []resolver.Column{
			{Name: "total", Datatype: []byte(`{"type":"float","traits":["usd"]}`), Purpose: "metric"},
			{Name: "absent", Datatype: []byte(`"string"`)},
		},
	}, nil
}

func (f *fakeResolver) GenerateQueries(_ context.Context, req resolver.MultiQueryRequest) (*resolver.MultiQueryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.multi = append(f.multi, req)
	if f.err != nil {
		return nil, f.err
	}
	resp := &resolver.MultiQueryResponse{}
	for _, q := range req.Queries {
		switch {
		case strings.Contains(q.Query, "bad"):
			resp.Queries = append(resp.Queries, resolver.LabeledResponse{Label: q.Label, Error: "unknown concept"})
		case strings.Contains(q.Query, "lost"):
		case strings.HasPrefix(q.Query, "key "):
			resp.Queries = append(resp.Queries, resolver.LabeledResponse{Label: q.Label})
		default:
			resp.Queries = append(resp.Queries, resolver.LabeledResponse{Label: q.Label, GeneratedSQL: ptr("SQL:" + q.Query)})
		}
	}
	return resp, nil
}

func (f *fakeResolver) ValidateQuery(_ context.Context, req resolver.ValidateRequest) (*resolver.ValidateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validate = append(f.validate, req)
	return &resolver.ValidateResponse{Items: []resolver.Diagnostic{{Message: "bad", Severity: 8}}}, nil
}

func (f *fakeResolver) DrilldownQuery(_ context.Context, req resolver.DrilldownRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drill = append(f.drill, req)
	return "select " + strings.Join(req.Add, ", ") + ";", nil
}

// echoAdapter returns one row holding the SQL it was asked to run.
type echoAdapter struct {
	mu   sync.Mutex
	seen []string
}

func (a *echoAdapter) Connect(context.Context, adapter.Config) error { return nil }
func (a *echoAdapter) Close() error                                  { return nil }
func (a *echoAdapter) Ping(context.Context) error                    { return nil }
func (a *echoAdapter) Exec(context.Context, string) error            { return nil }
func (a *echoAdapter) DialectName() string                           { return "duck_db" }

func (a *echoAdapter) Query(_ context.Context, sql string) (*core.Results, error) {
	a.mu.Lock()
	a.seen = append(a.seen, sql)
	a.mu.Unlock()
	if strings.Contains(sql, "explode") {
		return nil, errors.New("catalog error")
	}
	return &core.Results{
		Columns: []core.Column{{Name: "sql", Type: core.ColumnString}, {Name: "total", Type: core.ColumnFloat}},
		Rows:    []map[string]any{{"sql": sql, "total": 1.5}},
	}, nil
}

type fakeConnections struct {
	adapter *echoAdapter
}

func (c *fakeConnections) Adapter(name string) (adapter.Adapter, error) {
	switch name {
	case "duck":
		return c.adapter, nil
	case "down":
		return nil, &core.ConnectionError{Connection: name}
	}
	return nil, &core.ConnectionError{Connection: name, Err: core.ErrConnectionNotFound}
}

func (c *fakeConnections) Sources(name string) ([]core.ContentInput, error) {
	if name != "duck" && name != "down" {
		return nil, &core.ConnectionError{Connection: name, Err: core.ErrConnectionNotFound}
	}
	return []core.ContentInput{{Alias: "base", Contents: "key id int;"}}, nil
}

type memHistory struct {
	mu      sync.Mutex
	entries []state.HistoryEntry
}

func (h *memHistory) RecordQuery(_ context.Context, e state.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	return nil
}

type fixture struct {
	svc      *Service
	resolver *fakeResolver
	adapter  *echoAdapter
	history  *memHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{resolver: &fakeResolver{}, adapter: &echoAdapter{}, history: &memHistory{}}
	svc, err := New(Config{
		Resolver:    f.resolver,
		Connections: &fakeConnections{adapter: f.adapter},
		History:     f.history,
		Logger:      testutil.NewTestLogger(t),
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{Connections: &fakeConnections{}})
	assert.Error(t, err)
	_, err = New(Config{Resolver: &fakeResolver{}})
	assert.Error(t, err)
}

func TestExecute_ResolvesAndRuns(t *testing.T) {
	f := newFixture(t)

	var progress []string
	res, err := f.svc.Execute(context.Background(), "duck", core.QueryInput{
		Text:         "select total;",
		EditorType:   core.EditorTrilogy,
		Imports:      []core.Import{{ID: "1", Name: "orders", Alias: "o"}},
		ExtraFilters: []string{"region='''east'''"},
		Parameters:   map[string]any{"limit": 5},
		ExtraContent: []core.ContentInput{{Alias: "orders", Contents: "key order_id int;"}},
	}, func(p core.Progress) { progress = append(progress, p.Message) })
	require.NoError(t, err)

	require.Len(t, f.resolver.single, 1)
	req := f.resolver.single[0]
	assert.Equal(t, "duck_db", req.Dialect)
	assert.Equal(t, []resolver.Import{{Name: "orders", Alias: "o"}}, req.Imports)
	assert.Equal(t, []resolver.Source{
		{Alias: "base", Contents: "key id int;"},
		{Alias: "orders", Contents: "key order_id int;"},
	}, req.FullModel.Sources)
	assert.Equal(t, []string{"region='''east'''"}, req.ExtraFilters)

	assert.True(t, res.Success)
	assert.Equal(t, "SQL:select total;", res.GeneratedSQL)
	assert.Equal(t, 1, res.ResultSize)
	assert.Equal(t, 2, res.ColumnCount)

	col, ok := res.Results.Column("total")
	require.True(t, ok)
	assert.Equal(t, core.ColumnMoney, col.Type)
	assert.Equal(t, "metric", col.Purpose)
	col, _ = res.Results.Column("sql")
	assert.Equal(t, core.ColumnString, col.Type)

	assert.Equal(t, []string{"Resolving query", "Executing query"}, progress)

	require.Len(t, f.history.entries, 1)
	assert.True(t, f.history.entries[0].Success)
	assert.Equal(t, "select total;", f.history.entries[0].Text)
	assert.Equal(t, 1, f.history.entries[0].RowCount)
}

func TestExecute_SQLPassesThrough(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Execute(context.Background(), "duck", core.QueryInput{Text: "select 1", EditorType: core.EditorSQL}, nil)
	require.NoError(t, err)
	assert.Empty(t, f.resolver.single)
	assert.Equal(t, []string{"select 1"}, f.adapter.seen)
	assert.Equal(t, "select 1", res.GeneratedSQL)
}

func TestExecute_DefinitionsOnly(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Execute(context.Background(), "duck", core.QueryInput{Text: "key x int;"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.Results.Len())
	assert.Empty(t, f.adapter.seen)
}

func TestExecute_Errors(t *testing.T) {
	tests := []struct {
		name        string
		connection  string
		text        string
		resolverErr error
		check       func(t *testing.T, err error)
	}{
		{
			name:       "unknown connection",
			connection: "nope",
			text:       "select x;",
			check: func(t *testing.T, err error) {
				assert.True(t, core.IsConnectionError(err))
				assert.ErrorIs(t, err, core.ErrConnectionNotFound)
			},
		},
		{
			name:       "not connected",
			connection: "down",
			text:       "select x;",
			check: func(t *testing.T, err error) {
				assert.True(t, core.IsConnectionError(err))
			},
		},
		{
			name:        "resolution error",
			connection:  "duck",
			text:        "select x;",
			resolverErr: &core.ResolutionError{Message: "undefined concept x"},
			check: func(t *testing.T, err error) {
				assert.True(t, core.IsResolutionError(err))
			},
		},
		{
			name:       "sql failure",
			connection: "duck",
			text:       "select explode;",
			check: func(t *testing.T, err error) {
				assert.EqualError(t, err, "catalog error")
				assert.True(t, core.IsExecutionError(err))
				assert.False(t, core.IsResolutionError(err))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.resolver.err = tt.resolverErr
			_, err := f.svc.Execute(context.Background(), tt.connection, core.QueryInput{Text: tt.text}, nil)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestExecute_FailureRecordedInHistory(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Execute(context.Background(), "duck", core.QueryInput{Text: "select explode;"}, nil)
	require.Error(t, err)

	require.Len(t, f.history.entries, 1)
	e := f.history.entries[0]
	assert.False(t, e.Success)
	assert.Equal(t, "catalog error", e.Error)
	assert.Equal(t, "SQL:select explode;", e.GeneratedSQL)
}

func TestExecuteBatch(t *testing.T) {
	f := newFixture(t)

	outcomes, err := f.svc.ExecuteBatch(context.Background(), "duck", core.BatchRequest{
		Queries: []core.BatchQuery{
			{Label: "q1", Text: "select a;", ExtraFilters: []string{"a=1"}},
			{Label: "q2", Text: "select bad;"},
			{Label: "q3", Text: "key only int;"},
			{Label: "q4", Text: "select lost;"},
			{Label: "q5", Text: "select explode;"},
		},
		Imports: []core.Import{{Name: "orders"}},
	}, nil)
	require.NoError(t, err)

	require.Len(t, f.resolver.multi, 1, "one resolver round trip")
	assert.Equal(t, []string{"a=1"}, f.resolver.multi[0].Queries[0].ExtraFilters)

	require.Len(t, outcomes, 5)
	labels := make([]string, len(outcomes))
	for i, o := range outcomes {
		labels[i] = o.Label
	}
	assert.Equal(t, []string{"q1", "q2", "q3", "q4", "q5"}, labels)

	require.NoError(t, outcomes[0].Err)
	assert.Equal(t, "SQL:select a;", outcomes[0].Result.GeneratedSQL)

	assert.True(t, core.IsResolutionError(outcomes[1].Err))
	assert.Nil(t, outcomes[1].Result)

	require.NoError(t, outcomes[2].Err)
	assert.Equal(t, 0, outcomes[2].Result.Results.Len())

	assert.ErrorContains(t, outcomes[3].Err, "no result")
	assert.EqualError(t, outcomes[4].Err, "catalog error")
	assert.True(t, core.IsExecutionError(outcomes[4].Err))

	assert.ElementsMatch(t, []string{"SQL:select a;", "SQL:select explode;"}, f.adapter.seen)
}

func TestExecuteBatch_TransportErrorFailsWholeBatch(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = errors.New("connection refused")

	_, err := f.svc.ExecuteBatch(context.Background(), "duck", core.BatchRequest{
		Queries: []core.BatchQuery{{Label: "q1", Text: "select a;"}},
	}, nil)
	assert.EqualError(t, err, "connection refused")
}

func TestExecuteBatch_SQLPassesThrough(t *testing.T) {
	f := newFixture(t)

	outcomes, err := f.svc.ExecuteBatch(context.Background(), "duck", core.BatchRequest{
		EditorType: core.EditorSQL,
		Queries:    []core.BatchQuery{{Label: "a", Text: "select 1"}, {Label: "b", Text: "select 2"}},
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, f.resolver.multi)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "select 2", outcomes[1].Result.GeneratedSQL)
}

func TestCreateDrilldownAndValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q, err := f.svc.CreateDrilldown(ctx, "duck", core.DrilldownRequest{
		Query:  "select region, total;",
		Add:    []string{"city"},
		Remove: "region",
		Filter: "region='''east'''",
	})
	require.NoError(t, err)
	assert.Equal(t, "select city;", q)
	require.Len(t, f.resolver.drill, 1)
	assert.Equal(t, "duck_db", f.resolver.drill[0].Dialect)
	assert.Equal(t, "region", f.resolver.drill[0].Remove)

	resp, err := f.svc.Validate(ctx, "duck", core.QueryInput{Text: "select nope;"})
	require.NoError(t, err)
	assert.True(t, resp.HasErrors())
	require.Len(t, f.resolver.validate, 1)
	assert.Equal(t, "base", f.resolver.validate[0].Sources[0].Alias)

	_, err = f.svc.CreateDrilldown(ctx, "nope", core.DrilldownRequest{})
	assert.True(t, core.IsConnectionError(err))
}
