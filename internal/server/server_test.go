package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/dashboard"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/executor"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/notifier"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/state"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/testutil"
	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

type fakeQueries struct {
	mu    sync.Mutex
	calls []core.QueryInput
}

func (f *fakeQueries) result(text string) *core.QueryResult {
	return &core.QueryResult{
		Success:    true,
		Results:    &core.Results{Columns: []core.Column{{Name: "text"}}, Rows: []map[string]any{{"text": text}}},
		ResultSize: 1,
	}
}

func (f *fakeQueries) Execute(_ context.Context, _ string, input core.QueryInput, _ core.ProgressFunc) (*core.QueryResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, input)
	f.mu.Unlock()
	if strings.Contains(input.Text, "broken") {
		return nil, &core.ResolutionError{Message: "unknown concept"}
	}
	return f.result(input.Text), nil
}

func (f *fakeQueries) ExecuteBatch(_ context.Context, _ string, req core.BatchRequest, _ core.ProgressFunc) ([]core.BatchOutcome, error) {
	out := make([]core.BatchOutcome, 0, len(req.Queries))
	for _, q := range req.Queries {
		f.mu.Lock()
		f.calls = append(f.calls, core.QueryInput{Text: q.Text, ExtraFilters: q.ExtraFilters})
		f.mu.Unlock()
		out = append(out, core.BatchOutcome{Label: q.Label, Result: f.result(q.Text)})
	}
	return out, nil
}

func (f *fakeQueries) CreateDrilldown(_ context.Context, _ string, req core.DrilldownRequest) (string, error) {
	return "select " + strings.Join(req.Add, ", ") + ";", nil
}

func (f *fakeQueries) lastFilters() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1].ExtraFilters
}

type fakeConns struct{}

func (fakeConns) Status(name string) (core.ConnectionStatus, error) {
	return core.ConnectionStatus{Name: name, Connected: true}, nil
}
func (fakeConns) Connect(context.Context, string) error { return nil }
func (fakeConns) List() []core.ConnectionStatus {
	return []core.ConnectionStatus{{Name: "duck", Type: "duckdb", Connected: true}}
}

type fakeHistory struct{}

func (fakeHistory) ListHistory(_ context.Context, connection string, limit int) ([]state.HistoryEntry, error) {
	return []state.HistoryEntry{{ID: "h1", Connection: connection, Text: "select 1;", Success: true, RowCount: limit}}, nil
}

type fixture struct {
	srv     *httptest.Server
	store   *dashboard.Store
	queries *fakeQueries
}

func newFixture(t *testing.T, history HistoryLister) *fixture {
	t.Helper()
	logger := testutil.NewTestLogger(t)
	n := notifier.New()
	store := dashboard.NewStore(dashboard.StoreConfig{Notifier: n, Logger: logger})
	queries := &fakeQueries{}
	mgr := executor.NewManager(executor.ManagerConfig{
		Queries:     queries,
		Connections: fakeConns{},
		Dashboards:  store,
		Options:     executor.Options{Logger: logger, RetryAttempts: -1},
	})
	t.Cleanup(mgr.Close)

	s, err := NewServer(Config{
		Dashboards:  store,
		Executors:   mgr,
		Notifier:    n,
		Connections: fakeConns{},
		History:     history,
		Logger:      logger,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: store, queries: queries}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

// seed creates dashboard "sales" with three chart items at rows 0, 10 and 20.
func (f *fixture) seed(t *testing.T, texts ...string) {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/api/dashboards", `{"name":"sales","connection":"duck","imports":[{"id":"orders","name":"orders"}]}`)
	require.Equal(t, http.StatusCreated, status, string(body))
	for i, text := range texts {
		payload, err := json.Marshal(map[string]any{"type": "chart", "y": i * 10, "content": text})
		require.NoError(t, err)
		status, body = f.do(t, http.MethodPost, "/api/dashboards/sales/items", string(payload))
		require.Equal(t, http.StatusCreated, status, string(body))
	}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestServer_DashboardCRUD(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "select a;", "select b;")

	status, body := f.do(t, http.MethodGet, "/api/dashboards", "")
	require.Equal(t, http.StatusOK, status)
	list := decode[[]dashboard.Summary](t, body)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Items)

	status, body = f.do(t, http.MethodGet, "/api/dashboards/sales", "")
	require.Equal(t, http.StatusOK, status)
	view := decode[struct {
		ID      string        `json:"id"`
		Imports []core.Import `json:"imports"`
		Items   []itemView    `json:"items"`
	}](t, body)
	assert.Equal(t, "sales", view.ID)
	assert.Equal(t, "orders", view.Imports[0].Name)
	require.Len(t, view.Items, 2)
	assert.Equal(t, "select a;", view.Items[0].Query)

	status, _ = f.do(t, http.MethodPost, "/api/dashboards", `{"name":"sales"}`)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = f.do(t, http.MethodDelete, "/api/dashboards/sales", "")
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = f.do(t, http.MethodGet, "/api/dashboards/sales", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_RunDashboardAndWait(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "select a;", "select b;")

	status, body := f.do(t, http.MethodPost, "/api/dashboards/sales/run?wait=true", "")
	require.Equal(t, http.StatusAccepted, status, string(body))
	resp := decode[runResponse](t, body)
	assert.Equal(t, []string{"0", "1"}, resp.Changed)
	require.Len(t, resp.Outcomes, 2)
	for _, o := range resp.Outcomes {
		assert.True(t, o.Success)
		assert.Equal(t, 1, o.Rows)
	}

	d, err := f.store.Get("sales")
	require.NoError(t, err)
	data, err := d.ItemData("1")
	require.NoError(t, err)
	require.NotNil(t, data.Results)
	assert.Equal(t, "select b;", data.Results.Rows[0]["text"])
	assert.False(t, data.Loading)
}

func TestServer_RunItemReportsResolutionError(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "select broken;")

	status, body := f.do(t, http.MethodPost, "/api/dashboards/sales/items/0/run?wait=1", "")
	require.Equal(t, http.StatusAccepted, status)
	resp := decode[runResponse](t, body)
	require.Len(t, resp.Outcomes, 1)
	assert.False(t, resp.Outcomes[0].Success)
	assert.Equal(t, "unknown concept", resp.Outcomes[0].Error)

	status, _ = f.do(t, http.MethodPost, "/api/dashboards/sales/items/9/run", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_FiltersRerunChangedItems(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "select a;", "select b;")

	status, body := f.do(t, http.MethodPut, "/api/dashboards/sales/filter?wait=true", `{"filter":"year=2024"}`)
	require.Equal(t, http.StatusAccepted, status, string(body))
	resp := decode[runResponse](t, body)
	assert.ElementsMatch(t, []string{"0", "1"}, resp.Changed)
	assert.Equal(t, []string{"year=2024"}, f.queries.lastFilters())

	status, body = f.do(t, http.MethodPost, "/api/dashboards/sales/crossfilter?wait=true",
		`{"source":"0","concepts":{"region":"east"},"chart":{"region":"east"},"mode":"add"}`)
	require.Equal(t, http.StatusAccepted, status, string(body))
	resp = decode[runResponse](t, body)
	assert.Equal(t, []string{"1"}, resp.Changed)
	require.Len(t, resp.Outcomes, 1)
	assert.Equal(t, []string{"year=2024", "region='''east'''"}, f.queries.lastFilters())

	status, body = f.do(t, http.MethodDelete, "/api/dashboards/sales/crossfilter/0", "")
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, []string{"1"}, decode[runResponse](t, body).Changed)

	status, body = f.do(t, http.MethodDelete, "/api/dashboards/sales/filters", "")
	require.Equal(t, http.StatusAccepted, status)
	assert.ElementsMatch(t, []string{"0", "1"}, decode[runResponse](t, body).Changed)

	d, err := f.store.Get("sales")
	require.NoError(t, err)
	assert.Empty(t, d.Filter)
}

func TestServer_BadRequests(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "select a;")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "malformed json", method: http.MethodPost, path: "/api/dashboards", body: `{`, want: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, path: "/api/dashboards", body: `{"nom":"x"}`, want: http.StatusBadRequest},
		{name: "missing name", method: http.MethodPost, path: "/api/dashboards", body: `{"name":" "}`, want: http.StatusBadRequest},
		{name: "invalid item type", method: http.MethodPost, path: "/api/dashboards/sales/items", body: `{"type":"pie"}`, want: http.StatusBadRequest},
		{name: "invalid mode", method: http.MethodPost, path: "/api/dashboards/sales/crossfilter", body: `{"source":"0","mode":"xor"}`, want: http.StatusBadRequest},
		{name: "unknown source item", method: http.MethodPost, path: "/api/dashboards/sales/crossfilter", body: `{"source":"9"}`, want: http.StatusNotFound},
		{name: "unknown dashboard", method: http.MethodPost, path: "/api/dashboards/nope/run", want: http.StatusNotFound},
		{name: "unknown query", method: http.MethodDelete, path: "/api/dashboards/sales/queries/nope", want: http.StatusNotFound},
		{name: "no history", method: http.MethodGet, path: "/api/history", want: http.StatusNotImplemented},
		{name: "no validator", method: http.MethodPost, path: "/api/validate", body: `{}`, want: http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, status, string(body))
		})
	}
}

func TestServer_ExportImport(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "select a;")

	status, exported := f.do(t, http.MethodGet, "/api/dashboards/sales/export", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(exported), "name: sales")

	renamed := strings.Replace(string(exported), "id: sales", "id: sales-copy", 1)
	renamed = strings.Replace(renamed, "name: sales", "name: sales copy", 1)
	status, body := f.do(t, http.MethodPost, "/api/dashboards/import", renamed)
	require.Equal(t, http.StatusCreated, status, string(body))

	status, _ = f.do(t, http.MethodGet, "/api/dashboards/sales-copy", "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodPost, "/api/dashboards/import", "gridItems: [unclosed")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestServer_StatusDrilldownAndListings(t *testing.T) {
	f := newFixture(t, fakeHistory{})
	f.seed(t, "select a;")

	status, body := f.do(t, http.MethodGet, "/api/dashboards/sales/status", "")
	require.Equal(t, http.StatusOK, status)
	st := decode[executor.Status](t, body)
	assert.Equal(t, 0, st.Active)

	status, body = f.do(t, http.MethodPost, "/api/dashboards/sales/drilldown", `{"query":"select region;","add":["city"],"remove":"region"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "select city;", decode[map[string]string](t, body)["query"])

	status, body = f.do(t, http.MethodGet, "/api/connections", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "duck", decode[[]core.ConnectionStatus](t, body)[0].Name)

	status, body = f.do(t, http.MethodGet, "/api/history?connection=duck&limit=5", "")
	require.Equal(t, http.StatusOK, status)
	entries := decode[[]state.HistoryEntry](t, body)
	require.Len(t, entries, 1)
	assert.Equal(t, "duck", entries[0].Connection)
	assert.Equal(t, 5, entries[0].RowCount)

	status, _ = f.do(t, http.MethodDelete, "/api/dashboards/sales/queue", "")
	assert.Equal(t, http.StatusNoContent, status)

	status, body = f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "ok")
}

func TestServer_DashboardEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "select a;")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/dashboards/sales/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	waitFor := func(substr string) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream closed before %q", substr)
				if strings.Contains(line, substr) {
					return
				}
			case <-deadline:
				t.Fatalf("no event containing %q", substr)
			}
		}
	}

	waitFor(`"items"`)

	status, _ := f.do(t, http.MethodPut, "/api/dashboards/sales/filter", `{"filter":"year=2024"}`)
	require.Equal(t, http.StatusAccepted, status)
	waitFor(`year=2024`)

	status, _ = f.do(t, http.MethodGet, "/api/dashboards/nope/events", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	n := notifier.New()
	store := dashboard.NewStore(dashboard.StoreConfig{Notifier: n})
	mgr := executor.NewManager(executor.ManagerConfig{Dashboards: store})
	defer mgr.Close()

	ran := make(chan struct{})
	s, err := NewServer(Config{
		Dashboards: store,
		Executors:  mgr,
		Notifier:   n,
		Port:       0,
		Background: []func(ctx context.Context) error{
			func(ctx context.Context) error {
				close(ran)
				<-ctx.Done()
				return nil
			},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	<-ran
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
