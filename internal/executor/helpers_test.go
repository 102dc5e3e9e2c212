package executor

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/dashboard"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/testutil"
	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

const (
	testDashboard  = "sales"
	testConnection = "duck"
	waitTimeout    = 2 * time.Second
)

func okResult(text string) *core.QueryResult {
	return &core.QueryResult{
		Success: true,
		Results: &core.Results{
			Columns: []core.Column{{Name: "text", Type: core.ColumnString}},
			Rows:    []map[string]any{{"text": text}},
		},
	}
}

// gates blocks fake executions until a test opens the gate for their text.
type gates struct {
	mu sync.Mutex
	m  map[string]chan struct{}
}

func newGates() *gates {
	return &gates{m: map[string]chan struct{}{}}
}

func (g *gates) get(text string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.m[text]
	if !ok {
		ch = make(chan struct{})
		g.m[text] = ch
	}
	return ch
}

func (g *gates) wait(ctx context.Context, text string) error {
	select {
	case <-g.get(text):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gates) open(text string) {
	close(g.get(text))
}

type fakeService struct {
	mu        sync.Mutex
	calls     []core.QueryInput
	callTimes []time.Time
	batches   []core.BatchRequest
	drills    []core.DrilldownRequest
	started   chan string

	execute      func(ctx context.Context, input core.QueryInput) (*core.QueryResult, error)
	executeBatch func(ctx context.Context, req core.BatchRequest) ([]core.BatchOutcome, error)
}

func newFakeService() *fakeService {
	return &fakeService{started: make(chan string, 64)}
}

func (f *fakeService) Execute(ctx context.Context, _ string, input core.QueryInput, progress core.ProgressFunc) (*core.QueryResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, input)
	f.callTimes = append(f.callTimes, time.Now())
	fn := f.execute
	f.mu.Unlock()

	f.started <- input.Text
	if progress != nil {
		progress(core.Progress{Message: "running"})
	}
	if fn != nil {
		return fn(ctx, input)
	}
	return okResult(input.Text), nil
}

func (f *fakeService) ExecuteBatch(ctx context.Context, _ string, req core.BatchRequest, _ core.ProgressFunc) ([]core.BatchOutcome, error) {
	f.mu.Lock()
	f.batches = append(f.batches, req)
	fn := f.executeBatch
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	out := make([]core.BatchOutcome, 0, len(req.Queries))
	for _, q := range req.Queries {
		out = append(out, core.BatchOutcome{Label: q.Label, Result: okResult(q.Text)})
	}
	return out, nil
}

func (f *fakeService) CreateDrilldown(_ context.Context, _ string, req core.DrilldownRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drills = append(f.drills, req)
	return "select order.city, sum(order.amount) -> total;", nil
}

func (f *fakeService) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeService) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type fakeConnections struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	connects   int
	statuses   int

	// connecting is signalled when Connect starts; Connect then blocks on
	// connectGate when it is set.
	connecting  chan struct{}
	connectGate chan struct{}
}

func (c *fakeConnections) Status(name string) (core.ConnectionStatus, error) {
	if name != testConnection {
		return core.ConnectionStatus{}, core.ErrConnectionNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses++
	return core.ConnectionStatus{Name: name, Type: "duckdb", Connected: c.connected}, nil
}

func (c *fakeConnections) Connect(ctx context.Context, _ string) error {
	c.mu.Lock()
	c.connects++
	connecting, gate, err := c.connecting, c.connectGate, c.connectErr
	c.mu.Unlock()

	if connecting != nil {
		connecting <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConnections) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

func (c *fakeConnections) counts() (statuses, connects int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses, c.connects
}

type fakeEditors map[string]string

func (f fakeEditors) ResolveImports(imports []core.Import) []core.ContentInput {
	out := make([]core.ContentInput, 0, len(imports))
	for _, imp := range imports {
		out = append(out, core.ContentInput{Alias: imp.Name, Contents: f[imp.ID]})
	}
	return out
}

// recordingDashboards records every state write before applying it.
type recordingDashboards struct {
	*dashboard.Store
	mu      sync.Mutex
	updates []recordedUpdate
}

type recordedUpdate struct {
	itemID string
	update dashboard.ItemUpdate
}

func (r *recordingDashboards) SetItemData(dashboardID, itemID string, u dashboard.ItemUpdate) error {
	r.mu.Lock()
	r.updates = append(r.updates, recordedUpdate{itemID: itemID, update: u})
	r.mu.Unlock()
	return r.Store.SetItemData(dashboardID, itemID, u)
}

func (r *recordingDashboards) resultWrites(itemID string) []*core.Results {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.Results
	for _, u := range r.updates {
		if u.itemID == itemID && u.update.Results != nil {
			out = append(out, u.update.Results)
		}
	}
	return out
}

type harness struct {
	store *recordingDashboards
	svc   *fakeService
	conns *fakeConnections
	gates *gates
	exec  *Executor
}

// newHarness builds a dashboard with one chart per query text, stacked ten rows
// apart, and an executor over it.
func newHarness(t *testing.T, opts Options, texts ...string) *harness {
	t.Helper()

	d := dashboard.New(testDashboard, testDashboard, testConnection)
	d.Imports = []core.Import{{ID: "orders", Name: "orders"}}
	for i, text := range texts {
		content := dashboard.RawContent(text)
		id, err := d.AddItem(dashboard.ItemSpec{Type: dashboard.ItemChart, Y: i * 10, Content: &content})
		require.NoError(t, err)
		require.Equal(t, strconv.Itoa(i), id)
	}
	store := dashboard.NewStore(dashboard.StoreConfig{})
	require.NoError(t, store.Add(d))

	h := &harness{
		store: &recordingDashboards{Store: store},
		svc:   newFakeService(),
		conns: &fakeConnections{},
		gates: newGates(),
	}
	if opts.Logger == nil {
		opts.Logger = testutil.NewTestLogger(t)
	}
	exec, err := New(Config{
		DashboardID:    testDashboard,
		ConnectionName: testConnection,
		Queries:        h.svc,
		Connections:    h.conns,
		Editors:        fakeEditors{"orders": "key id int; property id.amount float;"},
		Dashboards:     h.store,
		Options:        opts,
	})
	require.NoError(t, err)
	t.Cleanup(exec.Close)
	h.exec = exec
	return h
}

// gated makes every single execution wait for its gate.
func (h *harness) gated() {
	h.svc.execute = func(ctx context.Context, input core.QueryInput) (*core.QueryResult, error) {
		if err := h.gates.wait(ctx, input.Text); err != nil {
			return nil, err
		}
		return okResult(input.Text), nil
	}
}

func (h *harness) item(t *testing.T, id string) dashboard.ItemData {
	t.Helper()
	data, err := h.store.ItemData(testDashboard, id)
	require.NoError(t, err)
	return data
}

func (h *harness) wait(t *testing.T, id string) (*core.QueryResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	return h.exec.WaitForQuery(ctx, id)
}

func expectStarted(t *testing.T, h *harness, text string) {
	t.Helper()
	select {
	case got := <-h.svc.started:
		require.Equal(t, text, got)
	case <-time.After(waitTimeout):
		t.Fatalf("execution of %q never started", text)
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for callback")
	}
	var zero T
	return zero
}
