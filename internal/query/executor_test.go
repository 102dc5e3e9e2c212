package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/dashboard"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/executor"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/testutil"
	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

type readyConnections struct{}

func (readyConnections) Status(name string) (core.ConnectionStatus, error) {
	return core.ConnectionStatus{Name: name, Connected: true}, nil
}

func (readyConnections) Connect(context.Context, string) error { return nil }

// newDashboardExecutor runs a one-chart dashboard through the fixture's service.
func newDashboardExecutor(t *testing.T, f *fixture, text string, opts executor.Options) (*executor.Executor, *dashboard.Store) {
	t.Helper()
	d := dashboard.New("sales", "sales", "duck")
	content := dashboard.RawContent(text)
	_, err := d.AddItem(dashboard.ItemSpec{Type: dashboard.ItemChart, Content: &content})
	require.NoError(t, err)
	store := dashboard.NewStore(dashboard.StoreConfig{})
	require.NoError(t, store.Add(d))

	opts.Logger = testutil.NewTestLogger(t)
	exec, err := executor.New(executor.Config{
		DashboardID:    "sales",
		ConnectionName: "duck",
		Queries:        f.svc,
		Connections:    readyConnections{},
		Dashboards:     store,
		Options:        opts,
	})
	require.NoError(t, err)
	t.Cleanup(exec.Close)
	return exec, store
}

func waitFor(t *testing.T, exec *executor.Executor, id string) error {
	t.Helper()
	require.NotEmpty(t, id)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := exec.WaitForQuery(ctx, id)
	return err
}

func TestExecutor_DatabaseErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		run  func(exec *executor.Executor) string
	}{
		{name: "single", run: func(exec *executor.Executor) string { return exec.RunSingle("0") }},
		{name: "batch", run: func(exec *executor.Executor) string { return exec.RunBatch([]string{"0"})[0] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			exec, store := newDashboardExecutor(t, f, "select explode;", executor.Options{
				RetryAttempts:  2,
				RetryBaseDelay: 10 * time.Millisecond,
			})

			err := waitFor(t, exec, tt.run(exec))
			require.Error(t, err)
			assert.True(t, core.IsExecutionError(err))
			assert.ErrorContains(t, err, "catalog error")

			f.adapter.mu.Lock()
			assert.Len(t, f.adapter.seen, 1, "the statement runs once")
			f.adapter.mu.Unlock()
			f.history.mu.Lock()
			assert.Len(t, f.history.entries, 1)
			f.history.mu.Unlock()

			item, err := store.ItemData("sales", "0")
			require.NoError(t, err)
			assert.Contains(t, item.Error, "catalog error")
			assert.False(t, item.Loading)
		})
	}
}

func TestExecutor_TransportErrorsAreRetried(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = errors.New("connection refused")
	exec, _ := newDashboardExecutor(t, f, "select a;", executor.Options{
		RetryAttempts:  1,
		RetryBaseDelay: 10 * time.Millisecond,
	})

	err := waitFor(t, exec, exec.RunSingle("0"))
	require.Error(t, err)
	assert.False(t, core.IsExecutionError(err))

	f.resolver.mu.Lock()
	defer f.resolver.mu.Unlock()
	assert.Len(t, f.resolver.single, 2, "one retry after the first attempt")
}
