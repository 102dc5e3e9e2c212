// Package server exposes dashboards, their queries and filters over HTTP,
// with a datastar SSE stream for live item state.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/dashboard"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/editor"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/executor"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/notifier"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/resolver"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/state"
	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

// Validator checks query text without running it.
type Validator interface {
	Validate(ctx context.Context, connection string, input core.QueryInput) (*resolver.ValidateResponse, error)
}

// ConnectionLister lists data connections.
type ConnectionLister interface {
	List() []core.ConnectionStatus
}

// EditorLister lists editors.
type EditorLister interface {
	List() []editor.Editor
}

// HistoryLister reads query history.
type HistoryLister interface {
	ListHistory(ctx context.Context, connection string, limit int) ([]state.HistoryEntry, error)
}

// Config holds configuration for the server. Dashboards, Executors and
// Notifier are required; the listers are optional.
type Config struct {
	Dashboards  *dashboard.Store
	Executors   *executor.Manager
	Notifier    *notifier.Notifier
	Validator   Validator
	Connections ConnectionLister
	Editors     EditorLister
	History     HistoryLister
	Port        int
	Logger      *slog.Logger

	// Background tasks run alongside the HTTP server and stop with it.
	Background []func(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// NewServer creates a new server instance.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Dashboards == nil || cfg.Executors == nil || cfg.Notifier == nil {
		return nil, errors.New("server requires dashboards, executors and a notifier")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{cfg: cfg, logger: logger}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.RequestID,
		middleware.RequestLogger(&middleware.DefaultLogFormatter{
			Logger:  slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
			NoColor: true,
		}),
		middleware.Recoverer,
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/connections", s.listConnections)
		r.Get("/editors", s.listEditors)
		r.Get("/history", s.listHistory)
		r.Post("/validate", s.validate)

		r.Route("/dashboards", func(r chi.Router) {
			r.Get("/", s.listDashboards)
			r.Post("/", s.createDashboard)
			r.Post("/import", s.importDashboard)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getDashboard)
				r.Delete("/", s.deleteDashboard)
				r.Get("/export", s.exportDashboard)
				r.Get("/events", s.dashboardEvents)
				r.Get("/status", s.executorStatus)

				r.Post("/run", s.runDashboard)
				r.Post("/items", s.addItem)
				r.Post("/items/{itemID}/run", s.runItem)

				r.Put("/filter", s.applyGlobalFilter)
				r.Post("/crossfilter", s.setCrossFilter)
				r.Delete("/crossfilter/{itemID}", s.removeCrossFilterSource)
				r.Delete("/crossfilter/{itemID}/{source}", s.removeCrossFilterFrom)
				r.Delete("/filters", s.clearFilters)

				r.Post("/drilldown", s.drilldown)
				r.Delete("/queue", s.clearQueue)
				r.Delete("/queries/{queryID}", s.cancelQuery)
			})
		})
	})

	return r
}

// Serve starts the server and blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Info("starting server", "addr", fmt.Sprintf("http://localhost:%d", s.cfg.Port))

	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	for _, task := range s.cfg.Background {
		eg.Go(func() error { return task(egctx) })
	}

	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Debug("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}
