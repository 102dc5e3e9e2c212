package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/starfederation/datastar-go/datastar"
)

// dashboardEvents streams the dashboard's item state as datastar signals. The
// current state is sent on connect and again after every change.
func (s *Server) dashboardEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.cfg.Dashboards.Get(id); err != nil {
		writeError(w, err)
		return
	}

	updates, cancel := s.cfg.Notifier.Subscribe()
	defer cancel()

	sse := datastar.NewSSE(w, r)
	send := func() bool {
		d, err := s.cfg.Dashboards.Get(id)
		if err != nil {
			_ = sse.ConsoleError(err)
			return false
		}
		if err := sse.MarshalAndPatchSignals(newDashboardSignals(d, s.cfg.Notifier.Version())); err != nil {
			s.logger.Debug("sse send failed", "dashboard", id, "error", err)
			return false
		}
		return true
	}

	if !send() {
		return
	}
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-updates:
			if !ok || !send() {
				return
			}
		}
	}
}
