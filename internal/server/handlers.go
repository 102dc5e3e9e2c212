package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/dashboard"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/executor"
	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

var errNotConfigured = errors.New("not configured")

type createDashboardRequest struct {
	Name       string        `json:"name"`
	Connection string        `json:"connection"`
	Imports    []core.Import `json:"imports"`
}

type addItemRequest struct {
	Type    dashboard.ItemType `json:"type"`
	Name    string             `json:"name"`
	Content *dashboard.Content `json:"content"`
	X       int                `json:"x"`
	Y       int                `json:"y"`
	W       int                `json:"w"`
	H       int                `json:"h"`
}

type filterRequest struct {
	Filter string `json:"filter"`
}

type crossFilterRequest struct {
	Source   string                    `json:"source"`
	Concepts dashboard.Conditions      `json:"concepts"`
	Chart    dashboard.Conditions      `json:"chart"`
	Mode     dashboard.CrossFilterMode `json:"mode"`
}

type drilldownRequest struct {
	Query  string   `json:"query"`
	Add    []string `json:"add"`
	Remove string   `json:"remove"`
	Filter string   `json:"filter"`
}

type validateRequest struct {
	Connection   string        `json:"connection"`
	Text         string        `json:"text"`
	Imports      []core.Import `json:"imports"`
	ExtraFilters []string      `json:"extraFilters"`
}

// runResponse lists the items touched by a request and the queries serving them.
type runResponse struct {
	Changed  []string      `json:"changed"`
	QueryIDs []string      `json:"queryIds"`
	Outcomes []queryResult `json:"outcomes,omitempty"`
}

type queryResult struct {
	QueryID string `json:"queryId"`
	Success bool   `json:"success"`
	Rows    int    `json:"rows"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) listDashboards(w http.ResponseWriter, r *http.Request) {
	if conn := r.URL.Query().Get("connection"); conn != "" {
		writeJSON(w, http.StatusOK, s.cfg.Dashboards.ListByConnection(conn))
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Dashboards.List())
}

func (s *Server) createDashboard(w http.ResponseWriter, r *http.Request) {
	var req createDashboardRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, badRequest("dashboard name is required"))
		return
	}
	d, err := s.cfg.Dashboards.Create(req.Name, req.Connection)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(req.Imports) > 0 {
		err = s.cfg.Dashboards.Update(d.ID, func(d *dashboard.Dashboard) error {
			d.Imports = req.Imports
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
	}
	s.writeDashboard(w, http.StatusCreated, d.ID)
}

func (s *Server) importDashboard(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, badRequest("failed to read body: %v", err))
		return
	}
	d, err := dashboard.FromYAML(data)
	if err != nil {
		writeError(w, badRequest("%v", err))
		return
	}
	if err := s.cfg.Dashboards.Add(d); err != nil {
		writeError(w, err)
		return
	}
	s.writeDashboard(w, http.StatusCreated, d.ID)
}

func (s *Server) getDashboard(w http.ResponseWriter, r *http.Request) {
	s.writeDashboard(w, http.StatusOK, chi.URLParam(r, "id"))
}

func (s *Server) writeDashboard(w http.ResponseWriter, status int, id string) {
	d, err := s.cfg.Dashboards.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, newDashboardView(d))
}

func (s *Server) exportDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.cfg.Dashboards.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := d.MarshalYAMLDocument()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(out)
}

func (s *Server) deleteDashboard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cfg.Dashboards.Remove(id); err != nil {
		writeError(w, err)
		return
	}
	s.cfg.Executors.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	var itemID string
	err := s.cfg.Dashboards.Update(id, func(d *dashboard.Dashboard) error {
		var err error
		itemID, err = d.AddItem(dashboard.ItemSpec{
			Type: req.Type, X: req.X, Y: req.Y, W: req.W, H: req.H,
			Content: req.Content, Name: req.Name,
		})
		if err != nil {
			return badRequest("%v", err)
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": itemID})
}

func (s *Server) executorFor(w http.ResponseWriter, r *http.Request) (*executor.Executor, bool) {
	e, err := s.cfg.Executors.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return e, true
}

func (s *Server) runDashboard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.cfg.Dashboards.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.rerun(w, r, d.ItemIDs())
}

func (s *Server) runItem(w http.ResponseWriter, r *http.Request) {
	e, ok := s.executorFor(w, r)
	if !ok {
		return
	}
	itemID := chi.URLParam(r, "itemID")
	if _, err := s.cfg.Dashboards.ItemData(chi.URLParam(r, "id"), itemID); err != nil {
		writeError(w, err)
		return
	}
	var ids []string
	if qid := e.RunSingle(itemID); qid != "" {
		ids = append(ids, qid)
	}
	s.respondRun(w, r, e, []string{itemID}, ids)
}

func (s *Server) applyGlobalFilter(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	changed, err := s.cfg.Dashboards.ApplyGlobalFilter(chi.URLParam(r, "id"), req.Filter)
	if err != nil {
		writeError(w, err)
		return
	}
	s.rerun(w, r, changed)
}

func (s *Server) setCrossFilter(w http.ResponseWriter, r *http.Request) {
	var req crossFilterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	switch req.Mode {
	case "":
		req.Mode = dashboard.ModeAdd
	case dashboard.ModeAdd, dashboard.ModeAppend, dashboard.ModeRemove:
	default:
		writeError(w, badRequest("invalid cross filter mode %q", req.Mode))
		return
	}
	changed, err := s.cfg.Dashboards.SetCrossFilter(chi.URLParam(r, "id"), req.Source, req.Concepts, req.Chart, req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}
	s.rerun(w, r, changed)
}

func (s *Server) removeCrossFilterSource(w http.ResponseWriter, r *http.Request) {
	changed, err := s.cfg.Dashboards.RemoveCrossFilterSourceOf(chi.URLParam(r, "id"), chi.URLParam(r, "itemID"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.rerun(w, r, changed)
}

func (s *Server) removeCrossFilterFrom(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	changed, err := s.cfg.Dashboards.RemoveCrossFilterFrom(chi.URLParam(r, "id"), itemID, chi.URLParam(r, "source"))
	if err != nil {
		writeError(w, err)
		return
	}
	var ids []string
	if changed {
		ids = []string{itemID}
	}
	s.rerun(w, r, ids)
}

func (s *Server) clearFilters(w http.ResponseWriter, r *http.Request) {
	changed, err := s.cfg.Dashboards.ClearAllFilters(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.rerun(w, r, changed)
}

// rerun batch-runs the changed items of the dashboard in the URL.
func (s *Server) rerun(w http.ResponseWriter, r *http.Request, changed []string) {
	e, ok := s.executorFor(w, r)
	if !ok {
		return
	}
	var ids []string
	if len(changed) > 0 {
		ids = e.RunBatch(changed)
	}
	s.respondRun(w, r, e, changed, ids)
}

// respondRun answers a run request. With ?wait=true it blocks until every
// query finished and reports the outcomes.
func (s *Server) respondRun(w http.ResponseWriter, r *http.Request, e *executor.Executor, changed, ids []string) {
	resp := runResponse{Changed: changed, QueryIDs: ids}
	if resp.Changed == nil {
		resp.Changed = []string{}
	}
	if resp.QueryIDs == nil {
		resp.QueryIDs = []string{}
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		for _, id := range ids {
			res, err := e.WaitForQuery(r.Context(), id)
			out := queryResult{QueryID: id, Success: err == nil}
			if err != nil {
				out.Error = err.Error()
			} else if res != nil {
				out.Rows = res.ResultSize
			}
			resp.Outcomes = append(resp.Outcomes, out)
		}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) executorStatus(w http.ResponseWriter, r *http.Request) {
	e, ok := s.executorFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e.Status())
}

func (s *Server) cancelQuery(w http.ResponseWriter, r *http.Request) {
	e, ok := s.executorFor(w, r)
	if !ok {
		return
	}
	if !e.CancelQuery(chi.URLParam(r, "queryID")) {
		writeError(w, executor.ErrQueryNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	e, ok := s.executorFor(w, r)
	if !ok {
		return
	}
	e.ClearQueue()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) drilldown(w http.ResponseWriter, r *http.Request) {
	var req drilldownRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	e, ok := s.executorFor(w, r)
	if !ok {
		return
	}
	q, err := e.CreateDrilldownQuery(r.Context(), req.Query, req.Add, req.Remove, req.Filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"query": q})
}

func (s *Server) listConnections(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Connections == nil {
		writeJSON(w, http.StatusOK, []core.ConnectionStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Connections.List())
}

func (s *Server) listEditors(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Editors == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Editors.List())
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "history " + errNotConfigured.Error()})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, badRequest("invalid limit %q", v))
			return
		}
		limit = n
	}
	entries, err := s.cfg.History.ListHistory(r.Context(), r.URL.Query().Get("connection"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Validator == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "validation " + errNotConfigured.Error()})
		return
	}
	var req validateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.cfg.Validator.Validate(r.Context(), req.Connection, core.QueryInput{
		Text:         req.Text,
		EditorType:   core.EditorTrilogy,
		Imports:      req.Imports,
		ExtraFilters: req.ExtraFilters,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
