package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/GoCodeAlone/modcore"
	"github.com/GoCodeAlone/modcore/eventbus"
)

// OrderResponse is served at /api/order.
type OrderResponse struct {
	Load     []string `json:"load"`
	Shutdown []string `json:"shutdown"`
}

// ShutdownRequest is the optional body of POST /api/shutdown.
type ShutdownRequest struct {
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) listModules(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Modules())
}

func (s *Server) getModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	view, ok := s.backend.Module(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "module not found: "+name)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) executeAction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	action := modcore.Action(chi.URLParam(r, "action"))

	if !slices.Contains(modcore.Actions, action) {
		s.writeJSON(w, http.StatusBadRequest, modcore.ActionResult{Reason: "unknown action: " + string(action)})
		return
	}
	if _, ok := s.backend.Module(name); !ok {
		s.writeJSON(w, http.StatusNotFound, modcore.ActionResult{Reason: "module not found: " + name})
		return
	}

	// A dropped client must not abort a lifecycle call half way.
	result := s.backend.Execute(context.WithoutCancel(r.Context()), action, name)
	status := http.StatusOK
	if !result.OK {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, result)
}

func (s *Server) requestShutdown(w http.ResponseWriter, r *http.Request) {
	var req ShutdownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = DefaultShutdownReason
	}
	s.logger.Info("Shutdown requested through admin API", "reason", req.Reason)
	s.backend.RequestShutdown(req.Reason)
	s.writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := eventbus.HistoryFilter{
		Type:   q.Get("type"),
		Source: q.Get("source"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit: "+v)
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid since: "+v)
			return
		}
		filter.Since = since
	}
	s.writeJSON(w, http.StatusOK, s.backend.Bus().HistoryCloudEvents(filter))
}

func (s *Server) getOrder(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, OrderResponse{
		Load:     s.backend.LoadOrder(),
		Shutdown: s.backend.ShutdownOrder(),
	})
}

func (s *Server) listServices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Services())
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Bus().Stats())
}

func (s *Server) listSchedules(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.schedules.Entries())
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.CheckAll(r.Context())
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Failed to write admin response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
