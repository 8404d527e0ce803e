package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/admission"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/parallel"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/resource"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string                        `json:"status"`
	Time         string                        `json:"time"`
	Initialized  bool                          `json:"initialized"`
	Components   map[string]resource.InitState `json:"components"`
	OpenCircuits []string                      `json:"open_circuits"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.rt.Resources.Status()
	resp := HealthResponse{
		Status:       "healthy",
		Time:         time.Now().UTC().Format(time.RFC3339),
		Initialized:  st.Initialized,
		Components:   make(map[string]resource.InitState, len(st.States)),
		OpenCircuits: s.rt.Circuits.OpenCircuits(),
	}
	for id, cs := range st.States {
		resp.Components[id] = cs.State
	}

	status := http.StatusOK
	if !s.rt.Healthy() {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

func (s *Server) handleComponents(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.rt.Resources.Status())
}

func (s *Server) handleListCircuits(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"circuits": s.rt.Circuits.Statuses(),
		"open":     s.rt.Circuits.OpenCircuits(),
	})
}

func (s *Server) handleGetCircuit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, err := s.rt.Circuits.Status(name)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  st,
		"history": s.rt.Circuits.History(name),
	})
}

func (s *Server) handleResetCircuits(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.rt.Circuits.ResetAll())
}

// AdmissionResponse is the body of GET /api/v1/admission.
type AdmissionResponse struct {
	MaxConcurrent   int                  `json:"max_concurrent"`
	MaxHighPriority int                  `json:"max_high_priority"`
	Stats           admission.Stats      `json:"stats"`
	Active          []admission.SlotInfo `json:"active"`
}

func (s *Server) handleAdmission(w http.ResponseWriter, _ *http.Request) {
	cfg := s.rt.Admission.Config()
	respondJSON(w, http.StatusOK, AdmissionResponse{
		MaxConcurrent:   cfg.MaxConcurrent,
		MaxHighPriority: cfg.MaxHighPriority,
		Stats:           s.rt.Admission.Stats(),
		Active:          s.rt.Admission.ActiveSlots(),
	})
}

func (s *Server) handleContexts(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.rt.Router.Stats())
}

func (s *Server) handleListOperations(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.rt.Tasks.ListOperations())
}

// CodeCommandsDisabled rejects a submitted task carrying a shell command.
const CodeCommandsDisabled = "COMMANDS_DISABLED"

// StartOperationRequest is the body of POST /api/v1/operations.
type StartOperationRequest struct {
	OperationID string          `json:"operation_id,omitempty"`
	ParentID    string          `json:"parent_id,omitempty"`
	GroupID     string          `json:"group_id,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	Config      map[string]any  `json:"config,omitempty"`
	Tasks       []parallel.Task `json:"tasks"`
}

func (s *Server) handleStartOperation(w http.ResponseWriter, r *http.Request) {
	var req StartOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !s.allowCommands {
		for _, t := range req.Tasks {
			if t.Command != "" {
				respondDomainError(w, core.ErrValidation(CodeCommandsDisabled,
					"task "+t.ID+" carries a command but command execution is disabled (server.allow_commands)"))
				return
			}
		}
	}

	// Operations outlive the request; Start detaches processing itself.
	plan, err := s.rt.Tasks.Start(r.Context(), parallel.Request{
		OperationID: req.OperationID,
		ParentID:    req.ParentID,
		GroupID:     req.GroupID,
		Tasks:       req.Tasks,
		Config:      req.Config,
		Mode:        req.Mode,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, plan)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	st, err := s.rt.Tasks.GetOperationStatus(r.Context(), chi.URLParam(r, "operationID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	agg, err := s.rt.Tasks.Aggregate(r.Context(), chi.URLParam(r, "operationID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agg)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}

	res, err := s.rt.Tasks.Cancel(r.Context(), chi.URLParam(r, "operationID"), req.Reason)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
