package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/argus/internal/action"
	"github.com/lucasnoah/argus/internal/analytics"
	"github.com/lucasnoah/argus/internal/ledger"
	"github.com/lucasnoah/argus/internal/orchestrator"
)

const maxBody = 32 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeStoreError maps ledger errors onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Error("request failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.IngestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Source == "" {
		req.Source = "http"
	}
	res, err := s.orch.Ingest(r.Context(), req)
	if errors.Is(err, orchestrator.ErrInvalidIngest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleFixRequest(w http.ResponseWriter, r *http.Request) {
	var req action.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Source == "" {
		req.Source = "http"
	}
	if req.Attribution == "" {
		req.Attribution = r.Header.Get("X-Argus-User")
	}
	res, err := s.submitter.Submit(r.Context(), req)
	if errors.Is(err, action.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.logger.Info("fix requested", "action_id", res.ActionID, "duplicate", res.Duplicate, "request_id", req.RequestID)
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetAction(r.Context(), r.PathValue("actionId"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	var f ledger.Filter
	if st := r.URL.Query().Get("status"); st != "" {
		f.Statuses = []string{st}
	}
	if repo := r.URL.Query().Get("repo"); repo != "" {
		f.Fields = map[string]string{"repo": repo}
	}
	runs, err := s.store.ListRuns(r.Context(), f, limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("runId"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	traces, err := s.store.ListTraces(r.Context(), runID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, traces)
}

func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	findings, err := s.store.ListFindings(r.Context(), runID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if sev := r.URL.Query().Get("severity"); sev != "" {
		kept := findings[:0]
		for _, f := range findings {
			if f.Severity == sev {
				kept = append(kept, f)
			}
		}
		findings = kept
	}
	writeJSON(w, http.StatusOK, findings)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	since := r.URL.Query().Get("since")
	if since != "" {
		if _, err := time.Parse(time.RFC3339, since); err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
	}
	report, err := analytics.Collect(r.Context(), s.store, since)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
