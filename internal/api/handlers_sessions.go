package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/runharvest/runharvest/internal/session"
	"github.com/runharvest/runharvest/internal/store"
)

type createSessionRequest struct {
	ProjectToken string `json:"project_token"`
	URLTemplate  string `json:"url_template"`
	StartPage    int64  `json:"start_page"`
	EndPage      int64  `json:"end_page"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	sess, err := s.sessions.Create(r.Context(), req.ProjectToken, req.URLTemplate, req.StartPage, req.EndPage)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalid):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "project not found")
		default:
			s.logger.Error("create session failed",
				zap.String("project", req.ProjectToken), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "create session failed")
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": toSessionDTO(sess)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	sess, iterations, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("load session failed", zap.String("session", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load session failed")
		return
	}

	var totalRecords int64
	for _, it := range iterations {
		totalRecords += it.RecordsCount
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":       toSessionDTO(sess),
		"iterations":    toIterationDTOs(iterations),
		"total_records": totalRecords,
	})
}

// handleSessionIteration triggers the session's next page. Concurrent calls
// coalesce onto one iteration; a session past its end page answers 409.
func (s *Server) handleSessionIteration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	iteration, err := s.sessions.RunNextIteration(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, session.ErrExhausted):
			writeError(w, http.StatusConflict, "session has no pages left")
		default:
			if s.writeUpstreamError(w, err) {
				return
			}
			s.logger.Error("session iteration failed", zap.String("session", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "iteration failed")
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"iteration": toIterationDTO(iteration)})
}
