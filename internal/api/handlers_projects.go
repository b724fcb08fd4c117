package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/runharvest/runharvest/internal/capture"
	"github.com/runharvest/runharvest/internal/progress"
	"github.com/runharvest/runharvest/internal/store"
	"github.com/runharvest/runharvest/internal/upstream"
)

// handleSyncProjects forces a catalog refresh from upstream.
func (s *Server) handleSyncProjects(w http.ResponseWriter, r *http.Request) {
	count, err := s.catalog.Sync(r.Context(), true)
	if err != nil {
		if s.writeUpstreamError(w, err) {
			return
		}
		s.logger.Error("catalog sync failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"projects": count})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.logger.Error("list projects failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list projects failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": toProjectDTOs(projects)})
}

// handleGetProject returns the project row with its most recent runs.
func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	project, err := s.store.GetProject(r.Context(), token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.logger.Error("load project failed", zap.String("project", token), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load project failed")
		return
	}
	runs, err := s.store.ListRuns(r.Context(), token, s.cfg.RecentRuns, 0)
	if err != nil {
		s.logger.Error("list project runs failed", zap.String("project", token), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project": toProjectDTO(project),
		"runs":    toRunDTOs(runs),
	})
}

// handleProjectAnalytics returns lifetime aggregates plus the daily rollup
// series. The window defaults to the last fourteen days and is adjustable
// via ?from= and ?to= (YYYY-MM-DD).
func (s *Server) handleProjectAnalytics(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if _, err := s.store.GetProject(r.Context(), token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.logger.Error("load project failed", zap.String("project", token), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load project failed")
		return
	}

	analytics, err := s.store.ProjectAnalytics(r.Context(), token)
	if err != nil {
		s.logger.Error("project analytics failed", zap.String("project", token), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "analytics failed")
		return
	}

	to := s.clock.Now().UTC().Truncate(24 * time.Hour)
	from := to.AddDate(0, 0, -13)
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(dayLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to date, want YYYY-MM-DD")
			return
		}
		to = t
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(dayLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from date, want YYYY-MM-DD")
			return
		}
		from = t
	}
	if from.After(to) {
		writeError(w, http.StatusBadRequest, "from is after to")
		return
	}

	daily, err := s.store.ListDailyMetrics(r.Context(), token, from, to)
	if err != nil {
		s.logger.Error("list daily metrics failed", zap.String("project", token), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "analytics failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"analytics": toAnalyticsDTO(analytics),
		"daily":     toDailyMetricDTOs(daily),
	})
}

type triggerRunRequest struct {
	StartURL string `json:"start_url"`
}

// handleTriggerRun starts a run for the project, reusing an already active
// one instead of stacking triggers: 200 with the existing run when reused,
// 202 with the new run otherwise.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	var req triggerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	run, reused, err := s.startRun(r.Context(), token, req.StartURL)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		if s.writeUpstreamError(w, err) {
			return
		}
		s.logger.Error("trigger run failed", zap.String("project", token), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "trigger failed")
		return
	}

	status := http.StatusAccepted
	if reused {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"run": toRunDTO(run), "reused": reused})
}

// startRun holds the idempotent trigger flow shared by the single and batch
// endpoints: verify the project, return any active run as-is, otherwise
// trigger upstream, persist, and enqueue for polling. Concurrent calls for
// the same project coalesce onto one trigger; followers get the leader's
// run back as a reuse, so the active-run check cannot race past itself.
func (s *Server) startRun(ctx context.Context, projectToken, startURL string) (store.Run, bool, error) {
	s.triggerMu.Lock()
	if c, ok := s.triggers[projectToken]; ok {
		s.triggerMu.Unlock()
		select {
		case <-c.done:
			if c.err != nil {
				return store.Run{}, false, c.err
			}
			return c.run, true, nil
		case <-ctx.Done():
			return store.Run{}, false, ctx.Err()
		}
	}
	c := &triggerCall{done: make(chan struct{})}
	s.triggers[projectToken] = c
	s.triggerMu.Unlock()

	run, reused, err := s.startRunLocked(ctx, projectToken, startURL)
	c.run, c.err = run, err

	s.triggerMu.Lock()
	delete(s.triggers, projectToken)
	s.triggerMu.Unlock()
	close(c.done)
	return run, reused, err
}

func (s *Server) startRunLocked(ctx context.Context, projectToken, startURL string) (store.Run, bool, error) {
	if _, err := s.store.GetProject(ctx, projectToken); err != nil {
		return store.Run{}, false, err
	}

	active, err := s.store.FindActiveRun(ctx, projectToken)
	switch {
	case err == nil:
		return active, true, nil
	case !errors.Is(err, store.ErrNotFound):
		return store.Run{}, false, fmt.Errorf("find active run: %w", err)
	}

	info, err := s.upstream.TriggerRun(ctx, projectToken, startURL)
	if err != nil {
		return store.Run{}, false, err
	}
	run := store.Run{
		RunToken:     info.RunToken,
		ProjectToken: projectToken,
		Status:       upstream.MapStatus(info.Status),
		Pages:        info.Pages,
		StartedAt:    info.StartTime,
		EndedAt:      info.EndTime,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return store.Run{}, false, fmt.Errorf("record run: %w", err)
	}

	now := s.clock.Now()
	task := capture.Task{RunToken: info.RunToken, ProjectToken: projectToken, Submitted: now.Unix()}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		// The resume pass re-enqueues unfinished runs, so a full queue
		// delays polling instead of losing the run.
		s.logger.Warn("enqueue triggered run failed",
			zap.String("run", info.RunToken), zap.Error(err))
	}
	s.emit(progress.Event{
		RunToken:     info.RunToken,
		ProjectToken: projectToken,
		TS:           now,
		Stage:        progress.StageTrigger,
		Status:       string(run.Status),
	})

	if current, err := s.store.GetRun(ctx, info.RunToken); err == nil {
		run = current
	}
	return run, false, nil
}

// handleRecoverProject sweeps the project's upstream history for runs that
// were missed locally and backfills them.
func (s *Server) handleRecoverProject(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if _, err := s.store.GetProject(r.Context(), token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.logger.Error("load project failed", zap.String("project", token), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load project failed")
		return
	}

	summary, err := s.scanner.ScanProject(r.Context(), token)
	if err != nil {
		if s.writeUpstreamError(w, err) {
			return
		}
		s.logger.Error("recovery scan failed", zap.String("project", token), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "recovery scan failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type batchTriggerRequest struct {
	ProjectTokens []string `json:"project_tokens"`
}

type batchTriggerResult struct {
	ProjectToken string `json:"project_token"`
	RunToken     string `json:"run_token,omitempty"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// handleTriggerBatch triggers runs across several projects and reports a
// per-project outcome instead of failing the whole request.
func (s *Server) handleTriggerBatch(w http.ResponseWriter, r *http.Request) {
	var req batchTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(req.ProjectTokens) == 0 {
		writeError(w, http.StatusBadRequest, "project_tokens is required")
		return
	}

	results := make([]batchTriggerResult, 0, len(req.ProjectTokens))
	for _, token := range req.ProjectTokens {
		res := batchTriggerResult{ProjectToken: token}
		run, reused, err := s.startRun(r.Context(), token, "")
		switch {
		case errors.Is(err, store.ErrNotFound):
			res.Status = "error"
			res.Error = "project not found"
		case err != nil:
			res.Status = "error"
			res.Error = err.Error()
			s.logger.Warn("batch trigger failed",
				zap.String("project", token), zap.Error(err))
		case reused:
			res.Status = "reused"
			res.RunToken = run.RunToken
		default:
			res.Status = "triggered"
			res.RunToken = run.RunToken
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
