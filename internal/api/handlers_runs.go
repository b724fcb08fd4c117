package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/runharvest/runharvest/internal/store"
)

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runToken := chi.URLParam(r, "run_token")
	run, err := s.store.GetRun(r.Context(), runToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("load run failed", zap.String("run", runToken), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load run failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// handleCancelRun stops the poll loop and marks the run cancelled. Already
// terminal runs cancel as a no-op so retries are safe.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runToken := chi.URLParam(r, "run_token")
	if err := s.manager.Cancel(r.Context(), runToken); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("cancel run failed", zap.String("run", runToken), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	run, err := s.store.GetRun(r.Context(), runToken)
	if err != nil {
		s.logger.Error("load run failed", zap.String("run", runToken), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load run failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// handleRefetchRun re-drives capture for a complete run, replacing whatever
// records were stored before.
func (s *Server) handleRefetchRun(w http.ResponseWriter, r *http.Request) {
	runToken := chi.URLParam(r, "run_token")
	run, err := s.store.GetRun(r.Context(), runToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("load run failed", zap.String("run", runToken), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load run failed")
		return
	}
	if run.Status != store.StatusComplete {
		writeError(w, http.StatusConflict, "run is not complete")
		return
	}

	outcome, err := s.capturer.CaptureRun(r.Context(), run)
	if err != nil {
		if s.writeUpstreamError(w, err) {
			return
		}
		s.logger.Error("refetch capture failed", zap.String("run", runToken), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "capture failed")
		return
	}

	resp := map[string]any{"run_token": runToken, "outcome": string(outcome)}
	if current, err := s.store.GetRun(r.Context(), runToken); err == nil {
		resp["run"] = toRunDTO(current)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	runToken := chi.URLParam(r, "run_token")
	if _, err := s.store.GetRun(r.Context(), runToken); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("load run failed", zap.String("run", runToken), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load run failed")
		return
	}

	limit, offset := parseLimitOffset(r, 100, 1000)
	records, err := s.store.ListRecords(r.Context(), runToken, limit, offset)
	if err != nil {
		s.logger.Error("list records failed", zap.String("run", runToken), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list records failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_token": runToken,
		"records":   toRecordDTOs(records),
		"limit":     limit,
		"offset":    offset,
	})
}

// csvExportPageSize bounds how many records each store read pulls while
// streaming an export.
const csvExportPageSize = 500

// handleExportCSV flattens a run's records into CSV. The header is the
// union of field keys in first-seen order; records missing a key get an
// empty cell.
func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	runToken := chi.URLParam(r, "run_token")
	if _, err := s.store.GetRun(r.Context(), runToken); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("load run failed", zap.String("run", runToken), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load run failed")
		return
	}

	var records []store.StoredRecord
	for offset := 0; ; offset += csvExportPageSize {
		page, err := s.store.ListRecords(r.Context(), runToken, csvExportPageSize, offset)
		if err != nil {
			s.logger.Error("list records failed", zap.String("run", runToken), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "export failed")
			return
		}
		records = append(records, page...)
		if len(page) < csvExportPageSize {
			break
		}
	}

	var header []string
	seen := make(map[string]bool)
	for _, rec := range records {
		for _, f := range rec.Fields {
			if !seen[f.Key] {
				seen[f.Key] = true
				header = append(header, f.Key)
			}
		}
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", runToken+".csv"))
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	if len(header) > 0 {
		if err := cw.Write(header); err != nil {
			s.logger.Warn("write csv export failed", zap.String("run", runToken), zap.Error(err))
			return
		}
		row := make([]string, len(header))
		index := make(map[string]int, len(header))
		for i, key := range header {
			index[key] = i
		}
		for _, rec := range records {
			for i := range row {
				row[i] = ""
			}
			for _, f := range rec.Fields {
				row[index[f.Key]] = f.Value
			}
			if err := cw.Write(row); err != nil {
				s.logger.Warn("write csv export failed", zap.String("run", runToken), zap.Error(err))
				return
			}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Warn("flush csv export failed", zap.String("run", runToken), zap.Error(err))
	}
}

// handleRunActivity returns the per-stage capture timeline for a run.
func (s *Server) handleRunActivity(w http.ResponseWriter, r *http.Request) {
	runToken := chi.URLParam(r, "run_token")
	if _, err := s.store.GetRun(r.Context(), runToken); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("load run failed", zap.String("run", runToken), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load run failed")
		return
	}

	rows, err := s.activity.ListRunActivity(r.Context(), runToken)
	if err != nil {
		s.logger.Error("list run activity failed", zap.String("run", runToken), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list activity failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_token": runToken,
		"activity":  toActivityDTOs(rows),
	})
}
