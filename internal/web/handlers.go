package web

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/JonMunkholm/salesetl/internal/core"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// handleTriggerRun runs the pipeline now and answers when the run is over.
// A completed run is 202 with its report; a failed run carries the report in
// the error body.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	// Keep the request ID for log correlation but not the request's
	// cancellation: a client hanging up must not abort a load.
	ctx := context.WithValue(s.baseCtx, chimw.RequestIDKey, chimw.GetReqID(r.Context()))

	rep, err := s.pipeline.Run(ctx)
	if err != nil {
		respondErrorWithReport(w, r, err, statusFor(err), rep)
		return
	}
	writeJSON(w, http.StatusAccepted, rep)
}

func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	rep := s.pipeline.LastReport()
	if rep == nil {
		writeError(w, http.StatusNotFound, "no run has finished since the service started")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Guard().Status())
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	m, err := s.pipeline.Metadata(r.Context())
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	if m.ProcessedFiles == nil {
		m.ProcessedFiles = []string{}
	}
	writeJSON(w, http.StatusOK, m)
}

// handleStoreHistory returns every version of one store, oldest first.
func (s *Server) handleStoreHistory(w http.ResponseWriter, r *http.Request) {
	storeID := strings.TrimSpace(chi.URLParam(r, "storeID"))
	if storeID == "" {
		writeError(w, http.StatusBadRequest, "store id is required")
		return
	}

	history, err := s.warehouse.StoreHistory(r.Context(), storeID)
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	if len(history) == 0 {
		writeError(w, http.StatusNotFound, "unknown store "+storeID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"store_id": storeID,
		"versions": history,
	})
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	sum, err := s.warehouse.Summaries(r.Context())
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// handleDailySales serves daily totals. from and to are optional YYYY-MM-DD
// bounds, both inclusive.
func (s *Server) handleDailySales(w http.ResponseWriter, r *http.Request) {
	from, ok := parseDayParam(w, r, "from")
	if !ok {
		return
	}
	to, ok := parseDayParam(w, r, "to")
	if !ok {
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		writeError(w, http.StatusBadRequest, "to must not be before from")
		return
	}

	days, err := s.warehouse.DailySales(r.Context(), from, to)
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	if days == nil {
		days = []core.DailySales{}
	}
	writeJSON(w, http.StatusOK, days)
}

// parseDayParam reads an optional date query parameter. On a malformed
// value it writes a 400 and returns false.
func parseDayParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return time.Time{}, true
	}
	d, err := time.Parse(time.DateOnly, v)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be a date in YYYY-MM-DD format")
		return time.Time{}, false
	}
	return d, true
}
