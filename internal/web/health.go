package web

import (
	"context"
	"net/http"
	"time"

	"github.com/JonMunkholm/salesetl/internal/pipeline"
)

// HealthStatus is the /healthz response.
type HealthStatus struct {
	Status     string                  `json:"status"`
	Uptime     string                  `json:"uptime"`
	Checks     map[string]*CheckResult `json:"checks"`
	Run        pipeline.GuardStatus    `json:"run"`
	ReportedAt time.Time               `json:"reported_at"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

const healthCheckTimeout = 2 * time.Second

// handleHealth checks the database, the metadata store and the warehouse.
// Any failing check makes the response 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := &HealthStatus{
		Status:     "healthy",
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Checks:     make(map[string]*CheckResult),
		Run:        s.pipeline.Guard().Status(),
		ReportedAt: time.Now().UTC(),
	}

	check := func(name string, fn func(context.Context) error) {
		start := time.Now()
		err := fn(ctx)
		res := &CheckResult{Status: "healthy", Latency: time.Since(start).String()}
		if err != nil {
			res.Status = "unhealthy"
			res.Message = err.Error()
			status.Status = "unhealthy"
		}
		status.Checks[name] = res
	}

	if s.db != nil {
		check("database", s.db.Ping)
	}
	check("metadata", func(ctx context.Context) error {
		_, err := s.pipeline.Metadata(ctx)
		return err
	})
	check("warehouse", func(ctx context.Context) error {
		_, err := s.warehouse.FactCount(ctx)
		return err
	})

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
