package web_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/salesetl/internal/config"
	"github.com/JonMunkholm/salesetl/internal/metadata"
	"github.com/JonMunkholm/salesetl/internal/pipeline"
	"github.com/JonMunkholm/salesetl/internal/warehouse"
	"github.com/JonMunkholm/salesetl/internal/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	dir    string
	orch   *pipeline.Orchestrator
	wh     *warehouse.Memory
	meta   *metadata.Memory
	server *web.Server
}

func newFixture(t *testing.T, opts ...web.Option) *fixture {
	t.Helper()
	f := &fixture{
		dir:  t.TempDir(),
		wh:   warehouse.NewMemory(),
		meta: metadata.NewMemory(),
	}

	cfg := config.PipelineConfig{
		SourceDir:          f.dir,
		FilePattern:        `^sales_.*\.csv$`,
		ReadWorkers:        1,
		MaxFileSize:        1 << 20,
		ExtractTimeout:     10 * time.Second,
		TransformTimeout:   10 * time.Second,
		LoadTimeout:        10 * time.Second,
		CommitTimeout:      10 * time.Second,
		LoadMaxAttempts:    1,
		LoadInitialBackoff: time.Millisecond,
		LoadMaxBackoff:     time.Millisecond,
	}
	quality := config.QualityConfig{
		StoreIDPattern:   `^[A-Za-z0-9_-]+$`,
		ProductIDPattern: `^[A-Za-z0-9_-]+$`,
		MaxQuantity:      100,
		MaxUnitPrice:     "1000",
		MaxCustomerAge:   120,
	}

	var err error
	f.orch, err = pipeline.New(cfg, quality, f.wh, f.meta)
	require.NoError(t, err)
	f.server = web.NewServer(f.orch, f.wh, opts...)
	return f
}

func (f *fixture) writeSales(t *testing.T, name, body string) {
	t.Helper()
	header := "date,store_id,product_id,quantity,unit_price,customer_age,store_region,store_tier\n"
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, name), []byte(header+body), 0o644))
}

func (f *fixture) do(t *testing.T, method, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestTriggerRunAndReadBack(t *testing.T) {
	f := newFixture(t)
	f.writeSales(t, "sales_2024-03-01.csv",
		"2024-03-01,S1,P1,2,2.50,30,north,gold\n"+
			"2024-03-01,S2,P2,1,4.00,17,,\n"+
			"2024-03-02,S1,P1,500,2.50,30,north,gold\n")

	rec := f.do(t, http.MethodPost, "/api/runs", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var run struct {
		RunID      string   `json:"run_id"`
		FinalState string   `json:"final_state"`
		Trail      []string `json:"trail"`
		Quality    struct {
			Accepted int `json:"rows_accepted"`
			Rejected int `json:"rows_rejected"`
		} `json:"quality"`
		Load struct {
			Inserted int `json:"rows_inserted"`
		} `json:"load"`
	}
	decode(t, rec, &run)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, "Idle", run.FinalState)
	assert.Equal(t, []string{"Idle", "Extracting", "Transforming", "Loading", "Committing", "Idle"}, run.Trail)
	assert.Equal(t, 2, run.Quality.Accepted)
	assert.Equal(t, 1, run.Quality.Rejected)
	assert.Equal(t, 2, run.Load.Inserted)

	t.Run("last run", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/runs/last", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var last struct {
			RunID string `json:"run_id"`
		}
		decode(t, rec, &last)
		assert.Equal(t, run.RunID, last.RunID)
	})

	t.Run("metadata", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/metadata", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var m struct {
			LastProcessedDate string   `json:"last_processed_date"`
			ProcessedFiles    []string `json:"processed_files"`
			ErrorCount        int      `json:"error_count"`
		}
		decode(t, rec, &m)
		assert.Equal(t, []string{"sales_2024-03-01.csv"}, m.ProcessedFiles)
		assert.True(t, strings.HasPrefix(m.LastProcessedDate, "2024-03-01"))
		assert.Zero(t, m.ErrorCount)
	})

	t.Run("store history", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/stores/S1/history", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var h struct {
			StoreID  string `json:"store_id"`
			Versions []struct {
				Attributes struct {
					Region string `json:"region"`
					Tier   string `json:"tier"`
				} `json:"attributes"`
				IsCurrent bool `json:"is_current"`
			} `json:"versions"`
		}
		decode(t, rec, &h)
		assert.Equal(t, "S1", h.StoreID)
		require.Len(t, h.Versions, 1)
		assert.Equal(t, "north", h.Versions[0].Attributes.Region)
		assert.True(t, h.Versions[0].IsCurrent)

		rec = f.do(t, http.MethodGet, "/api/stores/S9/history", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("daily summaries", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/summaries/daily?from=2024-03-01&to=2024-03-01", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var days []struct {
			Quantity     int `json:"quantity"`
			Transactions int `json:"transactions"`
		}
		decode(t, rec, &days)
		require.Len(t, days, 1)
		assert.Equal(t, 3, days[0].Quantity)
		assert.Equal(t, 2, days[0].Transactions)

		rec = f.do(t, http.MethodGet, "/api/summaries/daily?from=2025-01-01", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("all summaries", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/summaries", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var s map[string]json.RawMessage
		decode(t, rec, &s)
		assert.Contains(t, s, "weekly_by_store")
		assert.Contains(t, s, "product_age")
	})
}

func TestDailySales_BadParameters(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		query string
	}{
		{"malformed from", "from=03/01/2024"},
		{"malformed to", "to=yesterday"},
		{"inverted range", "from=2024-03-02&to=2024-03-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/api/summaries/daily?"+tt.query, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var e web.ErrorResponse
			decode(t, rec, &e)
			assert.Equal(t, "HTTP400", e.Code)
		})
	}
}

func TestLastRun_BeforeFirstRun(t *testing.T) {
	rec := newFixture(t).do(t, http.MethodGet, "/api/runs/last", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerRun_AlreadyRunning(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.Guard().TryAcquire())
	defer f.orch.Guard().Release()

	rec := f.do(t, http.MethodPost, "/api/runs", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var e web.ErrorResponse
	decode(t, rec, &e)
	assert.Equal(t, "RUN001", e.Code)
	assert.Nil(t, e.Report)

	rec = f.do(t, http.MethodGet, "/api/runs/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"running":true`)
}

func TestTriggerRun_FailedRunCarriesReport(t *testing.T) {
	f := newFixture(t)
	unlock, err := f.meta.Lock(context.Background())
	require.NoError(t, err)
	defer unlock()

	rec := f.do(t, http.MethodPost, "/api/runs", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var e web.ErrorResponse
	decode(t, rec, &e)
	assert.Equal(t, "META001", e.Code)
	require.NotNil(t, e.Report)
	assert.Equal(t, pipeline.StateFailed, e.Report.FinalState)
}

type downDB struct{}

func (downDB) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealth(t *testing.T) {
	rec := newFixture(t).do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var h web.HealthStatus
	decode(t, rec, &h)
	assert.Equal(t, "healthy", h.Status)
	assert.Contains(t, h.Checks, "metadata")
	assert.Contains(t, h.Checks, "warehouse")
	assert.NotContains(t, h.Checks, "database")
	assert.False(t, h.Run.Running)

	rec = newFixture(t, web.WithDatabase(downDB{})).do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	decode(t, rec, &h)
	assert.Equal(t, "unhealthy", h.Status)
	assert.Equal(t, "connection refused", h.Checks["database"].Message)
}

func TestAPIKeyAuth(t *testing.T) {
	f := newFixture(t, web.WithSecurity(config.SecurityConfig{
		RequireAPIKey: true,
		APIKeys:       []string{"k1", "k2"},
	}))

	rec := f.do(t, http.MethodGet, "/api/metadata", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/metadata", http.Header{"X-Api-Key": {"nope"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "AUTH_INVALID_KEY")

	rec = f.do(t, http.MethodGet, "/api/metadata", http.Header{"X-Api-Key": {"k2"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health is not behind auth")
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(reg)

	dir := t.TempDir()
	wh := warehouse.NewMemory()
	orch, err := pipeline.New(config.PipelineConfig{
		SourceDir:       dir,
		FilePattern:     `^sales_.*\.csv$`,
		LoadMaxAttempts: 1,
	}, config.QualityConfig{
		StoreIDPattern:   `.+`,
		ProductIDPattern: `.+`,
		MaxQuantity:      100,
		MaxUnitPrice:     "1000",
		MaxCustomerAge:   120,
	}, wh, metadata.NewMemory(), pipeline.WithMetrics(metrics))
	require.NoError(t, err)

	srv := web.NewServer(orch, wh, web.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	req := httptest.NewRequest(http.MethodPost, "/api/runs", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `salesetl_pipeline_runs_total{state="Idle"} 1`)
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	rec := newFixture(t).do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
