package pipeline

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/JonMunkholm/salesetl/internal/core"
	"github.com/JonMunkholm/salesetl/internal/load"
	"github.com/jackc/pgx/v5/pgtype"
)

// Report describes one finished run, successful or not.
type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
	FinalState State     `json:"final_state"`
	Trail      []State   `json:"trail"`

	FilesDiscovered int      `json:"files_discovered"`
	NewFiles        []string `json:"new_files"`
	LoadedFiles     []string `json:"loaded_files"`

	Quality      core.QualityReport `json:"quality"`
	Load         load.Result        `json:"load"`
	LoadAttempts int                `json:"load_attempts"`
	Profile      *BatchProfile      `json:"profile,omitempty"`

	// Metadata is the committed state after a successful run.
	Metadata *core.RunMetadata `json:"metadata,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	Duration       time.Duration           `json:"-"`
	PhaseDurations map[State]time.Duration `json:"-"`
}

// Succeeded reports whether the run committed and returned to Idle.
func (r *Report) Succeeded() bool {
	return r.FinalState == StateIdle
}

// BatchProfile summarises the accepted transactions of one run.
type BatchProfile struct {
	Transactions       int            `json:"transactions"`
	Stores             int            `json:"stores"`
	Products           int            `json:"products"`
	TotalRevenue       pgtype.Numeric `json:"total_revenue"`
	AvgRevenuePerStore pgtype.Numeric `json:"avg_revenue_per_store"`

	// TopProduct is the product with the most transactions. Ties go to the
	// lowest product id.
	TopProduct      string `json:"top_product"`
	TopProductCount int    `json:"top_product_count"`
}

// Profile computes the batch profile of txs, or nil for an empty batch.
func Profile(txs []core.Transaction) *BatchProfile {
	if len(txs) == 0 {
		return nil
	}

	total := core.NumericFromInt(0)
	stores := make(map[string]struct{})
	products := make(map[string]int)
	for _, tx := range txs {
		total = core.AddNumeric(total, tx.Revenue)
		stores[tx.StoreID] = struct{}{}
		products[tx.ProductID]++
	}

	ids := make([]string, 0, len(products))
	for id := range products {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	top := ids[0]
	for _, id := range ids[1:] {
		if products[id] > products[top] {
			top = id
		}
	}

	avg := new(big.Rat).Quo(core.NumericRat(total), big.NewRat(int64(len(stores)), 1))
	avgNum, err := core.ParseNumeric(avg.FloatString(2))
	if err != nil {
		avgNum = core.NumericFromInt(0)
	}

	return &BatchProfile{
		Transactions:       len(txs),
		Stores:             len(stores),
		Products:           len(products),
		TotalRevenue:       total,
		AvgRevenuePerStore: avgNum,
		TopProduct:         top,
		TopProductCount:    products[top],
	}
}

// reportFileName is the name a report is written under in the report directory.
func reportFileName(r *Report) string {
	return fmt.Sprintf("run_%s_%s.json", r.StartedAt.UTC().Format("20060102T150405Z"), r.RunID)
}

// writeReport stores r as indented JSON in dir. The file appears
// atomically: it is written to a temporary name and renamed.
func writeReport(dir string, r *Report) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".report-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create report file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close report: %w", err)
	}

	path := filepath.Join(dir, reportFileName(r))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename report: %w", err)
	}
	return path, nil
}
