// Package transform validates raw rows, flags data quality issues and
// derives features for the rows that are accepted.
//
// Transform is a pure function of its inputs: it never reads or writes the
// warehouse or the run metadata. Facts already in the warehouse are passed
// in as a key set for duplicate detection.
package transform

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/JonMunkholm/salesetl/internal/config"
	"github.com/JonMunkholm/salesetl/internal/core"
	"github.com/JonMunkholm/salesetl/internal/logging"
)

// ctxCheckEvery is how many rows are processed between cancellation checks.
const ctxCheckEvery = 1000

// Transformer applies the quality stages to a RawBatch.
type Transformer struct {
	rules rules
}

// New compiles the validation settings in cfg.
func New(cfg config.QualityConfig) (*Transformer, error) {
	storeID, err := regexp.Compile(cfg.StoreIDPattern)
	if err != nil {
		return nil, fmt.Errorf("store id pattern: %w", err)
	}
	productID, err := regexp.Compile(cfg.ProductIDPattern)
	if err != nil {
		return nil, fmt.Errorf("product id pattern: %w", err)
	}
	maxPrice, err := core.ParseNumeric(cfg.MaxUnitPrice)
	if err != nil {
		return nil, fmt.Errorf("max unit price: %w", err)
	}

	return &Transformer{rules: rules{
		storeID:   storeID,
		productID: productID,
		maxQty:    int64(cfg.MaxQuantity),
		maxPrice:  maxPrice,
		maxAge:    int64(cfg.MaxCustomerAge),
	}}, nil
}

// Transform validates every row of batch and returns the accepted
// transactions with features filled in, plus the quality report.
//
// Rows are visited file by file in batch order, so the first occurrence of
// a duplicated key is the one kept. A row whose key is in existing is a
// duplicate of an already loaded fact. The only error is cancellation of ctx.
func (t *Transformer) Transform(ctx context.Context, batch core.RawBatch, existing core.FactKeySet) (core.CleanBatch, core.QualityReport, error) {
	logger := logging.FromContext(ctx)
	start := time.Now()

	clean := core.CleanBatch{Files: batch.FileNames()}
	report := core.NewQualityReport()
	seen := make(core.FactKeySet)

	visited := 0
	for _, file := range batch.Files {
		fileReport := core.NewQualityReport()

		missing := file.MissingColumns()
		if len(missing) > 0 {
			logger.Warn("source file is missing required columns", "file", file.Name, "missing", missing)
		}

		for _, row := range file.Rows {
			visited++
			if visited%ctxCheckEvery == 0 {
				if err := ctx.Err(); err != nil {
					return core.CleanBatch{}, report, err
				}
			}

			if len(missing) > 0 {
				fileReport.Record(*rowIssue(row, core.IssueSchema, "", "",
					"missing required columns: "+strings.Join(missing, ", ")))
				continue
			}

			c, issue := t.rules.check(row)
			if issue != nil {
				fileReport.Record(*issue)
				continue
			}

			key := core.NewFactKey(c.date, c.storeID, c.productID, row.SourceFile)
			switch {
			case seen.Has(key):
				fileReport.Record(duplicateIssue(row, key, "repeats an earlier row in this batch"))
				continue
			case existing.Has(key):
				fileReport.Record(duplicateIssue(row, key, "already loaded"))
				continue
			}
			seen.Add(key)

			clean.Transactions = append(clean.Transactions, buildTransaction(row, c))
			fileReport.Accept(row.SourceFile)
		}

		if fileReport.Extracted > 0 {
			logger.Debug("source file validated",
				"file", file.Name,
				"accepted", fileReport.Accepted,
				"rejected", fileReport.Rejected,
				"warned", fileReport.Warned,
			)
		}
		report.Merge(fileReport)
	}

	logger.Info("transform finished",
		"extracted", report.Extracted,
		"accepted", report.Accepted,
		"rejected", report.Rejected,
		"warned", report.Warned,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return clean, report, nil
}

func duplicateIssue(row core.RawRow, key core.FactKey, detail string) core.QualityIssue {
	return core.QualityIssue{
		Kind:       core.IssueDuplicate,
		Severity:   core.SeverityWarn,
		SourceFile: row.SourceFile,
		Row:        row.Line,
		Value:      key.String(),
		Detail:     detail,
	}
}

// buildTransaction types an accepted row and derives its features.
func buildTransaction(row core.RawRow, c *candidate) core.Transaction {
	tx := core.Transaction{
		Date:               c.date,
		StoreID:            c.storeID,
		ProductID:          c.productID,
		Quantity:           int(c.quantity),
		UnitPrice:          c.price,
		CustomerAge:        int(c.age),
		SourceFile:         row.SourceFile,
		Line:               row.Line,
		Store:              c.store,
		HasStoreAttributes: c.hasStore,
	}
	tx.Features = Derive(tx)
	return tx
}

// Derive computes the features of a transaction from its measured values.
func Derive(tx core.Transaction) core.Features {
	wd := tx.Date.Weekday()
	return core.Features{
		Revenue:   core.MulNumericInt(tx.UnitPrice, int64(tx.Quantity)),
		DayOfWeek: wd,
		Month:     int(tx.Date.Month()),
		Quarter:   core.QuarterOf(tx.Date),
		IsWeekend: wd == time.Saturday || wd == time.Sunday,
		AgeGroup:  core.AgeGroupFor(tx.CustomerAge),
	}
}
