package transform

import (
	"sort"
	"strconv"
	"time"

	"github.com/JonMunkholm/salesetl/internal/core"
)

// RawFromTransactions renders typed records back into a RawBatch so input
// that was cleaned elsewhere goes through the same quality stages. Rows are
// grouped by SourceFile; a zero Line is replaced by the record's position.
func RawFromTransactions(txs []core.Transaction) core.RawBatch {
	columns := append(append([]string{}, core.RequiredColumns...), core.OptionalColumns...)

	byFile := make(map[string]*core.RawFile)
	var order []string
	for _, tx := range txs {
		f, ok := byFile[tx.SourceFile]
		if !ok {
			f = &core.RawFile{Name: tx.SourceFile, Format: "records", Columns: columns}
			byFile[tx.SourceFile] = f
			order = append(order, tx.SourceFile)
		}

		line := tx.Line
		if line == 0 {
			line = len(f.Rows) + 1
		}
		values := map[string]string{
			core.ColDate:        tx.Date.Format(time.DateOnly),
			core.ColStoreID:     tx.StoreID,
			core.ColProductID:   tx.ProductID,
			core.ColQuantity:    strconv.Itoa(tx.Quantity),
			core.ColUnitPrice:   core.NumericString(tx.UnitPrice),
			core.ColCustomerAge: strconv.Itoa(tx.CustomerAge),
		}
		if tx.HasStoreAttributes {
			values[core.ColStoreRegion] = tx.Store.Region
			values[core.ColStoreTier] = tx.Store.Tier
		}
		f.Rows = append(f.Rows, core.RawRow{SourceFile: tx.SourceFile, Line: line, Values: values})
	}

	sort.Strings(order)
	batch := core.RawBatch{Files: make([]core.RawFile, 0, len(order))}
	for _, name := range order {
		batch.Files = append(batch.Files, *byFile[name])
	}
	return batch
}
