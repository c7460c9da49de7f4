// Package core holds the record model shared by every pipeline stage.
//
// It has no I/O of its own: extractors produce [RawBatch] values, the
// transformer turns them into a [CleanBatch] plus a [QualityReport], the
// loader writes [Transaction] facts, [DimensionRecord] store versions and
// [SummaryDelta] contributions, and the orchestrator advances [RunMetadata].
//
// # Decimals
//
// Prices and revenue are exact decimals held in pgtype.Numeric. Use
// [ParseNumeric] to read them and [MulNumericInt], [AddNumeric] and
// [CompareNumeric] to work with them; nothing here goes through float64
// except [NumericFloat], which exists for reporting.
//
// # Error Handling
//
// Stage failures are typed ([FileReadError], [LoadError],
// [MetadataCommitError]) or sentinels such as [ErrNoReadableFiles].
// [MapError] turns any of them into a [UserMessage] with a stable code:
//
//   - RUN001-RUN003: run lifecycle (busy, cancelled, timed out)
//   - EXT001-EXT004: extraction
//   - LOAD001: warehouse load
//   - META001-META003: run metadata
//   - DB001-DB004: driver errors matched on text
//
// Row-level problems are not errors. They become [QualityIssue] values.
package core
