package core

// # Error Codes Reference
//
// Every failed run and every API error carries a code from this table so an
// operator can find the cause without reading stack traces.
//
// # Run Errors (RUN001-RUN099)
//
//	RUN001 - Run in progress: another run holds the pipeline
//	         Action: Wait for the current run to finish
//	RUN002 - Run cancelled: the run was stopped between phases
//	         Action: Trigger a new run; nothing was committed
//	RUN003 - Phase timeout: a phase exceeded its configured timeout
//	         Action: Raise the PIPELINE_*_TIMEOUT setting or split the input
//
// # Extraction Errors (EXT001-EXT099)
//
//	EXT001 - No readable files: every new file failed to read
//	         Action: Check the per-file errors in the run report
//	EXT002 - File too large: a file exceeds PIPELINE_MAX_FILE_SIZE
//	         Action: Split the file or raise the limit
//	EXT003 - Unsupported format: no reader for the file extension
//	         Action: Deliver csv, tsv, json, jsonl or xlsx files
//	EXT004 - Unreadable file: a file could not be parsed
//	         Action: Inspect the file named in the report
//
// # Load Errors (LOAD001-LOAD099)
//
//	LOAD001 - Load failed: every load attempt failed
//	          Action: Check warehouse connectivity; the next run retries the same files
//
// # Metadata Errors (META001-META099)
//
//	META001 - Metadata locked: another process owns the run metadata
//	          Action: Make sure only one pipeline instance is scheduled
//	META002 - Metadata corrupt: the metadata document cannot be decoded
//	          Action: Restore the document from backup before the next run
//	META003 - Commit failed: the run loaded data but could not record it
//	          Action: Fix storage and rerun; reloaded rows are deduplicated
//
// # Database Errors (DB001-DB099)
//
// Matched on driver error text when no typed error applies.
//
//	DB001 - Connection refused   DB002 - Connection reset
//	DB003 - Deadlock             DB004 - Unique constraint
//
// # Default Error (ERR000)
//
//	ERR000 - Unknown error: check application logs for the technical error

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides operator-facing error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

// errorMatch maps a sentinel or typed error to a message.
type errorMatch struct {
	match func(error) bool
	msg   UserMessage
}

func is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

// typedMatches are checked in order before falling back to text patterns.
// Specific causes come before the wrappers that carry them.
var typedMatches = []errorMatch{
	{is(ErrRunInProgress), UserMessage{
		Message: "A pipeline run is already in progress",
		Action:  "Wait for the current run to finish",
		Code:    "RUN001",
	}},
	{is(ErrRunCancelled), UserMessage{
		Message: "The run was cancelled",
		Action:  "Trigger a new run; nothing was committed",
		Code:    "RUN002",
	}},
	{is(context.Canceled), UserMessage{
		Message: "The run was cancelled",
		Action:  "Trigger a new run; nothing was committed",
		Code:    "RUN002",
	}},
	{is(context.DeadlineExceeded), UserMessage{
		Message: "A pipeline phase timed out",
		Action:  "Raise the matching PIPELINE_*_TIMEOUT setting or split the input",
		Code:    "RUN003",
	}},
	{is(ErrNoReadableFiles), UserMessage{
		Message: "None of the new files could be read",
		Action:  "Check the per-file errors in the run report",
		Code:    "EXT001",
	}},
	{is(ErrFileTooLarge), UserMessage{
		Message: "A source file exceeds the size limit",
		Action:  "Split the file or raise PIPELINE_MAX_FILE_SIZE",
		Code:    "EXT002",
	}},
	{is(ErrUnsupportedFormat), UserMessage{
		Message: "A source file has an unsupported format",
		Action:  "Deliver csv, tsv, json, jsonl or xlsx files",
		Code:    "EXT003",
	}},
	{func(err error) bool { var e *FileReadError; return errors.As(err, &e) }, UserMessage{
		Message: "A source file could not be read",
		Action:  "Inspect the file named in the run report",
		Code:    "EXT004",
	}},
	{is(ErrMetadataLocked), UserMessage{
		Message: "Run metadata is locked by another process",
		Action:  "Make sure only one pipeline instance is scheduled",
		Code:    "META001",
	}},
	{is(ErrMetadataCorrupt), UserMessage{
		Message: "Run metadata is corrupt",
		Action:  "Restore the metadata document from backup before the next run",
		Code:    "META002",
	}},
	{func(err error) bool { var e *MetadataCommitError; return errors.As(err, &e) }, UserMessage{
		Message: "Loaded data could not be recorded as processed",
		Action:  "Fix metadata storage and rerun; reloaded rows are deduplicated",
		Code:    "META003",
	}},
	{func(err error) bool { var e *LoadError; return errors.As(err, &e) }, UserMessage{
		Message: "Loading into the warehouse failed",
		Action:  "Check warehouse connectivity; the next run retries the same files",
		Code:    "LOAD001",
	}},
}

// errorPattern defines a pattern to match and its corresponding message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps driver error text (case-insensitive) to messages.
// The first matching pattern wins.
var errorPatterns = []errorPattern{
	{"connection refused", UserMessage{
		Message: "Unable to connect to database",
		Action:  "Please try again in a few moments",
		Code:    "DB001",
	}},
	{"connection reset", UserMessage{
		Message: "Database connection was interrupted",
		Action:  "Please try again",
		Code:    "DB002",
	}},
	{"deadlock", UserMessage{
		Message: "Database was busy with conflicting operations",
		Action:  "Please try again",
		Code:    "DB003",
	}},
	{"unique constraint", UserMessage{
		Message: "A row conflicts with an existing unique key",
		Action:  "Check the warehouse for rows written outside the pipeline",
		Code:    "DB004",
	}},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Check application logs for the technical error",
	Code:    "ERR000",
}

// MapError converts an error to an operator-facing message.
// Typed errors are matched with errors.Is/As, then the error text is
// searched for known driver patterns. Returns the zero value for nil.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, m := range typedMatches {
		if m.match(err) {
			return m.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// ErrorCode returns just the code for err, or "" for nil.
func ErrorCode(err error) string {
	return MapError(err).Code
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}
