package web

// errors.go renders every API failure the same way.
//
// The technical error is logged with the request ID for correlation, and the
// client receives the operator message from core.MapError with its support
// code. Failed runs also carry the run report.

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/JonMunkholm/salesetl/internal/core"
	"github.com/JonMunkholm/salesetl/internal/pipeline"
	"github.com/go-chi/chi/v5/middleware"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string           `json:"error"`
	Message string           `json:"message"`
	Action  string           `json:"action,omitempty"`
	Code    string           `json:"code"`
	Report  *pipeline.Report `json:"report,omitempty"`
}

// respondError logs err and writes the mapped message.
func respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	respondErrorWithReport(w, r, err, statusCode, nil)
}

func respondErrorWithReport(w http.ResponseWriter, r *http.Request, err error, statusCode int, rep *pipeline.Report) {
	userMsg := core.MapError(err)

	slog.Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", userMsg.Code,
		"request_id", middleware.GetReqID(r.Context()),
	)

	writeJSON(w, statusCode, ErrorResponse{
		Error:   err.Error(),
		Message: userMsg.Message,
		Action:  userMsg.Action,
		Code:    userMsg.Code,
		Report:  rep,
	})
}

// statusFor maps an error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrRunInProgress), errors.Is(err, core.ErrMetadataLocked):
		return http.StatusConflict
	case errors.Is(err, core.ErrMetadataCorrupt):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error for request validation failures, which
// have no entry in the error code table.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   message,
		Message: message,
		Code:    "HTTP" + strconv.Itoa(status),
	})
}
