package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/John-Robertt/clash-enhancer/internal/config"
	"github.com/John-Robertt/clash-enhancer/internal/document"
	"github.com/John-Robertt/clash-enhancer/internal/fetch"
	"github.com/John-Robertt/clash-enhancer/internal/model"
	"github.com/John-Robertt/clash-enhancer/internal/pipeline"
)

// APIError is used by the HTTP layer for request validation and a few
// HTTP-specific errors.
type APIError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *APIError) Unwrap() error { return e.Cause }

func apiError(status int, app model.AppError, cause error) error {
	return &APIError{Status: status, AppError: app, Cause: cause}
}

func requestError(code, message, hint string) error {
	return apiError(http.StatusBadRequest, model.AppError{
		Code:    code,
		Message: message,
		Stage:   "validate_request",
		Hint:    hint,
	}, nil)
}

// errorStatus maps an error to the HTTP status and payload sent to clients.
func errorStatus(err error) (int, model.AppError) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status, ae.AppError
	}

	var fe *fetch.FetchError
	if errors.As(err, &fe) {
		return fe.Status, fe.AppError
	}

	// A malformed document is a user content error => 422.
	var de *document.ParseError
	if errors.As(err, &de) {
		return http.StatusUnprocessableEntity, de.AppError
	}

	var pe *pipeline.PipelineError
	if errors.As(err, &pe) {
		switch pe.AppError.Code {
		case "CANCELED":
			return fetch.StatusClientClosedRequest, pe.AppError
		case "TIMEOUT":
			return http.StatusGatewayTimeout, pe.AppError
		}
		return http.StatusInternalServerError, pe.AppError
	}

	// An invalid active config is an operator problem, not the client's.
	var ce *config.ConfigError
	if errors.As(err, &ce) {
		return http.StatusInternalServerError, ce.AppError
	}

	// Fallback: internal bug.
	return http.StatusInternalServerError, model.AppError{
		Code:    "INTERNAL_ERROR",
		Message: "internal server error",
		Stage:   "internal",
		Hint:    err.Error(),
	}
}

func (h transformHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	status, app := errorStatus(err)
	app.RequestID = RequestIDFrom(r.Context())
	app.Timestamp = time.Now().UTC().Format(time.RFC3339)

	h.opt.Metrics.IncAppError(app.Stage, app.Code)
	level := h.opt.Logger.Warn
	if status >= http.StatusInternalServerError {
		level = h.opt.Logger.Error
	}
	level("request failed", "request_id", app.RequestID, "status", status,
		"stage", app.Stage, "code", app.Code, "error", err)

	WriteError(w, status, app)
}
