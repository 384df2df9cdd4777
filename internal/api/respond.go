package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/adverant/nexus/fileprocess-extractor/internal/errors"
)

// Codes for failures that never reach the pipeline
const (
	codeInternal    errors.ErrorCode = "INTERNAL_ERROR"
	codeUnavailable errors.ErrorCode = "UNAVAILABLE"
	codeCancelled   errors.ErrorCode = "CANCELLED"
)

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code       errors.ErrorCode       `json:"code"`
	Message    string                 `json:"message"`
	DocumentID string                 `json:"document_id,omitempty"`
	Page       int                    `json:"page,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// statusFor maps an error code to its HTTP status
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrorUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case errors.ErrorDocumentTooLarge:
		return http.StatusRequestEntityTooLarge
	case errors.ErrorConfiguration:
		return http.StatusBadRequest
	case errors.ErrorNormalization:
		return http.StatusUnprocessableEntity
	case errors.ErrorOCRTimeout, errors.ErrorPipelineTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrorPathNotAllowed:
		return http.StatusForbidden
	case errors.ErrorNotFound:
		return http.StatusNotFound
	case codeUnavailable:
		return http.StatusServiceUnavailable
	case codeCancelled:
		// nginx's "client closed request"
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	payload := errorPayload{Code: codeInternal, Message: err.Error()}
	if pe, ok := errors.As(err); ok {
		payload = errorPayload{
			Code:       pe.Code,
			Message:    pe.Message,
			DocumentID: pe.DocumentID,
			Page:       pe.PageIndex,
			Details:    pe.Details,
		}
	} else if stderrors.Is(err, context.Canceled) {
		payload.Code = codeCancelled
	}

	status := statusFor(payload.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Info("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "code", payload.Code)
	}
	s.writeJSON(w, status, errorBody{Error: payload})
}

func unavailable(what string) error {
	return &errors.ProcessingError{Code: codeUnavailable, Message: what + " is not configured"}
}
