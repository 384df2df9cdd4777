package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the extraction service
 *
 * Every failure that reaches the API layer is a *ProcessingError carrying a
 * code plus enough context (document, page) to diagnose without a retry.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Input errors
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorDocumentTooLarge  ErrorCode = "DOCUMENT_TOO_LARGE"
	ErrorNormalization     ErrorCode = "NORMALIZATION_ERROR"
	ErrorConfiguration     ErrorCode = "CONFIGURATION_ERROR"
	ErrorPathNotAllowed    ErrorCode = "PATH_NOT_ALLOWED"
	ErrorNotFound          ErrorCode = "NOT_FOUND"

	// Processing errors
	ErrorOCRTimeout      ErrorCode = "OCR_TIMEOUT"
	ErrorOCRFailed       ErrorCode = "OCR_FAILED"
	ErrorAggregation     ErrorCode = "AGGREGATION_ERROR"
	ErrorPipelineTimeout ErrorCode = "PIPELINE_TIMEOUT"

	// Storage errors
	ErrorCacheConflict ErrorCode = "CACHE_CONFLICT"
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code       ErrorCode
	Message    string
	DocumentID string
	PageIndex  int // 0 when not page specific
	Timestamp  time.Time
	Details    map[string]interface{}
	Cause      error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure is transient at page level
func (e *ProcessingError) Retryable() bool {
	return e.Code == ErrorOCRTimeout
}

func newError(code ErrorCode, documentID string, page int, message string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:       code,
		Message:    message,
		DocumentID: documentID,
		PageIndex:  page,
		Timestamp:  time.Now(),
		Details:    map[string]interface{}{},
		Cause:      cause,
	}
}

// Factory functions for common errors

func NewUnsupportedFormatError(documentID string, mimeType string) *ProcessingError {
	e := newError(ErrorUnsupportedFormat, documentID, 0,
		fmt.Sprintf("Unsupported file format: %s", mimeType), nil)
	e.Details["mime_type"] = mimeType
	return e
}

func NewDocumentTooLargeError(documentID string, size int64, limit int64) *ProcessingError {
	e := newError(ErrorDocumentTooLarge, documentID, 0,
		fmt.Sprintf("Document size %d exceeds maximum of %d bytes", size, limit), nil)
	e.Details["size"] = size
	e.Details["max_document_size"] = limit
	return e
}

// NewNormalizationError reports corrupt input. pagesReached is the number of
// pages produced before the failure.
func NewNormalizationError(documentID string, pagesReached int, cause error) *ProcessingError {
	e := newError(ErrorNormalization, documentID, 0,
		fmt.Sprintf("Failed to normalize document after %d page(s)", pagesReached), cause)
	e.Details["pages_reached"] = pagesReached
	return e
}

func NewConfigurationError(field string, message string) *ProcessingError {
	e := newError(ErrorConfiguration, "", 0, fmt.Sprintf("Invalid %s: %s", field, message), nil)
	e.Details["field"] = field
	return e
}

func NewOCRTimeoutError(documentID string, page int, timeout time.Duration, cause error) *ProcessingError {
	e := newError(ErrorOCRTimeout, documentID, page,
		fmt.Sprintf("OCR of page %d timed out after %v", page, timeout), cause)
	e.Details["timeout_duration"] = timeout.String()
	return e
}

func NewOCRFailedError(documentID string, page int, engine string, cause error) *ProcessingError {
	e := newError(ErrorOCRFailed, documentID, page,
		fmt.Sprintf("OCR of page %d failed in engine: %s", page, engine), cause)
	e.Details["engine"] = engine
	return e
}

func NewAggregationError(documentID string, page int, reason string) *ProcessingError {
	return newError(ErrorAggregation, documentID, page,
		fmt.Sprintf("Cannot aggregate page results: %s", reason), nil)
}

func NewPipelineTimeoutError(documentID string, timeout time.Duration, cause error) *ProcessingError {
	e := newError(ErrorPipelineTimeout, documentID, 0,
		fmt.Sprintf("Extraction timed out after %v", timeout), cause)
	e.Details["timeout_duration"] = timeout.String()
	return e
}

func NewCacheConflictError(key string) *ProcessingError {
	e := newError(ErrorCacheConflict, "", 0,
		"Cache entry exists with different content for key "+key, nil)
	e.Details["cache_key"] = key
	return e
}

func NewStorageFailedError(documentID string, cause error) *ProcessingError {
	return newError(ErrorStorageFailed, documentID, 0, "Failed to store extraction result", cause)
}

func NewPathNotAllowedError(path string) *ProcessingError {
	e := newError(ErrorPathNotAllowed, "", 0, "Path escapes the data directory: "+path, nil)
	e.Details["path"] = path
	return e
}

func NewNotFoundError(what string, id string) *ProcessingError {
	e := newError(ErrorNotFound, "", 0, fmt.Sprintf("%s not found: %s", what, id), nil)
	e.Details["id"] = id
	return e
}

// As extracts the first *ProcessingError in err's chain
func As(err error) (*ProcessingError, bool) {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// CodeOf returns the code of err, or "" when err is not a ProcessingError
func CodeOf(err error) ErrorCode {
	if pe, ok := As(err); ok {
		return pe.Code
	}
	return ""
}

// IsRetryable reports whether err is a page-level transient failure
func IsRetryable(err error) bool {
	pe, ok := As(err)
	return ok && pe.Retryable()
}

// WithDocument stamps a document id on the error if it has none
func (e *ProcessingError) WithDocument(documentID string) *ProcessingError {
	if e.DocumentID == "" {
		e.DocumentID = documentID
	}
	return e
}

// ToMap converts error to map for persistence and API payloads
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.DocumentID != "" {
		result["document_id"] = e.DocumentID
	}
	if e.PageIndex > 0 {
		result["page"] = e.PageIndex
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
