package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessingErrorChain(t *testing.T) {
	cause := context.DeadlineExceeded
	timeoutErr := NewOCRTimeoutError("doc-1", 3, 30*time.Second, cause)
	wrapped := fmt.Errorf("recognize: %w", timeoutErr)

	pe, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrorOCRTimeout, pe.Code)
	assert.Equal(t, 3, pe.PageIndex)
	assert.Equal(t, "doc-1", pe.DocumentID)
	assert.True(t, stderrors.Is(wrapped, context.DeadlineExceeded))
	assert.Equal(t, ErrorOCRTimeout, CodeOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
}

func TestOnlyTimeoutsAreRetryable(t *testing.T) {
	errs := []*ProcessingError{
		NewUnsupportedFormatError("d", "text/html"),
		NewNormalizationError("d", 2, stderrors.New("bad xref")),
		NewConfigurationError("ocr_languages", "unknown language xx"),
		NewOCRFailedError("d", 1, "tesseract", stderrors.New("boom")),
		NewAggregationError("d", 2, "duplicate page index"),
		NewCacheConflictError("k"),
		NewPipelineTimeoutError("d", time.Minute, nil),
	}
	for _, e := range errs {
		t.Run(string(e.Code), func(t *testing.T) {
			assert.False(t, e.Retryable())
		})
	}
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(stderrors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestToMap(t *testing.T) {
	e := NewNormalizationError("doc-9", 4, stderrors.New("unexpected EOF"))
	m := e.ToMap()

	assert.Equal(t, "NORMALIZATION_ERROR", m["error_code"])
	assert.Equal(t, "doc-9", m["document_id"])
	assert.Equal(t, 4, m["pages_reached"])
	assert.Equal(t, "unexpected EOF", m["cause"])
	_, hasPage := m["page"]
	assert.False(t, hasPage)
}

func TestWithDocumentKeepsExisting(t *testing.T) {
	e := NewConfigurationError("dpi", "too low").WithDocument("a")
	assert.Equal(t, "a", e.DocumentID)
	e.WithDocument("b")
	assert.Equal(t, "a", e.DocumentID)
}
