// Package ocr runs a recognition backend over single pages with per-page
// isolation, timeouts and output normalization.
package ocr

import (
	"context"

	"github.com/adverant/nexus/fileprocess-extractor/internal/models"
)

// Invocation is one isolated recognition call
type Invocation struct {
	Page        models.Page
	Languages   []string
	PageSegMode int
	// WorkDir is exclusive to this invocation and removed after it returns
	WorkDir string
}

// Backend is a recognition engine
type Backend interface {
	// Name identifies the engine family, e.g. "tesseract"
	Name() string
	// Version is the engine version; it is part of the cache key
	Version() string
	// Languages lists installed language models
	Languages(ctx context.Context) ([]string, error)
	// Recognize extracts text from a page. Implementations should honor ctx
	// but callers must not rely on it.
	Recognize(ctx context.Context, inv Invocation) (*models.PageResult, error)
}

// Identity returns "name/version" for b
func Identity(b Backend) string {
	if v := b.Version(); v != "" {
		return b.Name() + "/" + v
	}
	return b.Name()
}
