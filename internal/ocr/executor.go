/**
 * OCR Executor - one isolated, time-bounded recognition per page
 *
 * Every invocation gets its own working directory and its own deadline.
 * Backend output is normalized here so aggregation can trust it: block
 * confidences are clamped to [0,1], empty blocks are dropped and the page
 * confidence is the length-weighted mean of what remains.
 *
 * Engine calls are bounded by MaxConcurrent. A slot is held until the
 * backend call really returns, so a page abandoned on timeout keeps its
 * slot while an uninterruptible engine call is still running.
 */

package ocr

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/adverant/nexus/fileprocess-extractor/internal/errors"
	"github.com/adverant/nexus/fileprocess-extractor/internal/logging"
	"github.com/adverant/nexus/fileprocess-extractor/internal/models"
)

// ExecutorConfig holds executor configuration
type ExecutorConfig struct {
	PageTimeout   time.Duration
	MaxConcurrent int
	TempDir       string
	Logger        *logging.Logger
}

// Executor runs a Backend page by page
type Executor struct {
	backend     Backend
	engine      string
	pageTimeout time.Duration
	tempDir     string
	slots       chan struct{}
	logger      *logging.Logger

	mu        sync.Mutex
	installed map[string]bool
}

// NewExecutor creates an executor for backend
func NewExecutor(backend Backend, cfg ExecutorConfig) *Executor {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = runtime.NumCPU()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Executor{
		backend:     backend,
		engine:      Identity(backend),
		pageTimeout: cfg.PageTimeout,
		tempDir:     cfg.TempDir,
		slots:       make(chan struct{}, cfg.MaxConcurrent),
		logger:      logger,
	}
}

// Engine is the backend identity used in cache keys
func (e *Executor) Engine() string {
	return e.engine
}

// PageTimeout is the per-invocation deadline
func (e *Executor) PageTimeout() time.Duration {
	return e.pageTimeout
}

// ValidateLanguages fails with CONFIGURATION_ERROR when any of langs is not
// installed. The installed list is loaded on first use and kept.
func (e *Executor) ValidateLanguages(ctx context.Context, langs []string) error {
	if len(langs) == 0 {
		return errors.NewConfigurationError("languages", "at least one language is required")
	}

	installed, err := e.installedLanguages(ctx)
	if err != nil {
		return err
	}

	var unknown []string
	for _, lang := range langs {
		if !installed[lang] {
			unknown = append(unknown, lang)
		}
	}
	if len(unknown) > 0 {
		pe := errors.NewConfigurationError("languages",
			fmt.Sprintf("language(s) not installed for %s: %s", e.engine, strings.Join(unknown, ", ")))
		pe.Details["unknown_languages"] = unknown
		return pe
	}
	return nil
}

func (e *Executor) installedLanguages(ctx context.Context) (map[string]bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.installed != nil {
		return e.installed, nil
	}

	langs, err := e.backend.Languages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed languages: %w", err)
	}

	installed := make(map[string]bool, len(langs))
	for _, lang := range langs {
		installed[lang] = true
	}
	e.installed = installed
	e.logger.Info("OCR languages loaded", "engine", e.engine, "languages", langs)
	return installed, nil
}

// Active is the number of backend calls currently holding a slot,
// including calls abandoned after a timeout
func (e *Executor) Active() int {
	return len(e.slots)
}

// Recognize runs OCR for one page under the per-page timeout. A timeout
// yields OCR_TIMEOUT; cancellation or deadline of ctx itself is returned
// as ctx.Err() so the caller can tell the two apart. The page timeout
// starts once an engine slot is free.
func (e *Executor) Recognize(ctx context.Context, documentID string, page models.Page, params models.Params) (*models.PageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	handedOff := false
	defer func() {
		if !handedOff {
			<-e.slots
		}
	}()

	if e.tempDir != "" {
		if err := os.MkdirAll(e.tempDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create temp directory: %w", err)
		}
	}
	workDir, err := os.MkdirTemp(e.tempDir, fmt.Sprintf("ocr-p%d-*", page.Index))
	if err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}

	pageCtx, cancel := context.WithTimeout(ctx, e.pageTimeout)
	defer cancel()

	type outcome struct {
		result *models.PageResult
		err    error
	}
	done := make(chan outcome, 1)

	inv := Invocation{
		Page:        page,
		Languages:   params.Languages,
		PageSegMode: params.PageSegMode,
		WorkDir:     workDir,
	}

	start := time.Now()
	handedOff = true
	go func() {
		// The slot and the working directory live until the backend is
		// really finished, even when the caller has already given up on it.
		defer func() {
			if err := os.RemoveAll(workDir); err != nil {
				e.logger.Warn("Failed to remove OCR working directory", "dir", workDir, "error", err)
			}
			<-e.slots
		}()
		result, err := e.backend.Recognize(pageCtx, inv)
		done <- outcome{result, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-pageCtx.Done():
		out = outcome{err: pageCtx.Err()}
	}

	if out.err != nil {
		if parentErr := ctx.Err(); parentErr != nil {
			return nil, parentErr
		}
		if pageCtx.Err() == context.DeadlineExceeded {
			e.logger.Warn("OCR page timed out",
				"document_id", documentID,
				"page", page.Index,
				"timeout", e.pageTimeout)
			return nil, errors.NewOCRTimeoutError(documentID, page.Index, e.pageTimeout, out.err)
		}
		return nil, errors.NewOCRFailedError(documentID, page.Index, e.engine, out.err)
	}
	if out.result == nil {
		return nil, errors.NewOCRFailedError(documentID, page.Index, e.engine, fmt.Errorf("backend returned no result"))
	}

	result := normalizeResult(page.Index, params.Languages, out.result)

	e.logger.Debug("OCR page completed",
		"document_id", documentID,
		"page", page.Index,
		"blocks", len(result.Blocks),
		"confidence", result.Confidence,
		"duration", time.Since(start))

	return result, nil
}

// normalizeResult returns a cleaned copy of raw indexed as page index
func normalizeResult(index int, langs []string, raw *models.PageResult) *models.PageResult {
	blocks := make([]models.TextBlock, 0, len(raw.Blocks))
	for _, b := range raw.Blocks {
		text := strings.TrimSpace(b.Text)
		if text == "" {
			continue
		}
		blocks = append(blocks, models.TextBlock{
			Text:        text,
			BoundingBox: b.BoundingBox,
			Confidence:  models.ClampConfidence(b.Confidence),
		})
	}

	text := strings.TrimSpace(raw.Text)
	if text == "" && len(blocks) > 0 {
		parts := make([]string, len(blocks))
		for i, b := range blocks {
			parts[i] = b.Text
		}
		text = strings.Join(parts, "\n\n")
	}

	lang := raw.Language
	if lang == "" {
		lang = firstLanguage(langs)
	}

	var confidence float64
	if sum, weight := models.WeightedConfidence(blocks); weight > 0 {
		confidence = models.ClampConfidence(sum / float64(weight))
	}

	return &models.PageResult{
		Index:      index,
		Text:       text,
		Blocks:     blocks,
		Language:   lang,
		Confidence: confidence,
	}
}
