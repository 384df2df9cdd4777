/**
 * Pipeline Orchestrator
 *
 * Drives one request through
 *   Received -> CacheCheck -> (CacheHit -> Done)
 *            | (Normalizing -> Recognizing -> Aggregating -> Storing -> Done)
 * with Failed reachable from every non-terminal state. Pages fan out onto the
 * shared WorkerPool and are joined before aggregation. Nothing is written to
 * the cache unless the whole document succeeded.
 */

package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/adverant/nexus/fileprocess-extractor/internal/aggregator"
	"github.com/adverant/nexus/fileprocess-extractor/internal/cache"
	"github.com/adverant/nexus/fileprocess-extractor/internal/errors"
	"github.com/adverant/nexus/fileprocess-extractor/internal/inflight"
	"github.com/adverant/nexus/fileprocess-extractor/internal/logging"
	"github.com/adverant/nexus/fileprocess-extractor/internal/models"
	"github.com/adverant/nexus/fileprocess-extractor/internal/normalizer"
	"github.com/adverant/nexus/fileprocess-extractor/internal/ocr"
)

// Extractor is the single contract exposed to the API and queue layers
type Extractor interface {
	Extract(ctx context.Context, req *ExtractRequest) (*models.DocumentResult, error)
}

// RunRecorder persists a ledger entry for every finished run
type RunRecorder interface {
	RecordRun(ctx context.Context, run *models.RunRecord) error
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Normalizer *normalizer.Normalizer
	Executor   *ocr.Executor
	Cache      *cache.Cache
	Pool       *WorkerPool

	DefaultParams   models.Params
	MaxDocumentSize int64
	DocumentTimeout time.Duration
	PageRetries     int

	// Optional cross-process in-flight marker
	Locker           inflight.Locker
	LockPollInterval time.Duration

	// Optional run ledger
	Recorder RunRecorder

	HTTPClient *http.Client
	Logger     *logging.Logger
}

// ExtractRequest is one extraction request. Either Data or FileURL is set.
type ExtractRequest struct {
	RequestID string
	Filename  string
	MimeType  string
	Data      []byte
	FileURL   string
	Params    models.Params
}

// State of a pipeline run
type State string

const (
	StateReceived    State = "received"
	StateCacheCheck  State = "cache_check"
	StateCacheHit    State = "cache_hit"
	StateNormalizing State = "normalizing"
	StateRecognizing State = "recognizing"
	StateAggregating State = "aggregating"
	StateStoring     State = "storing"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

var validate = validator.New()

// DocumentProcessor orchestrates extraction
type DocumentProcessor struct {
	config     *ProcessorConfig
	normalizer *normalizer.Normalizer
	executor   *ocr.Executor
	cache      *cache.Cache
	pool       *WorkerPool
	flights    inflight.Group[*models.DocumentResult]
	httpClient *http.Client
	logger     *logging.Logger
}

var _ Extractor = (*DocumentProcessor)(nil)

// NewDocumentProcessor creates a new document processor
func NewDocumentProcessor(cfg *ProcessorConfig) (*DocumentProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Normalizer == nil {
		return nil, fmt.Errorf("normalizer is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("OCR executor is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("worker pool is required")
	}
	if cfg.DocumentTimeout <= 0 {
		cfg.DocumentTimeout = 300 * time.Second
	}
	if cfg.PageRetries < 0 {
		cfg.PageRetries = 0
	}
	if cfg.LockPollInterval <= 0 {
		cfg.LockPollInterval = 250 * time.Millisecond
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	return &DocumentProcessor{
		config:     cfg,
		normalizer: cfg.Normalizer,
		executor:   cfg.Executor,
		cache:      cfg.Cache,
		pool:       cfg.Pool,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// run tracks one request's state for logging and the ledger
type run struct {
	logger  *logging.Logger
	state   State
	started time.Time
	record  models.RunRecord
}

func (r *run) enter(state State, keysAndValues ...interface{}) {
	r.state = state
	r.logger.Info("Pipeline state: "+string(state), keysAndValues...)
}

// Extract runs the pipeline for req
func (p *DocumentProcessor) Extract(ctx context.Context, req *ExtractRequest) (*models.DocumentResult, error) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	r := &run{
		logger:  p.logger.With("request_id", requestID),
		started: time.Now(),
		record: models.RunRecord{
			RunID:     requestID,
			Filename:  req.Filename,
			Engine:    p.executor.Engine(),
			CreatedAt: time.Now().UTC(),
		},
	}
	r.enter(StateReceived, "filename", req.Filename, "bytes", len(req.Data), "url", req.FileURL)

	ctx, cancel := context.WithTimeout(ctx, p.config.DocumentTimeout)
	defer cancel()

	result, err := p.extract(ctx, r, req)
	if err != nil {
		err = p.pipelineError(r.record.DocumentID, err)
		p.fail(ctx, r, err)
		return nil, err
	}

	r.record.Status = models.RunCompleted
	r.record.CacheStatus = result.CacheStatus
	r.record.PageCount = result.PageCount
	r.record.Confidence = result.Confidence
	r.record.ProcessingTimeMs = time.Since(r.started).Milliseconds()
	r.enter(StateDone,
		"document_id", result.DocumentID,
		"cache_status", result.CacheStatus,
		"pages", result.PageCount,
		"confidence", result.Confidence,
		"duration_ms", r.record.ProcessingTimeMs)
	p.recordRun(ctx, r)

	return result, nil
}

func (p *DocumentProcessor) extract(ctx context.Context, r *run, req *ExtractRequest) (*models.DocumentResult, error) {
	data, err := p.loadFile(ctx, req)
	if err != nil {
		return nil, err
	}

	doc := models.NewDocument(data, req.MimeType, req.Filename)
	params := req.Params.Normalized(p.config.DefaultParams)
	r.record.DocumentID = doc.ID
	r.record.MimeType = doc.MimeType
	r.record.Params = params
	r.logger = r.logger.With("document_id", doc.ID)

	// Checked before any work so a bad request never reaches the engine
	if err := validate.Struct(params); err != nil {
		return nil, errors.NewConfigurationError("params", err.Error())
	}
	if err := p.executor.ValidateLanguages(ctx, params.Languages); err != nil {
		return nil, err
	}

	key := models.CacheKey(doc.ID, params, p.executor.Engine())
	r.record.CacheKey = key

	r.enter(StateCacheCheck, "cache_key", key, "mime_type", doc.MimeType, "params", params.Canonical())
	if hit, ok := p.cache.Lookup(ctx, key); ok {
		r.enter(StateCacheHit)
		return hit, nil
	}

	result, err, shared := p.flights.Do(ctx, key, func(flightCtx context.Context) (*models.DocumentResult, error) {
		flightCtx, cancel := context.WithTimeout(flightCtx, p.config.DocumentTimeout)
		defer cancel()

		// The flight can outlive the caller that started it
		fr := &run{logger: r.logger, started: time.Now()}
		result, err := p.computeExclusive(flightCtx, fr, doc, params, key)
		if err != nil {
			return nil, p.pipelineError(doc.ID, err)
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Info("Joined in-flight extraction", "cache_key", key)
	}

	if result.CacheStatus == models.CacheHit {
		return result, nil
	}
	return result.WithCacheStatus(models.CacheMiss), nil
}

// computeExclusive takes the cross-process marker for key (when configured)
// before computing. If another process holds it, wait for its cache entry.
func (p *DocumentProcessor) computeExclusive(ctx context.Context, r *run, doc *models.Document, params models.Params, key string) (*models.DocumentResult, error) {
	if p.config.Locker == nil {
		return p.compute(ctx, r, doc, params, key)
	}

	for {
		release, acquired, err := p.config.Locker.TryLock(ctx, key)
		if err != nil {
			r.logger.Warn("In-flight marker unavailable, computing without it", "error", err)
			return p.compute(ctx, r, doc, params, key)
		}

		if acquired {
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := release(releaseCtx); err != nil {
					r.logger.Warn("Failed to release in-flight marker", "error", err)
				}
			}()
			// The previous holder may have finished between our lookup and the lock
			if hit, ok := p.cache.Lookup(ctx, key); ok {
				r.enter(StateCacheHit)
				return hit, nil
			}
			return p.compute(ctx, r, doc, params, key)
		}

		r.logger.Debug("Extraction in flight in another process, waiting", "cache_key", key)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.config.LockPollInterval):
		}
		if hit, ok := p.cache.Lookup(ctx, key); ok {
			r.enter(StateCacheHit)
			return hit, nil
		}
	}
}

func (p *DocumentProcessor) compute(ctx context.Context, r *run, doc *models.Document, params models.Params, key string) (*models.DocumentResult, error) {
	start := time.Now()

	r.enter(StateNormalizing, "dpi", params.DPI)
	pages, err := p.normalizer.Normalize(ctx, doc, params)
	if err != nil {
		return nil, err
	}

	r.enter(StateRecognizing, "pages", len(pages))
	pageResults, err := p.recognizeAll(ctx, r, doc.ID, pages, params)
	if err != nil {
		return nil, err
	}

	r.enter(StateAggregating)
	result, err := aggregator.Aggregate(aggregator.Input{
		Document:  doc,
		CacheKey:  key,
		Params:    params,
		Engine:    p.executor.Engine(),
		Pages:     pageResults,
		Elapsed:   time.Since(start),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	r.enter(StateStoring, "cache_key", key)
	stored, err := p.cache.Store(ctx, key, result)
	if err != nil {
		return nil, err
	}
	if stored != result {
		r.logger.Info("Equal cache entry already present, returning it", "cache_key", key)
	}

	return stored, nil
}

// recognizeAll fans pages out onto the pool and joins them. The first
// failure cancels the pages still running.
func (p *DocumentProcessor) recognizeAll(ctx context.Context, r *run, docID string, pages []models.Page, params models.Params) ([]*models.PageResult, error) {
	results := make([]*models.PageResult, len(pages))
	if len(pages) == 0 {
		return results, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		failOnce sync.Once
		firstErr error
	)
	fail := func(err error) {
		failOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i := range pages {
		page := pages[i]
		wg.Add(1)
		err := p.pool.Submit(ctx, func() {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				fail(err)
				return
			}
			res, err := p.recognizePage(ctx, r, docID, page, params)
			if err != nil {
				fail(err)
				return
			}
			results[i] = res
		})
		if err != nil {
			wg.Done()
			fail(err)
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// recognizePage retries OCR timeouts up to PageRetries times
func (p *DocumentProcessor) recognizePage(ctx context.Context, r *run, docID string, page models.Page, params models.Params) (*models.PageResult, error) {
	for attempt := 0; ; attempt++ {
		result, err := p.executor.Recognize(ctx, docID, page, params)
		if err == nil {
			return result, nil
		}
		if !errors.IsRetryable(err) || attempt >= p.config.PageRetries || ctx.Err() != nil {
			return nil, err
		}
		r.logger.Warn("Retrying page after OCR timeout",
			"page", page.Index,
			"attempt", attempt+1,
			"max_retries", p.config.PageRetries)
	}
}

// pipelineError turns an expired deadline into PIPELINE_TIMEOUT. Typed
// errors and caller cancellation pass through.
func (p *DocumentProcessor) pipelineError(docID string, err error) error {
	if _, ok := errors.As(err); ok {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewPipelineTimeoutError(docID, p.config.DocumentTimeout, err)
	}
	return err
}

func (p *DocumentProcessor) fail(ctx context.Context, r *run, err error) {
	from := r.state
	r.state = StateFailed

	r.record.Status = models.RunFailed
	r.record.ProcessingTimeMs = time.Since(r.started).Milliseconds()
	r.record.ErrorMessage = err.Error()
	if pe, ok := errors.As(err); ok {
		pe.WithDocument(r.record.DocumentID)
		r.record.ErrorCode = string(pe.Code)
	}

	r.logger.Error("Pipeline state: failed",
		"from", from,
		"error_code", r.record.ErrorCode,
		"error", err,
		"duration_ms", r.record.ProcessingTimeMs)
	p.recordRun(ctx, r)
}

// recordRun writes the ledger entry; failures are logged, never returned
func (p *DocumentProcessor) recordRun(ctx context.Context, r *run) {
	if p.config.Recorder == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	record := r.record
	if err := p.config.Recorder.RecordRun(recordCtx, &record); err != nil {
		r.logger.Warn("Failed to record run", "error", err)
	}
}

// Stats reports pool usage and de-duplication state
func (p *DocumentProcessor) Stats() map[string]interface{} {
	return map[string]interface{}{
		"pool":          p.pool.Stats(),
		"in_flight":     p.flights.InFlight(),
		"engine":        p.executor.Engine(),
		"engine_active": p.executor.Active(),
	}
}
