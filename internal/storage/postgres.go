/**
 * PostgreSQL Run Ledger
 *
 * Records one row per pipeline run (success or failure) in extraction.runs.
 * The ledger is write-mostly and best-effort: the processor never fails a
 * request because a row could not be written.
 */

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"

	"github.com/adverant/nexus/fileprocess-extractor/internal/errors"
	"github.com/adverant/nexus/fileprocess-extractor/internal/models"
)

// PostgresClient handles ledger operations
type PostgresClient struct {
	db *sql.DB
}

const schemaDDL = `
	CREATE SCHEMA IF NOT EXISTS extraction;

	CREATE TABLE IF NOT EXISTS extraction.runs (
		run_id             TEXT PRIMARY KEY,
		document_id        TEXT,
		cache_key          TEXT,
		filename           TEXT,
		mime_type          TEXT,
		engine             TEXT,
		dpi                INTEGER,
		languages          TEXT[],
		page_seg_mode      INTEGER,
		status             TEXT NOT NULL,
		cache_status       TEXT,
		page_count         INTEGER NOT NULL DEFAULT 0,
		confidence         NUMERIC(5,4),
		error_code         TEXT,
		error_message      TEXT,
		processing_time_ms BIGINT NOT NULL DEFAULT 0,
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS runs_document_id_idx ON extraction.runs (document_id);
`

// sanitizeConfidence rounds confidence to 4 decimal places and clamps it to
// [0.0, 1.0] so it always fits NUMERIC(5,4).
func sanitizeConfidence(confidence float64) float64 {
	if math.IsNaN(confidence) || confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the ledger schema and table if missing
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return nil
}

// RecordRun inserts or updates the ledger row for run
func (p *PostgresClient) RecordRun(ctx context.Context, run *models.RunRecord) error {
	if run.RunID == "" {
		return fmt.Errorf("run ID is required")
	}
	if run.Status == "" {
		return fmt.Errorf("status is required")
	}

	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	// A run may be recorded twice when a queued task is retried; the latest
	// outcome wins.
	query := `
		INSERT INTO extraction.runs (
			run_id, document_id, cache_key, filename, mime_type, engine,
			dpi, languages, page_seg_mode,
			status, cache_status, page_count, confidence,
			error_code, error_message, processing_time_ms,
			created_at, updated_at
		) VALUES (
			$1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
			NULLIF($7, 0), $8, $9,
			$10, NULLIF($11, ''), $12, $13::NUMERIC(5,4),
			NULLIF($14, ''), NULLIF($15, ''), $16,
			$17, NOW()
		)
		ON CONFLICT (run_id) DO UPDATE SET
			document_id = COALESCE(EXCLUDED.document_id, extraction.runs.document_id),
			cache_key = COALESCE(EXCLUDED.cache_key, extraction.runs.cache_key),
			filename = COALESCE(EXCLUDED.filename, extraction.runs.filename),
			mime_type = COALESCE(EXCLUDED.mime_type, extraction.runs.mime_type),
			engine = COALESCE(EXCLUDED.engine, extraction.runs.engine),
			dpi = COALESCE(EXCLUDED.dpi, extraction.runs.dpi),
			languages = EXCLUDED.languages,
			page_seg_mode = EXCLUDED.page_seg_mode,
			status = EXCLUDED.status,
			cache_status = EXCLUDED.cache_status,
			page_count = EXCLUDED.page_count,
			confidence = EXCLUDED.confidence,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			processing_time_ms = EXCLUDED.processing_time_ms,
			updated_at = NOW()
	`

	_, err := p.db.ExecContext(
		ctx,
		query,
		run.RunID,                          // $1
		run.DocumentID,                     // $2
		run.CacheKey,                       // $3
		run.Filename,                       // $4
		run.MimeType,                       // $5
		run.Engine,                         // $6
		run.Params.DPI,                     // $7
		pq.Array(run.Params.Languages),     // $8
		run.Params.PageSegMode,             // $9
		run.Status,                         // $10
		string(run.CacheStatus),            // $11
		run.PageCount,                      // $12
		sanitizeConfidence(run.Confidence), // $13
		run.ErrorCode,                      // $14
		run.ErrorMessage,                   // $15
		run.ProcessingTimeMs,               // $16
		createdAt,                          // $17
	)
	if err != nil {
		return fmt.Errorf("failed to record run (run=%s, status=%s): %w", run.RunID, run.Status, err)
	}

	return nil
}

// GetRun retrieves a ledger row by run ID
func (p *PostgresClient) GetRun(ctx context.Context, runID string) (*models.RunRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	query := `
		SELECT
			run_id, document_id, cache_key, filename, mime_type, engine,
			dpi, languages, page_seg_mode,
			status, cache_status, page_count, confidence,
			error_code, error_message, processing_time_ms, created_at
		FROM extraction.runs
		WHERE run_id = $1
	`

	var (
		run                                          models.RunRecord
		documentID, cacheKey, filename, mimeType     sql.NullString
		engine, cacheStatus, errorCode, errorMessage sql.NullString
		dpi, pageSegMode                             sql.NullInt64
		languages                                    pq.StringArray
		confidence                                   sql.NullFloat64
	)

	err := p.db.QueryRowContext(ctx, query, runID).Scan(
		&run.RunID, &documentID, &cacheKey, &filename, &mimeType, &engine,
		&dpi, &languages, &pageSegMode,
		&run.Status, &cacheStatus, &run.PageCount, &confidence,
		&errorCode, &errorMessage, &run.ProcessingTimeMs, &run.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("run", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.DocumentID = documentID.String
	run.CacheKey = cacheKey.String
	run.Filename = filename.String
	run.MimeType = mimeType.String
	run.Engine = engine.String
	run.Params = models.Params{
		DPI:         int(dpi.Int64),
		Languages:   []string(languages),
		PageSegMode: int(pageSegMode.Int64),
	}
	run.CacheStatus = models.CacheStatus(cacheStatus.String)
	run.Confidence = confidence.Float64
	run.ErrorCode = errorCode.String
	run.ErrorMessage = errorMessage.String
	run.CreatedAt = run.CreatedAt.UTC()

	return &run, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
