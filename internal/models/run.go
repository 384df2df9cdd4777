package models

import "time"

// Run statuses
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RunRecord is the ledger entry for one pipeline run
type RunRecord struct {
	RunID            string      `json:"run_id"`
	DocumentID       string      `json:"document_id,omitempty"`
	CacheKey         string      `json:"cache_key,omitempty"`
	Filename         string      `json:"filename,omitempty"`
	MimeType         string      `json:"mime_type,omitempty"`
	Engine           string      `json:"engine,omitempty"`
	Params           Params      `json:"params"`
	Status           string      `json:"status"`
	CacheStatus      CacheStatus `json:"cache_status,omitempty"`
	PageCount        int         `json:"page_count"`
	Confidence       float64     `json:"confidence"`
	ErrorCode        string      `json:"error_code,omitempty"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	ProcessingTimeMs int64       `json:"processing_time_ms"`
	CreatedAt        time.Time   `json:"created_at"`
}
