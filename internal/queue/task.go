package queue

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/fileprocess-extractor/internal/models"
)

// TypeExtractDocument is the asynq task type for one extraction
const TypeExtractDocument = "extract:document"

// ExtractJob is the task payload. Uploaded bytes are never queued; the
// document is saved into the data directory first and referenced by path.
type ExtractJob struct {
	ID       string        `json:"id"`
	Path     string        `json:"path"`
	Filename string        `json:"filename,omitempty"`
	MimeType string        `json:"mime_type,omitempty"`
	Params   models.Params `json:"params"`
}

// JobResult is what a completed task writes back: a pointer into the
// extraction cache, not the result itself.
type JobResult struct {
	DocumentID  string             `json:"document_id"`
	CacheKey    string             `json:"cache_key"`
	PageCount   int                `json:"page_count"`
	Confidence  float64            `json:"confidence"`
	CacheStatus models.CacheStatus `json:"cache_status"`
}

// JobStatus is the externally visible state of a queued extraction
type JobStatus struct {
	ID       string     `json:"id"`
	State    string     `json:"state"`
	Retried  int        `json:"retried"`
	MaxRetry int        `json:"max_retry"`
	Error    string     `json:"error,omitempty"`
	Job      ExtractJob `json:"job"`
	Result   *JobResult `json:"result,omitempty"`
}

func newJobResult(r *models.DocumentResult) *JobResult {
	return &JobResult{
		DocumentID:  r.DocumentID,
		CacheKey:    r.CacheKey,
		PageCount:   r.PageCount,
		Confidence:  r.Confidence,
		CacheStatus: r.CacheStatus,
	}
}

// statusFromTaskInfo maps asynq's view of a task to a JobStatus
func statusFromTaskInfo(info *asynq.TaskInfo) (*JobStatus, error) {
	status := &JobStatus{
		ID:       info.ID,
		State:    info.State.String(),
		Retried:  info.Retried,
		MaxRetry: info.MaxRetry,
		Error:    info.LastErr,
	}
	if err := json.Unmarshal(info.Payload, &status.Job); err != nil {
		return nil, fmt.Errorf("failed to decode job payload: %w", err)
	}
	if len(info.Result) > 0 {
		var result JobResult
		if err := json.Unmarshal(info.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to decode job result: %w", err)
		}
		status.Result = &result
	}
	return status, nil
}
