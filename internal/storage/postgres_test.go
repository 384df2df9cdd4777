package storage

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/fileprocess-extractor/internal/errors"
	"github.com/adverant/nexus/fileprocess-extractor/internal/models"
)

func TestSanitizeConfidence(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0.9632000000000001, 0.9632},
		{0.12345, 0.1235},
		{1.5, 1.0},
		{-0.2, 0.0},
		{math.NaN(), 0.0},
		{0, 0},
		{1, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeConfidence(tt.in), "input %v", tt.in)
	}
}

func TestNewPostgresClientRequiresURL(t *testing.T) {
	_, err := NewPostgresClient("")
	assert.Error(t, err)
}

// newTestClient connects to TEST_DATABASE_URL or skips
func newTestClient(t *testing.T) *PostgresClient {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	client, err := NewPostgresClient(url)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.EnsureSchema(context.Background()))
	return client
}

func TestRecordAndGetRun(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	run := &models.RunRecord{
		RunID:            uuid.NewString(),
		DocumentID:       "abc123",
		CacheKey:         "def456",
		Filename:         "scan.png",
		MimeType:         models.MimePNG,
		Engine:           "tesseract/5.3.0",
		Params:           models.Params{DPI: 300, Languages: []string{"eng", "deu"}, PageSegMode: 3},
		Status:           models.RunCompleted,
		CacheStatus:      models.CacheMiss,
		PageCount:        2,
		Confidence:       0.87654321,
		ProcessingTimeMs: 1234,
		CreatedAt:        time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, client.RecordRun(ctx, run))

	got, err := client.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.DocumentID, got.DocumentID)
	assert.Equal(t, run.Params, got.Params)
	assert.Equal(t, 0.8765, got.Confidence)
	assert.True(t, run.CreatedAt.Equal(got.CreatedAt))

	// Recording again overwrites the outcome
	run.Status = models.RunFailed
	run.ErrorCode = "OCR_TIMEOUT"
	require.NoError(t, client.RecordRun(ctx, run))
	got, err = client.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, "OCR_TIMEOUT", got.ErrorCode)
}

func TestGetRunNotFound(t *testing.T) {
	client := newTestClient(t)

	_, err := client.GetRun(context.Background(), uuid.NewString())
	assert.Equal(t, errors.ErrorNotFound, errors.CodeOf(err))
}

func TestRecordRunRequiresIdentity(t *testing.T) {
	client := &PostgresClient{}
	assert.Error(t, client.RecordRun(context.Background(), &models.RunRecord{Status: models.RunCompleted}))
	assert.Error(t, client.RecordRun(context.Background(), &models.RunRecord{RunID: "x"}))
}
