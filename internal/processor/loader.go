package processor

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/adverant/nexus/fileprocess-extractor/internal/errors"
)

const (
	downloadMaxRetries     = 4
	downloadInitialBackoff = 500 * time.Millisecond
	downloadMaxBackoff     = 8 * time.Second
)

// loadFile returns the request bytes, downloading them when only a URL was given
func (p *DocumentProcessor) loadFile(ctx context.Context, req *ExtractRequest) ([]byte, error) {
	if len(req.Data) > 0 || req.FileURL == "" {
		return req.Data, nil
	}
	return p.downloadFileFromURL(ctx, req.RequestID, req.FileURL)
}

// downloadFileFromURL downloads a file with retry and a hard size limit.
// Client errors other than 408/429 are not retried.
func (p *DocumentProcessor) downloadFileFromURL(ctx context.Context, requestID string, fileURL string) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(float64(downloadInitialBackoff) * math.Pow(2, float64(attempt-2)))
			if backoff > downloadMaxBackoff {
				backoff = downloadMaxBackoff
			}
			p.logger.Info("Retrying download", "request_id", requestID, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		data, retry, err := p.downloadOnce(ctx, fileURL)
		if err == nil {
			p.logger.Info("Download successful", "request_id", requestID, "attempt", attempt, "bytes", len(data))
			return data, nil
		}
		if !retry || ctx.Err() != nil {
			return nil, err
		}

		lastErr = err
		p.logger.Warn("Download attempt failed", "request_id", requestID, "attempt", attempt, "error", err)
	}

	return nil, fmt.Errorf("failed to download file after %d attempts: %w", downloadMaxRetries, lastErr)
}

func (p *DocumentProcessor) downloadOnce(ctx context.Context, fileURL string) (data []byte, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("invalid file URL: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout
		return nil, retry, err
	}

	limit := p.config.MaxDocumentSize
	if limit > 0 && resp.ContentLength > limit {
		return nil, false, errors.NewDocumentTooLargeError("", resp.ContentLength, limit)
	}

	reader := io.Reader(resp.Body)
	if limit > 0 {
		// One extra byte tells an exact-size file from an oversized one
		reader = io.LimitReader(resp.Body, limit+1)
	}
	data, err = io.ReadAll(reader)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, false, errors.NewDocumentTooLargeError("", int64(len(data)), limit)
	}
	return data, false, nil
}
