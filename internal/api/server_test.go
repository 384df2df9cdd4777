package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/fileprocess-extractor/internal/cache"
	"github.com/adverant/nexus/fileprocess-extractor/internal/datadir"
	"github.com/adverant/nexus/fileprocess-extractor/internal/errors"
	"github.com/adverant/nexus/fileprocess-extractor/internal/models"
	"github.com/adverant/nexus/fileprocess-extractor/internal/normalizer"
	"github.com/adverant/nexus/fileprocess-extractor/internal/normalizer/normalizertest"
	"github.com/adverant/nexus/fileprocess-extractor/internal/ocr"
	"github.com/adverant/nexus/fileprocess-extractor/internal/ocr/ocrtest"
	"github.com/adverant/nexus/fileprocess-extractor/internal/processor"
	"github.com/adverant/nexus/fileprocess-extractor/internal/queue"
)

type fakeExtractor struct {
	mu       sync.Mutex
	requests []*processor.ExtractRequest
	err      error
}

func (f *fakeExtractor) Extract(ctx context.Context, req *processor.ExtractRequest) (*models.DocumentResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &models.DocumentResult{
		DocumentID:  models.ContentHash(req.Data),
		CacheKey:    "0123456789abcdef",
		PageCount:   1,
		Pages:       []models.PageResult{{Index: 1, Text: "hello world"}},
		Text:        "hello world",
		Confidence:  0.9,
		CacheStatus: models.CacheMiss,
	}, nil
}

func (f *fakeExtractor) last() *processor.ExtractRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeJobs struct {
	jobs map[string]*queue.ExtractJob
	err  error
}

func (f *fakeJobs) Enqueue(ctx context.Context, job *queue.ExtractJob) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	id := fmt.Sprintf("job-%d", len(f.jobs)+1)
	f.jobs[id] = job
	return id, nil
}

func (f *fakeJobs) Job(ctx context.Context, id string) (*queue.JobStatus, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError("job", id)
	}
	return &queue.JobStatus{
		ID:     id,
		State:  "completed",
		Job:    *job,
		Result: &queue.JobResult{CacheKey: "0123456789abcdef"},
	}, nil
}

type fakeResults map[string]*models.DocumentResult

func (f fakeResults) Lookup(ctx context.Context, key string) (*models.DocumentResult, bool) {
	r, ok := f[key]
	return r, ok
}

type fakeRuns map[string]*models.RunRecord

func (f fakeRuns) GetRun(ctx context.Context, id string) (*models.RunRecord, error) {
	if r, ok := f[id]; ok {
		return r, nil
	}
	return nil, errors.NewNotFoundError("run", id)
}

type testServer struct {
	*httptest.Server
	extractor *fakeExtractor
	jobs      *fakeJobs
	files     *datadir.Sandbox
}

func newTestServer(t *testing.T, mutate func(cfg *Config)) *testServer {
	t.Helper()
	files, err := datadir.New(t.TempDir())
	require.NoError(t, err)

	extractor := &fakeExtractor{}
	jobs := &fakeJobs{jobs: map[string]*queue.ExtractJob{}}
	cfg := Config{
		Extractor:     extractor,
		Files:         files,
		Jobs:          jobs,
		Results:       fakeResults{"0123456789abcdef": {DocumentID: "doc", Text: "cached"}},
		Runs:          fakeRuns{"run-1": {RunID: "run-1", Status: models.RunCompleted}},
		Stats:         func() map[string]interface{} { return map[string]interface{}{"in_flight": 0} },
		MaxUploadSize: 1024,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := httptest.NewServer(New(cfg).Handler())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, extractor: extractor, jobs: jobs, files: files}
}

func multipartBody(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeError(t *testing.T, resp *http.Response) errorPayload {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func TestExtractMultipartUpload(t *testing.T) {
	ts := newTestServer(t, nil)

	body, contentType := multipartBody(t, "scan.png", []byte("image bytes"))
	resp, err := http.Post(ts.URL+"/v1/extract?lang=eng,deu&dpi=300&psm=6", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result models.DocumentResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "hello world", result.Text)

	req := ts.extractor.last()
	assert.Equal(t, "scan.png", req.Filename)
	assert.Equal(t, []byte("image bytes"), req.Data)
	assert.Equal(t, models.Params{DPI: 300, Languages: []string{"eng", "deu"}, PageSegMode: 6}, req.Params)
}

func TestExtractRawBody(t *testing.T) {
	ts := newTestServer(t, nil)

	httpReq, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/extract?filename=page.tiff", strings.NewReader("raw"))
	require.NoError(t, err)
	httpReq.Header.Set("Content-Type", "image/tiff")
	httpReq.Header.Set("X-Request-ID", "req-42")

	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req := ts.extractor.last()
	assert.Equal(t, "req-42", req.RequestID)
	assert.Equal(t, "page.tiff", req.Filename)
	assert.Equal(t, "image/tiff", req.MimeType)
	assert.Equal(t, []byte("raw"), req.Data)
}

func TestExtractFromDataPathWritesOutput(t *testing.T) {
	ts := newTestServer(t, nil)
	_, err := ts.files.WriteFile("in/scan.png", []byte("stored"))
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/v1/extract?path=in/scan.png&output=out/scan.txt", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []byte("stored"), ts.extractor.last().Data)
	text, err := os.ReadFile(filepath.Join(ts.files.Root(), "out", "scan.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(text))
}

func TestExtractFromURL(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/v1/extract?url="+"http://files.example/scan.png", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req := ts.extractor.last()
	assert.Equal(t, "http://files.example/scan.png", req.FileURL)
	assert.Equal(t, "scan.png", req.Filename)
	assert.Empty(t, req.Data)
}

func TestExtractErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{errors.NewUnsupportedFormatError("d", "text/plain"), http.StatusUnsupportedMediaType},
		{errors.NewDocumentTooLargeError("d", 10, 5), http.StatusRequestEntityTooLarge},
		{errors.NewConfigurationError("languages", "unknown"), http.StatusBadRequest},
		{errors.NewNormalizationError("d", 0, fmt.Errorf("bad")), http.StatusUnprocessableEntity},
		{errors.NewOCRTimeoutError("d", 2, time.Second, nil), http.StatusGatewayTimeout},
		{errors.NewPipelineTimeoutError("d", time.Second, nil), http.StatusGatewayTimeout},
		{errors.NewOCRFailedError("d", 1, "tesseract", fmt.Errorf("crash")), http.StatusInternalServerError},
		{errors.NewCacheConflictError("k"), http.StatusInternalServerError},
		{fmt.Errorf("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			ts := newTestServer(t, func(cfg *Config) {
				cfg.Extractor = &fakeExtractor{err: tt.err}
			})

			resp, err := http.Post(ts.URL+"/v1/extract", "image/png", strings.NewReader("x"))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, decodeError(t, resp).Code)
		})
	}
}

func TestExtractErrorBodyCarriesPage(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.Extractor = &fakeExtractor{err: errors.NewOCRTimeoutError("doc-1", 3, time.Second, nil)}
	})

	resp, err := http.Post(ts.URL+"/v1/extract", "image/png", strings.NewReader("x"))
	require.NoError(t, err)
	defer resp.Body.Close()

	payload := decodeError(t, resp)
	assert.Equal(t, errors.ErrorOCRTimeout, payload.Code)
	assert.Equal(t, "doc-1", payload.DocumentID)
	assert.Equal(t, 3, payload.Page)
}

func TestExtractRejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		body   io.Reader
		status int
		code   errors.ErrorCode
	}{
		{"bad dpi", "/v1/extract?dpi=abc", strings.NewReader("x"), http.StatusBadRequest, errors.ErrorConfiguration},
		{"dpi out of range", "/v1/extract?dpi=5", strings.NewReader("x"), http.StatusBadRequest, errors.ErrorConfiguration},
		{"dpi zero", "/v1/extract?dpi=0", strings.NewReader("x"), http.StatusBadRequest, errors.ErrorConfiguration},
		{"bad psm", "/v1/extract?psm=99", strings.NewReader("x"), http.StatusBadRequest, errors.ErrorConfiguration},
		{"psm zero", "/v1/extract?psm=0", strings.NewReader("x"), http.StatusBadRequest, errors.ErrorConfiguration},
		{"negative psm", "/v1/extract?psm=-1", strings.NewReader("x"), http.StatusBadRequest, errors.ErrorConfiguration},
		{"too large", "/v1/extract", bytes.NewReader(make([]byte, 2048)), http.StatusRequestEntityTooLarge, errors.ErrorDocumentTooLarge},
		{"path escape", "/v1/extract?path=../../etc/passwd", nil, http.StatusForbidden, errors.ErrorPathNotAllowed},
		{"missing path", "/v1/extract?path=nope.png", nil, http.StatusNotFound, errors.ErrorNotFound},
		{"output escape", "/v1/extract?output=../out.txt", strings.NewReader("x"), http.StatusForbidden, errors.ErrorPathNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			resp, err := http.Post(ts.URL+tt.url, "image/png", tt.body)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decodeError(t, resp).Code)
		})
	}
}

func TestEnqueueUploadAndPoll(t *testing.T) {
	ts := newTestServer(t, nil)

	body, contentType := multipartBody(t, "scan.png", []byte("queued bytes"))
	resp, err := http.Post(ts.URL+"/v1/jobs?lang=deu", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	id := accepted["job_id"]
	require.NotEmpty(t, id)
	assert.Equal(t, "/v1/jobs/"+id, accepted["status_url"])

	job := ts.jobs.jobs[id]
	assert.Equal(t, []string{"deu"}, job.Params.Languages)
	assert.Equal(t, filepath.Join(ts.files.Root(), datadir.UploadsDir), filepath.Dir(job.Path))
	saved, err := os.ReadFile(job.Path)
	require.NoError(t, err)
	assert.Equal(t, "queued bytes", string(saved))

	statusResp, err := http.Get(ts.URL + "/v1/jobs/" + id)
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)

	var status struct {
		State    string                 `json:"state"`
		Document *models.DocumentResult `json:"document"`
	}
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	assert.Equal(t, "completed", status.State)
	require.NotNil(t, status.Document)
	assert.Equal(t, "cached", status.Document.Text)
}

func TestEnqueueByPath(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/v1/jobs?path=docs/a.pdf", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	job := ts.jobs.jobs["job-1"]
	assert.Equal(t, filepath.Join(ts.files.Root(), "docs", "a.pdf"), job.Path)
	assert.Equal(t, "a.pdf", job.Filename)

	resp, err = http.Post(ts.URL+"/v1/jobs?path=/etc/passwd", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOptionalEndpointsWithoutBackends(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.Jobs = nil
		cfg.Runs = nil
	})

	for _, path := range []string{"/v1/jobs/abc", "/v1/runs/abc"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
	}

	resp, err := http.Post(ts.URL+"/v1/jobs", "image/png", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetJobAndRunNotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{"/v1/jobs/missing", "/v1/runs/missing"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}

	resp, err := http.Get(ts.URL + "/v1/runs/run-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run models.RunRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, models.RunCompleted, run.Status)
}

func TestExtractByPathChecksSizeBeforeReading(t *testing.T) {
	ts := newTestServer(t, nil)
	_, err := ts.files.WriteFile("big.png", make([]byte, 2048))
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/v1/extract?path=big.png", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, errors.ErrorDocumentTooLarge, decodeError(t, resp).Code)
	assert.Empty(t, ts.extractor.requests)
}

func TestReadEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	_, err := ts.files.WriteFile("notes/a.txt", []byte("plain text"))
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/read?path=notes/a.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "plain text", string(data))

	for path, status := range map[string]int{
		"/read?path=/etc/passwd":  http.StatusForbidden,
		"/read?path=missing.txt":  http.StatusNotFound,
		"/read?path=../../secret": http.StatusForbidden,
	} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, status, resp.StatusCode, path)
	}
}

func TestHealthAndCORS(t *testing.T) {
	ts := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "stats")
}

func TestExtractEndToEndWithProcessor(t *testing.T) {
	backend := ocrtest.New()
	c, err := cache.Open(cache.Config{Backend: cache.BackendFile, Directory: t.TempDir()})
	require.NoError(t, err)
	defer c.Close()
	pool, err := processor.NewWorkerPool(2, nil)
	require.NoError(t, err)
	defer pool.Release(time.Second)

	proc, err := processor.NewDocumentProcessor(&processor.ProcessorConfig{
		Normalizer:    normalizer.New(normalizer.Config{MaxDocumentSize: 1 << 20, TempDir: t.TempDir()}),
		Executor:      ocr.NewExecutor(backend, ocr.ExecutorConfig{PageTimeout: 2 * time.Second, TempDir: t.TempDir()}),
		Cache:         c,
		Pool:          pool,
		DefaultParams: models.Params{DPI: 300, Languages: []string{"eng"}, PageSegMode: 3},
	})
	require.NoError(t, err)

	ts := newTestServer(t, func(cfg *Config) {
		cfg.Extractor = proc
		cfg.Results = c
		cfg.MaxUploadSize = 1 << 20
	})

	image := normalizertest.PNG(60, 20, 0xf0)
	statuses := []models.CacheStatus{models.CacheMiss, models.CacheHit}
	for _, want := range statuses {
		body, contentType := multipartBody(t, "scan.png", image)
		resp, err := http.Post(ts.URL+"/v1/extract", contentType, body)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result models.DocumentResult
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		resp.Body.Close()
		assert.Equal(t, want, result.CacheStatus)
		assert.Equal(t, 1, result.PageCount)
	}
	assert.Equal(t, 1, backend.Calls())
}
