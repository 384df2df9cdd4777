package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "PORT", "DATA_DIR", "CACHE_DIRECTORY", "CACHE_BACKEND", "TEMP_DIR",
		"MAX_DOCUMENT_SIZE", "RENDER_DPI", "RENDERER_PATH", "OCR_BACKEND", "OCR_LANGUAGES",
		"OCR_PAGE_SEG_MODE", "TESSERACT_PATH", "PAGE_TIMEOUT_SECONDS", "PAGE_RETRIES",
		"DOCUMENT_TIMEOUT_SECONDS", "MAX_CONCURRENT_PAGES", "REDIS_URL", "QUEUE_NAME",
		"WORKER_CONCURRENCY", "DATABASE_URL", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "/data", cfg.DataDir)
	assert.Equal(t, "/data/cache", cfg.CacheDirectory)
	assert.Equal(t, int64(50*1024*1024), cfg.MaxDocumentSize)
	assert.Equal(t, 200, cfg.RenderDPI)
	assert.Equal(t, []string{"eng"}, cfg.OCRLanguages)
	assert.Equal(t, 30*time.Second, cfg.PageTimeout())
	assert.Equal(t, 300*time.Second, cfg.DocumentTimeout())
	assert.GreaterOrEqual(t, cfg.MaxConcurrentPages, 1)
	assert.False(t, cfg.QueueEnabled())
	assert.False(t, cfg.LedgerEnabled())
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("OCR_LANGUAGES", "eng+deu, fra")
	t.Setenv("MAX_DOCUMENT_SIZE", "1048576")
	t.Setenv("CACHE_BACKEND", "badger")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, []string{"eng", "deu", "fra"}, cfg.OCRLanguages)
	assert.Equal(t, int64(1048576), cfg.MaxDocumentSize)
	assert.Equal(t, "badger", cfg.CacheBackend)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.QueueEnabled())
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "extractor.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
render_dpi = 300
ocr_languages = ["deu"]
page_timeout_seconds = 10
queue_name = "ocr"
`), 0o644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("QUEUE_NAME", "from-env")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 300, cfg.RenderDPI)
	assert.Equal(t, []string{"deu"}, cfg.OCRLanguages)
	assert.Equal(t, 10, cfg.PageTimeoutSeconds)
	assert.Equal(t, "from-env", cfg.QueueName)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"non integer port", "PORT", "eighty"},
		{"dpi too low", "RENDER_DPI", "10"},
		{"unknown cache backend", "CACHE_BACKEND", "memcached"},
		{"unknown ocr backend", "OCR_BACKEND", "abbyy"},
		{"document timeout below page timeout", "DOCUMENT_TIMEOUT_SECONDS", "5"},
		{"unknown log level", "LOG_LEVEL", "verbose"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)

			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestDefaultParamsCopiesLanguages(t *testing.T) {
	cfg := Default()
	params := cfg.DefaultParams()
	params.Languages[0] = "xxx"

	assert.Equal(t, "eng", cfg.OCRLanguages[0])
	assert.Equal(t, 200, params.DPI)
	assert.Equal(t, 3, params.PageSegMode)
}

func TestParseLanguages(t *testing.T) {
	assert.Equal(t, []string{"eng", "deu"}, ParseLanguages("eng,deu"))
	assert.Equal(t, []string{"eng", "deu"}, ParseLanguages(" eng + deu "))
	assert.Empty(t, ParseLanguages(" , "))
}
