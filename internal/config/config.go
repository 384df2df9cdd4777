/**
 * Configuration for the extraction service
 *
 * Sources, lowest precedence first: built-in defaults, an optional TOML file
 * named by CONFIG_FILE, then environment variables (a .env file is loaded by
 * main before LoadConfig runs).
 */

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/adverant/nexus/fileprocess-extractor/internal/models"
)

// Config holds service configuration
type Config struct {
	// HTTP configuration
	Port int `toml:"port" validate:"min=1,max=65535"`

	// Persistent data directory; all path based access is confined here
	DataDir string `toml:"data_dir" validate:"required"`

	// Extraction cache
	CacheDirectory string `toml:"cache_directory" validate:"required"`
	CacheBackend   string `toml:"cache_backend" validate:"oneof=file badger"`

	// Scratch space for rendered pages and engine working directories
	TempDir string `toml:"temp_dir" validate:"required"`

	// Normalizer
	MaxDocumentSize int64  `toml:"max_document_size" validate:"min=1024,max=10737418240"`
	RenderDPI       int    `toml:"render_dpi" validate:"min=50,max=1200"`
	RendererPath    string `toml:"renderer_path" validate:"required"`

	// OCR executor
	OCRBackend         string   `toml:"ocr_backend" validate:"oneof=tesseract tesseract-cli"`
	OCRLanguages       []string `toml:"ocr_languages" validate:"min=1,dive,required"`
	OCRPageSegMode     int      `toml:"ocr_page_seg_mode" validate:"min=1,max=13"`
	TesseractPath      string   `toml:"tesseract_path" validate:"required"`
	PageTimeoutSeconds int      `toml:"page_timeout_seconds" validate:"min=1,max=3600"`
	PageRetries        int      `toml:"page_retries" validate:"min=0,max=5"`

	// Orchestrator
	DocumentTimeoutSeconds int `toml:"document_timeout_seconds" validate:"min=1,max=86400"`
	MaxConcurrentPages     int `toml:"max_concurrent_pages" validate:"min=1,max=1024"`

	// Async queue (disabled when RedisURL is empty)
	RedisURL          string `toml:"redis_url"`
	QueueName         string `toml:"queue_name" validate:"required"`
	WorkerConcurrency int    `toml:"worker_concurrency" validate:"min=1,max=100"`

	// Run ledger (disabled when DatabaseURL is empty)
	DatabaseURL string `toml:"database_url"`

	LogLevel string `toml:"log_level" validate:"oneof=debug info warn error"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Port:                   8000,
		DataDir:                "/data",
		CacheDirectory:         "/data/cache",
		CacheBackend:           "file",
		TempDir:                filepath.Join(os.TempDir(), "extractor"),
		MaxDocumentSize:        50 * 1024 * 1024, // 50MB
		RenderDPI:              200,
		RendererPath:           "pdftoppm",
		OCRBackend:             "tesseract",
		OCRLanguages:           []string{"eng"},
		OCRPageSegMode:         3,
		TesseractPath:          "tesseract",
		PageTimeoutSeconds:     30,
		PageRetries:            1,
		DocumentTimeoutSeconds: 300,
		MaxConcurrentPages:     runtime.NumCPU(),
		QueueName:              "extract",
		WorkerConcurrency:      2,
		LogLevel:               "info",
	}
}

// LoadConfig loads configuration from defaults, CONFIG_FILE and the environment
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			n, convErr := strconv.Atoi(v)
			if convErr != nil {
				err = fmt.Errorf("%s must be an integer, got %q", key, v)
				return
			}
			*dst = n
		}
	}

	setInt("PORT", &c.Port)
	setString("DATA_DIR", &c.DataDir)
	setString("CACHE_DIRECTORY", &c.CacheDirectory)
	setString("CACHE_BACKEND", &c.CacheBackend)
	setString("TEMP_DIR", &c.TempDir)
	setInt("RENDER_DPI", &c.RenderDPI)
	setString("RENDERER_PATH", &c.RendererPath)
	setString("OCR_BACKEND", &c.OCRBackend)
	setInt("OCR_PAGE_SEG_MODE", &c.OCRPageSegMode)
	setString("TESSERACT_PATH", &c.TesseractPath)
	setInt("PAGE_TIMEOUT_SECONDS", &c.PageTimeoutSeconds)
	setInt("PAGE_RETRIES", &c.PageRetries)
	setInt("DOCUMENT_TIMEOUT_SECONDS", &c.DocumentTimeoutSeconds)
	setInt("MAX_CONCURRENT_PAGES", &c.MaxConcurrentPages)
	setString("REDIS_URL", &c.RedisURL)
	setString("QUEUE_NAME", &c.QueueName)
	setInt("WORKER_CONCURRENCY", &c.WorkerConcurrency)
	setString("DATABASE_URL", &c.DatabaseURL)
	setString("LOG_LEVEL", &c.LogLevel)
	if err != nil {
		return err
	}

	if v := os.Getenv("MAX_DOCUMENT_SIZE"); v != "" {
		n, convErr := strconv.ParseInt(v, 10, 64)
		if convErr != nil {
			return fmt.Errorf("MAX_DOCUMENT_SIZE must be an integer, got %q", v)
		}
		c.MaxDocumentSize = n
	}

	if v := os.Getenv("OCR_LANGUAGES"); v != "" {
		c.OCRLanguages = ParseLanguages(v)
	}

	c.LogLevel = strings.ToLower(c.LogLevel)
	return nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.DocumentTimeoutSeconds < c.PageTimeoutSeconds {
		return fmt.Errorf("DOCUMENT_TIMEOUT_SECONDS (%d) must be at least PAGE_TIMEOUT_SECONDS (%d)",
			c.DocumentTimeoutSeconds, c.PageTimeoutSeconds)
	}

	return nil
}

// PageTimeout is the per-page OCR limit
func (c *Config) PageTimeout() time.Duration {
	return time.Duration(c.PageTimeoutSeconds) * time.Second
}

// DocumentTimeout is the whole-pipeline limit
func (c *Config) DocumentTimeout() time.Duration {
	return time.Duration(c.DocumentTimeoutSeconds) * time.Second
}

// DefaultParams are the processing parameters used when a request gives none
func (c *Config) DefaultParams() models.Params {
	return models.Params{
		DPI:         c.RenderDPI,
		Languages:   append([]string(nil), c.OCRLanguages...),
		PageSegMode: c.OCRPageSegMode,
	}
}

// QueueEnabled reports whether async jobs are configured
func (c *Config) QueueEnabled() bool {
	return c.RedisURL != ""
}

// LedgerEnabled reports whether the Postgres run ledger is configured
func (c *Config) LedgerEnabled() bool {
	return c.DatabaseURL != ""
}

// ParseLanguages splits a language list written as "eng,deu" or "eng+deu"
func ParseLanguages(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == '+' || r == ' '
	})
	langs := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			langs = append(langs, f)
		}
	}
	return langs
}
