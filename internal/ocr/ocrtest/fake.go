// Package ocrtest provides a deterministic recognition backend for tests.
package ocrtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adverant/nexus/fileprocess-extractor/internal/models"
	"github.com/adverant/nexus/fileprocess-extractor/internal/ocr"
)

// Backend derives text from the image hash so identical pages always yield
// identical results.
type Backend struct {
	Installed   []string
	EngineVer   string
	Confidence  float64
	IgnoreCtx   bool // keep sleeping past cancellation, like a cgo call
	Delay       time.Duration
	LanguageErr error

	mu        sync.Mutex
	pageDelay map[int]time.Duration
	pageErr   map[int]error
	workDirs  []string

	calls     atomic.Int64
	langCalls atomic.Int64
	active    atomic.Int64
	maxActive atomic.Int64
}

var _ ocr.Backend = (*Backend)(nil)

// New creates a fake backend with "eng" and "deu" installed
func New() *Backend {
	return &Backend{
		Installed:  []string{"eng", "deu"},
		EngineVer:  "fake-1.0",
		Confidence: 0.9,
		pageDelay:  map[int]time.Duration{},
		pageErr:    map[int]error{},
	}
}

// SlowPage makes every recognition of page index take d
func (b *Backend) SlowPage(index int, d time.Duration) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pageDelay[index] = d
	return b
}

// FailPage makes every recognition of page index fail with err
func (b *Backend) FailPage(index int, err error) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pageErr[index] = err
	return b
}

// Calls is the number of Recognize invocations so far
func (b *Backend) Calls() int { return int(b.calls.Load()) }

// LanguageCalls is the number of Languages invocations so far
func (b *Backend) LanguageCalls() int { return int(b.langCalls.Load()) }

// MaxActive is the highest number of concurrent Recognize calls observed
func (b *Backend) MaxActive() int { return int(b.maxActive.Load()) }

// WorkDirs returns the working directories seen, in call order
func (b *Backend) WorkDirs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.workDirs...)
}

func (b *Backend) Name() string    { return "fake" }
func (b *Backend) Version() string { return b.EngineVer }

func (b *Backend) Languages(ctx context.Context) ([]string, error) {
	b.langCalls.Add(1)
	if b.LanguageErr != nil {
		return nil, b.LanguageErr
	}
	return b.Installed, nil
}

func (b *Backend) Recognize(ctx context.Context, inv ocr.Invocation) (*models.PageResult, error) {
	b.calls.Add(1)
	active := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		peak := b.maxActive.Load()
		if active <= peak || b.maxActive.CompareAndSwap(peak, active) {
			break
		}
	}

	b.mu.Lock()
	delay := b.Delay
	if d, ok := b.pageDelay[inv.Page.Index]; ok {
		delay = d
	}
	failure := b.pageErr[inv.Page.Index]
	b.workDirs = append(b.workDirs, inv.WorkDir)
	b.mu.Unlock()

	if delay > 0 {
		if b.IgnoreCtx {
			time.Sleep(delay)
		} else {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if failure != nil {
		return nil, failure
	}

	sum := sha256.Sum256(inv.Page.Image)
	text := fmt.Sprintf("page %d text %s", inv.Page.Index, hex.EncodeToString(sum[:4]))

	return &models.PageResult{
		Index: inv.Page.Index,
		Text:  text,
		Blocks: []models.TextBlock{
			{
				Text:        text,
				BoundingBox: models.BoundingBox{X: 0, Y: 0, Width: inv.Page.Width, Height: inv.Page.Height},
				Confidence:  b.Confidence,
			},
		},
		Language: firstOr(inv.Languages, "eng"),
	}, nil
}

func firstOr(langs []string, def string) string {
	if len(langs) == 0 {
		return def
	}
	return langs[0]
}
