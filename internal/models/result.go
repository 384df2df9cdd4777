package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// CacheStatus reports whether a DocumentResult came from the extraction cache
type CacheStatus string

const (
	CacheHit  CacheStatus = "hit"
	CacheMiss CacheStatus = "miss"
)

// Page is one rendered unit of a Document, the unit of OCR parallelism.
// Pages are transient and owned by a single pipeline run.
type Page struct {
	Index  int    // 1-based, source order
	Image  []byte // encoded raster (PNG or JPEG)
	Format string // "png" or "jpeg"
	Width  int    // pixels
	Height int    // pixels
	DPI    int
}

// WidthInches returns the physical page width at the rendering DPI
func (p Page) WidthInches() float64 {
	if p.DPI <= 0 {
		return 0
	}
	return float64(p.Width) / float64(p.DPI)
}

// HeightInches returns the physical page height at the rendering DPI
func (p Page) HeightInches() float64 {
	if p.DPI <= 0 {
		return 0
	}
	return float64(p.Height) / float64(p.DPI)
}

// BoundingBox represents coordinates of a region in page pixels
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Union returns the smallest box covering b and o. Zero boxes are ignored.
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	if b.Width == 0 && b.Height == 0 {
		return o
	}
	if o.Width == 0 && o.Height == 0 {
		return b
	}
	minX, minY := min(b.X, o.X), min(b.Y, o.Y)
	maxX := max(b.X+b.Width, o.X+o.Width)
	maxY := max(b.Y+b.Height, o.Y+o.Height)
	return BoundingBox{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// TextBlock is a recognized region of text in reading order
type TextBlock struct {
	Text        string      `json:"text"`
	BoundingBox BoundingBox `json:"bounding_box"`
	Confidence  float64     `json:"confidence"`
}

// Weight is the block's contribution to length-weighted confidence
func (b TextBlock) Weight() int {
	return utf8.RuneCountInString(strings.TrimSpace(b.Text))
}

// PageResult is the OCR output for one page. Immutable once produced.
type PageResult struct {
	Index      int         `json:"index"`
	Text       string      `json:"text"`
	Blocks     []TextBlock `json:"blocks"`
	Language   string      `json:"language"`
	Confidence float64     `json:"confidence"`
}

// DocumentResult is the aggregated extraction output for a document.
// Immutable once finalized; written once to the extraction cache.
type DocumentResult struct {
	DocumentID       string       `json:"document_id"`
	CacheKey         string       `json:"cache_key"`
	MimeType         string       `json:"mime_type"`
	Params           Params       `json:"params"`
	Engine           string       `json:"engine"`
	PageCount        int          `json:"page_count"`
	Pages            []PageResult `json:"pages"`
	Text             string       `json:"text"`
	Confidence       float64      `json:"confidence"`
	ProcessingTimeMs int64        `json:"processing_time_ms"`
	CreatedAt        time.Time    `json:"created_at"`
	CacheStatus      CacheStatus  `json:"cache_status,omitempty"`
}

// WithCacheStatus returns a shallow copy carrying status
func (r *DocumentResult) WithCacheStatus(status CacheStatus) *DocumentResult {
	out := *r
	out.CacheStatus = status
	return &out
}

// WeightedConfidence computes the length-weighted mean confidence of blocks.
// Blocks without text carry no weight; no weight at all yields 0.0.
func WeightedConfidence(blocks []TextBlock) (sum float64, weight int) {
	for _, b := range blocks {
		w := b.Weight()
		if w == 0 {
			continue
		}
		sum += ClampConfidence(b.Confidence) * float64(w)
		weight += w
	}
	return sum, weight
}

// ClampConfidence bounds c to [0.0, 1.0]
func ClampConfidence(c float64) float64 {
	if c != c || c < 0 { // NaN or negative
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
