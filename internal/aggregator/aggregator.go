// Package aggregator merges per-page OCR output into a DocumentResult.
//
// Aggregate is pure: it performs no I/O and reads no clock, so the same
// input always produces the same result.
package aggregator

import (
	"sort"
	"strings"
	"time"

	"github.com/adverant/nexus/fileprocess-extractor/internal/errors"
	"github.com/adverant/nexus/fileprocess-extractor/internal/models"
)

// pageSeparator joins page texts in the document text
const pageSeparator = "\n\n"

// Input is everything needed to finalize a DocumentResult
type Input struct {
	Document  *models.Document
	CacheKey  string
	Params    models.Params
	Engine    string
	Pages     []*models.PageResult // any order
	Elapsed   time.Duration
	CreatedAt time.Time
}

// Aggregate orders pages by index and computes the document text and
// length-weighted confidence. Page indices must be exactly 1..N.
func Aggregate(in Input) (*models.DocumentResult, error) {
	docID := in.Document.ID

	pages := make([]models.PageResult, 0, len(in.Pages))
	for _, p := range in.Pages {
		if p == nil {
			return nil, errors.NewAggregationError(docID, 0, "nil page result")
		}
		pages = append(pages, *p)
	}
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].Index < pages[j].Index })

	for i, p := range pages {
		want := i + 1
		switch {
		case p.Index == want:
		case p.Index < 1:
			return nil, errors.NewAggregationError(docID, p.Index, "page index out of range")
		case p.Index < want:
			return nil, errors.NewAggregationError(docID, p.Index, "duplicate page index")
		default:
			return nil, errors.NewAggregationError(docID, want, "missing page index")
		}
	}

	var (
		sum    float64
		weight int
		texts  = make([]string, len(pages))
	)
	for i, p := range pages {
		s, w := models.WeightedConfidence(p.Blocks)
		sum += s
		weight += w
		texts[i] = p.Text
	}

	var confidence float64
	if weight > 0 {
		confidence = models.ClampConfidence(sum / float64(weight))
	}

	return &models.DocumentResult{
		DocumentID:       docID,
		CacheKey:         in.CacheKey,
		MimeType:         in.Document.MimeType,
		Params:           in.Params,
		Engine:           in.Engine,
		PageCount:        len(pages),
		Pages:            pages,
		Text:             strings.Join(texts, pageSeparator),
		Confidence:       confidence,
		ProcessingTimeMs: in.Elapsed.Milliseconds(),
		CreatedAt:        in.CreatedAt,
	}, nil
}
