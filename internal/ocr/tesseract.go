/**
 * Tesseract OCR through the gosseract cgo bindings
 *
 * One client per invocation: a gosseract client is not safe for concurrent
 * use, and a fresh client keeps invocations independent of each other.
 */

package ocr

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/fileprocess-extractor/internal/models"
)

// TesseractBackend performs OCR with libtesseract
type TesseractBackend struct {
	versionOnce sync.Once
	version     string
}

// NewTesseractBackend creates the cgo backend
func NewTesseractBackend() *TesseractBackend {
	return &TesseractBackend{}
}

func (t *TesseractBackend) Name() string { return "tesseract" }

func (t *TesseractBackend) Version() string {
	t.versionOnce.Do(func() {
		t.version = strings.TrimSpace(gosseract.Version())
	})
	return t.version
}

func (t *TesseractBackend) Languages(ctx context.Context) ([]string, error) {
	langs, err := gosseract.GetAvailableLanguages()
	if err != nil {
		return nil, fmt.Errorf("failed to list tesseract languages: %w", err)
	}
	return langs, nil
}

// Recognize blocks until libtesseract returns. The cgo call cannot be
// interrupted, so ctx is only checked before it starts; the Executor
// enforces the deadline and keeps the engine slot until this returns.
func (t *TesseractBackend) Recognize(ctx context.Context, inv Invocation) (*models.PageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.recognize(inv)
}

func (t *TesseractBackend) recognize(inv Invocation) (*models.PageResult, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if len(inv.Languages) > 0 {
		if err := client.SetLanguage(inv.Languages...); err != nil {
			return nil, fmt.Errorf("set languages: %w", err)
		}
	}
	if inv.PageSegMode > 0 {
		if err := client.SetPageSegMode(gosseract.PageSegMode(inv.PageSegMode)); err != nil {
			return nil, fmt.Errorf("set page segmentation mode: %w", err)
		}
	}
	if inv.Page.DPI > 0 {
		if err := client.SetVariable(gosseract.SettableVariable("user_defined_dpi"), strconv.Itoa(inv.Page.DPI)); err != nil {
			return nil, fmt.Errorf("set dpi: %w", err)
		}
	}
	if err := client.SetImageFromBytes(inv.Page.Image); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("recognize text: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_BLOCK)
	if err != nil {
		return nil, fmt.Errorf("read block boxes: %w", err)
	}

	blocks := make([]models.TextBlock, 0, len(boxes))
	for _, b := range boxes {
		blocks = append(blocks, models.TextBlock{
			Text: strings.TrimSpace(b.Word),
			BoundingBox: models.BoundingBox{
				X:      b.Box.Min.X,
				Y:      b.Box.Min.Y,
				Width:  b.Box.Dx(),
				Height: b.Box.Dy(),
			},
			Confidence: b.Confidence / 100.0,
		})
	}

	return &models.PageResult{
		Index:    inv.Page.Index,
		Text:     strings.TrimSpace(text),
		Blocks:   blocks,
		Language: firstLanguage(inv.Languages),
	}, nil
}

func firstLanguage(langs []string) string {
	if len(langs) == 0 {
		return ""
	}
	return langs[0]
}
