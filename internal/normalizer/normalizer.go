/**
 * Document Normalizer - turns an accepted document into 1-indexed page rasters
 *
 * PNG and JPEG pass through untouched, every TIFF image is re-encoded as a
 * PNG page in directory order, and PDF is
 * validated with pdfcpu then rasterized by an external renderer inside a
 * scoped working directory that is removed on every exit path.
 */

package normalizer

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder for DecodeConfig
	"image/png"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/image/tiff"

	"github.com/adverant/nexus/fileprocess-extractor/internal/errors"
	"github.com/adverant/nexus/fileprocess-extractor/internal/logging"
	"github.com/adverant/nexus/fileprocess-extractor/internal/models"
)

// Config holds normalizer configuration
type Config struct {
	MaxDocumentSize int64
	TempDir         string
	Renderer        Renderer
	Logger          *logging.Logger
}

// Normalizer converts documents into ordered page images
type Normalizer struct {
	maxSize  int64
	tempDir  string
	renderer Renderer
	logger   *logging.Logger
}

// New creates a Normalizer. A nil renderer means PDFs cannot be rasterized.
func New(cfg Config) *Normalizer {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Normalizer{
		maxSize:  cfg.MaxDocumentSize,
		tempDir:  cfg.TempDir,
		renderer: cfg.Renderer,
		logger:   logger,
	}
}

// Normalize renders doc into pages in source order. A zero-byte document
// yields no pages. Any failure is a whole-document failure.
func (n *Normalizer) Normalize(ctx context.Context, doc *models.Document, params models.Params) ([]models.Page, error) {
	if n.maxSize > 0 && doc.Size > n.maxSize {
		return nil, errors.NewDocumentTooLargeError(doc.ID, doc.Size, n.maxSize)
	}
	if doc.Size == 0 {
		return []models.Page{}, nil
	}

	switch doc.MimeType {
	case models.MimePNG, models.MimeJPEG:
		page, err := rasterPage(doc.Data, params.DPI)
		if err != nil {
			return nil, errors.NewNormalizationError(doc.ID, 0, err)
		}
		return []models.Page{page}, nil

	case models.MimeTIFF:
		return n.normalizeTIFF(ctx, doc, params.DPI)

	case models.MimePDF:
		return n.normalizePDF(ctx, doc, params.DPI)

	default:
		return nil, errors.NewUnsupportedFormatError(doc.ID, doc.MimeType)
	}
}

func (n *Normalizer) normalizePDF(ctx context.Context, doc *models.Document, dpi int) ([]models.Page, error) {
	pageCount, err := pdfPageCount(doc.Data)
	if err != nil {
		return nil, errors.NewNormalizationError(doc.ID, 0, err)
	}
	if pageCount == 0 {
		return []models.Page{}, nil
	}
	if n.renderer == nil {
		return nil, errors.NewNormalizationError(doc.ID, 0, fmt.Errorf("no PDF renderer configured"))
	}

	if n.tempDir != "" {
		if err := os.MkdirAll(n.tempDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create temp directory: %w", err)
		}
	}
	workDir, err := os.MkdirTemp(n.tempDir, "normalize-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			n.logger.Warn("Failed to remove working directory", "dir", workDir, "error", err)
		}
	}()

	pdfPath := filepath.Join(workDir, "document.pdf")
	if err := os.WriteFile(pdfPath, doc.Data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write document: %w", err)
	}

	files, err := n.renderer.Render(ctx, pdfPath, workDir, dpi)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewNormalizationError(doc.ID, len(files), err)
	}
	if len(files) != pageCount {
		return nil, errors.NewNormalizationError(doc.ID, len(files),
			fmt.Errorf("renderer produced %d page(s), document has %d", len(files), pageCount))
	}

	pages := make([]models.Page, 0, pageCount)
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(file)
		if err != nil {
			return nil, errors.NewNormalizationError(doc.ID, len(pages), err)
		}
		page, err := rasterPage(data, dpi)
		if err != nil {
			return nil, errors.NewNormalizationError(doc.ID, len(pages), err)
		}
		page.Index = len(pages) + 1
		pages = append(pages, page)
	}

	n.logger.Debug("PDF rasterized", "document_id", doc.ID, "pages", len(pages), "dpi", dpi)
	return pages, nil
}

// pdfPageCount validates the PDF structure and returns its page count
func pdfPageCount(data []byte) (count int, err error) {
	// pdfcpu panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pdfCtx, err := api.ReadContext(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("failed to read PDF: %w", err)
	}
	if err := api.ValidateContext(pdfCtx); err != nil {
		return 0, fmt.Errorf("invalid PDF: %w", err)
	}
	return pdfCtx.PageCount, nil
}

// rasterPage wraps already encoded PNG/JPEG bytes as page 1
func rasterPage(data []byte, dpi int) (models.Page, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return models.Page{}, fmt.Errorf("failed to decode image: %w", err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return models.Page{}, fmt.Errorf("image has zero dimensions")
	}
	return models.Page{
		Index:  1,
		Image:  data,
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
		DPI:    dpi,
	}, nil
}

func (n *Normalizer) normalizeTIFF(ctx context.Context, doc *models.Document, dpi int) ([]models.Page, error) {
	offsets, err := tiffDirectories(doc.Data)
	if err != nil {
		return nil, errors.NewNormalizationError(doc.ID, 0, err)
	}

	pages := make([]models.Page, 0, len(offsets))
	for _, offset := range offsets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := tiffPage(doc.Data, offset, dpi)
		if err != nil {
			return nil, errors.NewNormalizationError(doc.ID, len(pages), err)
		}
		page.Index = len(pages) + 1
		pages = append(pages, page)
	}

	n.logger.Debug("TIFF decoded", "document_id", doc.ID, "pages", len(pages))
	return pages, nil
}

const maxTIFFDirectories = 10000

// tiffDirectories walks the image file directory chain and returns the
// offset of every directory in file order
func tiffDirectories(data []byte) ([]uint32, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("TIFF header truncated")
	}

	var order binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("invalid TIFF byte order")
	}
	if order.Uint16(data[2:4]) != 42 {
		return nil, fmt.Errorf("unsupported TIFF variant")
	}

	var offsets []uint32
	seen := map[uint32]bool{}
	for offset := order.Uint32(data[4:8]); offset != 0; {
		if seen[offset] {
			return nil, fmt.Errorf("TIFF directory loop at offset %d", offset)
		}
		if len(offsets) >= maxTIFFDirectories {
			return nil, fmt.Errorf("TIFF has more than %d images", maxTIFFDirectories)
		}
		if uint64(offset)+2 > uint64(len(data)) {
			return nil, fmt.Errorf("TIFF directory %d out of bounds", len(offsets)+1)
		}
		seen[offset] = true
		offsets = append(offsets, offset)

		entries := uint64(order.Uint16(data[offset : offset+2]))
		next := uint64(offset) + 2 + entries*12
		if next+4 > uint64(len(data)) {
			return nil, fmt.Errorf("TIFF directory %d truncated", len(offsets))
		}
		offset = order.Uint32(data[next : next+4])
	}
	if len(offsets) == 0 {
		return nil, fmt.Errorf("TIFF has no images")
	}
	return offsets, nil
}

// tiffPage decodes the image whose directory starts at offset and
// re-encodes it as PNG. The decoder only reads the first directory, so the
// header is pointed at the one wanted.
func tiffPage(data []byte, offset uint32, dpi int) (models.Page, error) {
	src := data
	if first := tiffFirstDirectory(data); first != offset {
		src = make([]byte, len(data))
		copy(src, data)
		tiffByteOrder(data).PutUint32(src[4:8], offset)
	}

	img, err := tiff.Decode(bytes.NewReader(src))
	if err != nil {
		return models.Page{}, fmt.Errorf("failed to decode TIFF: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return models.Page{}, fmt.Errorf("failed to encode page: %w", err)
	}

	bounds := img.Bounds()
	return models.Page{
		Index:  1,
		Image:  buf.Bytes(),
		Format: "png",
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		DPI:    dpi,
	}, nil
}

func tiffByteOrder(data []byte) binary.ByteOrder {
	if string(data[:2]) == "MM" {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func tiffFirstDirectory(data []byte) uint32 {
	return tiffByteOrder(data).Uint32(data[4:8])
}
