// Package normalizertest builds documents and a PDF renderer for tests that
// must not depend on poppler being installed.
package normalizertest

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
)

// PNG returns a w x h grayscale PNG filled with shade
func PNG(w, h int, shade uint8) []byte {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// MinimalPDF builds a structurally valid PDF with n blank pages
func MinimalPDF(n int) []byte {
	var buf bytes.Buffer
	offsets := []int{}
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")

	kids := make([]string, n)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n))
	for i := 0; i < n; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

// MultiPageTIFF builds an uncompressed grayscale little-endian TIFF with
// one image per width, each 10 pixels high, chained in argument order
func MultiPageTIFF(widths ...int) []byte {
	const height = 10
	le := binary.LittleEndian

	buf := []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	nextPtr := 4
	for i, w := range widths {
		stripOffset := len(buf)
		for p := 0; p < w*height; p++ {
			buf = append(buf, uint8(40*i))
		}
		if len(buf)%2 == 1 {
			buf = append(buf, 0)
		}

		ifdOffset := len(buf)
		le.PutUint32(buf[nextPtr:], uint32(ifdOffset))

		tags := [][2]uint32{
			{256, uint32(w)},           // ImageWidth
			{257, height},              // ImageLength
			{258, 8},                   // BitsPerSample
			{259, 1},                   // Compression: none
			{262, 1},                   // Photometric: black is zero
			{273, uint32(stripOffset)}, // StripOffsets
			{277, 1},                   // SamplesPerPixel
			{278, height},              // RowsPerStrip
			{279, uint32(w * height)},  // StripByteCounts
		}
		buf = le.AppendUint16(buf, uint16(len(tags)))
		for _, tag := range tags {
			buf = le.AppendUint16(buf, uint16(tag[0]))
			buf = le.AppendUint16(buf, 4) // LONG
			buf = le.AppendUint32(buf, 1)
			buf = le.AppendUint32(buf, tag[1])
		}
		nextPtr = len(buf)
		buf = le.AppendUint32(buf, 0)
	}
	return buf
}

// Renderer writes Pages distinct PNGs named the way pdftoppm names them.
// Page i is (20+i) pixels wide.
type Renderer struct {
	Pages int
	Err   error
}

func (r *Renderer) Render(ctx context.Context, pdfPath string, outDir string, dpi int) ([]string, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	if _, err := os.Stat(pdfPath); err != nil {
		return nil, err
	}
	files := make([]string, 0, r.Pages)
	for i := 1; i <= r.Pages; i++ {
		name := filepath.Join(outDir, fmt.Sprintf("page-%d.png", i))
		if err := os.WriteFile(name, PNG(20+i, 30, 0xff), 0o600); err != nil {
			return nil, err
		}
		files = append(files, name)
	}
	return files, nil
}
