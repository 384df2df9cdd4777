/**
 * Document - the immutable unit of work accepted by the extraction pipeline
 *
 * A Document is identified by the SHA-256 of its bytes. The MIME type is
 * sniffed from content; the declared type is only used when sniffing cannot
 * tell anything more specific.
 */

package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Supported MIME types
const (
	MimePDF  = "application/pdf"
	MimePNG  = "image/png"
	MimeJPEG = "image/jpeg"
	MimeTIFF = "image/tiff"

	mimeOctetStream = "application/octet-stream"
	mimeTextPlain   = "text/plain"
)

// Document is raw input bytes plus identity and type
type Document struct {
	ID               string
	MimeType         string
	DeclaredMimeType string
	Filename         string
	Size             int64
	Data             []byte
}

// NewDocument hashes and sniffs data. The returned Document must not be mutated.
func NewDocument(data []byte, declaredMime string, filename string) *Document {
	declared := baseMimeType(declaredMime)

	return &Document{
		ID:               ContentHash(data),
		MimeType:         resolveMimeType(data, declared),
		DeclaredMimeType: declared,
		Filename:         filename,
		Size:             int64(len(data)),
		Data:             data,
	}
}

// ContentHash returns the lowercase hex SHA-256 of data
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IsSupportedMimeType reports whether the normalizer can render mimeType
func IsSupportedMimeType(mimeType string) bool {
	switch baseMimeType(mimeType) {
	case MimePDF, MimePNG, MimeJPEG, MimeTIFF:
		return true
	}
	return false
}

func resolveMimeType(data []byte, declared string) string {
	if len(data) == 0 {
		if declared != "" {
			return declared
		}
		return mimeOctetStream
	}

	sniffed := baseMimeType(mimetype.Detect(data).String())
	if IsSupportedMimeType(sniffed) {
		return sniffed
	}

	// Sniffing said nothing useful, fall back to what the caller claimed
	if (sniffed == "" || sniffed == mimeOctetStream || sniffed == mimeTextPlain) && declared != "" {
		return declared
	}

	return sniffed
}

func baseMimeType(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	base = strings.ToLower(strings.TrimSpace(base))
	if base == "image/jpg" {
		return MimeJPEG
	}
	return base
}
