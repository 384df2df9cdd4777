package api

import (
	stderrors "errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/adverant/nexus/fileprocess-extractor/internal/config"
	"github.com/adverant/nexus/fileprocess-extractor/internal/errors"
	"github.com/adverant/nexus/fileprocess-extractor/internal/models"
)

// multipartOverhead is headroom for boundaries and part headers
const multipartOverhead = 1 << 20

var validate = validator.New()

// paramsQuery mirrors models.Params; zero values fall back to defaults later
type paramsQuery struct {
	DPI         int      `validate:"omitempty,min=50,max=1200"`
	Languages   []string `validate:"dive,required,max=32"`
	PageSegMode int      `validate:"omitempty,min=1,max=13"`
}

// parseParams reads lang, dpi and psm from the query string
func parseParams(r *http.Request) (models.Params, error) {
	q := r.URL.Query()
	var p paramsQuery

	if v := q.Get("lang"); v != "" {
		p.Languages = config.ParseLanguages(v)
	}
	if v := q.Get("dpi"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return models.Params{}, errors.NewConfigurationError("dpi", fmt.Sprintf("invalid dpi %q", v))
		}
		if n == 0 {
			return models.Params{}, errors.NewConfigurationError("dpi", "dpi must be between 50 and 1200")
		}
		p.DPI = n
	}
	if v := q.Get("psm"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return models.Params{}, errors.NewConfigurationError("psm", fmt.Sprintf("invalid page segmentation mode %q", v))
		}
		// 0 would read as unset and fall back to the default
		if n == 0 {
			return models.Params{}, errors.NewConfigurationError("psm", "page segmentation mode must be between 1 and 13")
		}
		p.PageSegMode = n
	}

	if err := validate.Struct(p); err != nil {
		return models.Params{}, errors.NewConfigurationError("params", err.Error())
	}

	return models.Params{DPI: p.DPI, Languages: p.Languages, PageSegMode: p.PageSegMode}, nil
}

type input struct {
	data     []byte
	filename string
	mimeType string
}

// readInput takes the document from ?path=, a multipart "file" field or the
// raw request body, in that order.
func (s *Server) readInput(w http.ResponseWriter, r *http.Request) (*input, error) {
	if path := r.URL.Query().Get("path"); path != "" {
		data, err := s.files.ReadFileLimit(path, s.maxUpload)
		if err != nil {
			return nil, err
		}
		return &input{data: data, filename: filepath.Base(path)}, nil
	}

	contentType := r.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)

	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartOverhead)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, s.bodyError(err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, errors.NewConfigurationError("file", "multipart field \"file\" is required")
		}
		defer file.Close()

		if header.Size > s.maxUpload {
			return nil, errors.NewDocumentTooLargeError("", header.Size, s.maxUpload)
		}
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read upload: %w", err)
		}
		return &input{
			data:     data,
			filename: header.Filename,
			mimeType: declaredType(header.Header.Get("Content-Type")),
		}, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, s.bodyError(err)
	}

	return &input{data: data, filename: r.URL.Query().Get("filename"), mimeType: declaredType(mediaType)}, nil
}

// declaredType drops the generic binary type so content sniffing decides
func declaredType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType == "application/octet-stream" {
		return ""
	}
	return strings.TrimSpace(mediaType)
}

func (s *Server) bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if stderrors.As(err, &tooLarge) {
		return errors.NewDocumentTooLargeError("", tooLarge.Limit+1, s.maxUpload)
	}
	return errors.NewConfigurationError("body", err.Error())
}
