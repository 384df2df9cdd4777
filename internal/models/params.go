package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Params are the processing parameters that influence extraction output.
// Everything that can change a DocumentResult must be part of Params or the
// engine identity, otherwise cache keys would alias.
type Params struct {
	DPI         int      `json:"dpi" validate:"min=50,max=1200"`
	Languages   []string `json:"languages" validate:"min=1,dive,required,max=32"`
	PageSegMode int      `json:"page_seg_mode" validate:"min=1,max=13"`
}

// Normalized fills zero fields from defaults and de-duplicates languages,
// keeping the first occurrence so the primary language stays first. A zero
// PageSegMode means unset: mode 0 only detects orientation and yields no
// text, so it is never a valid request.
func (p Params) Normalized(defaults Params) Params {
	out := Params{
		DPI:         p.DPI,
		PageSegMode: p.PageSegMode,
	}
	if out.DPI == 0 {
		out.DPI = defaults.DPI
	}
	if out.PageSegMode == 0 {
		out.PageSegMode = defaults.PageSegMode
	}

	langs := p.Languages
	if len(langs) == 0 {
		langs = defaults.Languages
	}
	seen := make(map[string]bool, len(langs))
	for _, lang := range langs {
		lang = strings.TrimSpace(lang)
		if lang == "" || seen[lang] {
			continue
		}
		seen[lang] = true
		out.Languages = append(out.Languages, lang)
	}

	return out
}

// Canonical renders params in a stable textual form
func (p Params) Canonical() string {
	return fmt.Sprintf("dpi=%d;lang=%s;psm=%d", p.DPI, strings.Join(p.Languages, "+"), p.PageSegMode)
}

// CacheKey derives the extraction cache key for a document processed with
// params by engine (name/version).
func CacheKey(documentID string, params Params, engine string) string {
	h := sha256.New()
	h.Write([]byte("doc="))
	h.Write([]byte(documentID))
	h.Write([]byte{'\n'})
	h.Write([]byte(params.Canonical()))
	h.Write([]byte{'\n'})
	h.Write([]byte("engine="))
	h.Write([]byte(engine))
	return hex.EncodeToString(h.Sum(nil))
}
