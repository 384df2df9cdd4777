package normalizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/adverant/nexus/fileprocess-extractor/internal/command"
)

// Renderer rasterizes every page of a PDF file into outDir and returns the
// image paths in page order
type Renderer interface {
	Render(ctx context.Context, pdfPath string, outDir string, dpi int) ([]string, error)
}

// PopplerRenderer renders pages with poppler's pdftoppm
type PopplerRenderer struct {
	Bin    string
	Runner command.Runner
}

// NewPopplerRenderer creates a renderer for the given pdftoppm binary
func NewPopplerRenderer(bin string, runner command.Runner) *PopplerRenderer {
	if bin == "" {
		bin = "pdftoppm"
	}
	if runner == nil {
		runner = command.Exec{}
	}
	return &PopplerRenderer{Bin: bin, Runner: runner}
}

const renderPrefix = "page"

// Render runs `pdftoppm -r <dpi> -png <pdf> <outDir>/page`
func (r *PopplerRenderer) Render(ctx context.Context, pdfPath string, outDir string, dpi int) ([]string, error) {
	cmd := command.Command{
		Bin:  r.Bin,
		Args: []string{"-r", strconv.Itoa(dpi), "-png", pdfPath, filepath.Join(outDir, renderPrefix)},
		Dir:  outDir,
	}

	_, stderr, err := r.Runner.Run(ctx, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, command.Error(cmd, stderr, err)
	}

	return collectRendered(outDir)
}

// collectRendered lists page-N.png files in numeric order. pdftoppm zero-pads
// N to the width of the page count, so lexical order is not enough.
func collectRendered(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list rendered pages: %w", err)
	}

	type rendered struct {
		num  int
		path string
	}
	var pages []rendered
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, renderPrefix+"-") || !strings.HasSuffix(name, ".png") {
			continue
		}
		digits := strings.TrimSuffix(strings.TrimPrefix(name, renderPrefix+"-"), ".png")
		num, err := strconv.Atoi(digits)
		if err != nil {
			continue
		}
		pages = append(pages, rendered{num: num, path: filepath.Join(dir, name)})
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].num < pages[j].num })

	paths := make([]string, len(pages))
	for i, p := range pages {
		paths[i] = p.path
	}
	return paths, nil
}
