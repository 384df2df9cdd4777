package ocr

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adverant/nexus/fileprocess-extractor/internal/command"
	"github.com/adverant/nexus/fileprocess-extractor/internal/models"
)

// TesseractCLIBackend shells out to the tesseract executable. Each call runs
// inside the invocation's working directory.
type TesseractCLIBackend struct {
	bin    string
	runner command.Runner

	versionOnce sync.Once
	version     string
}

// NewTesseractCLIBackend creates a backend for the given tesseract binary
func NewTesseractCLIBackend(bin string, runner command.Runner) *TesseractCLIBackend {
	if bin == "" {
		bin = "tesseract"
	}
	if runner == nil {
		runner = command.Exec{}
	}
	return &TesseractCLIBackend{bin: bin, runner: runner}
}

func (t *TesseractCLIBackend) Name() string { return "tesseract" }

// Version parses the first line of `tesseract --version`
func (t *TesseractCLIBackend) Version() string {
	t.versionOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		stdout, stderr, err := t.runner.Run(ctx, command.Command{Bin: t.bin, Args: []string{"--version"}})
		if err != nil {
			return
		}
		// tesseract 3 prints the banner to stderr
		out := append(stdout, stderr...)
		line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			t.version = strings.TrimPrefix(fields[1], "v")
		}
	})
	return t.version
}

// Languages parses `tesseract --list-langs`
func (t *TesseractCLIBackend) Languages(ctx context.Context) ([]string, error) {
	cmd := command.Command{Bin: t.bin, Args: []string{"--list-langs"}}
	stdout, stderr, err := t.runner.Run(ctx, cmd)
	if err != nil {
		return nil, command.Error(cmd, stderr, err)
	}

	var langs []string
	scanner := bufio.NewScanner(bytes.NewReader(append(stdout, stderr...)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of available languages") {
			continue
		}
		langs = append(langs, line)
	}
	return langs, scanner.Err()
}

func (t *TesseractCLIBackend) Recognize(ctx context.Context, inv Invocation) (*models.PageResult, error) {
	ext := inv.Page.Format
	if ext == "" {
		ext = "png"
	}
	imagePath := filepath.Join(inv.WorkDir, "page."+ext)
	if err := os.WriteFile(imagePath, inv.Page.Image, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write page image: %w", err)
	}

	args := []string{imagePath, "stdout"}
	if len(inv.Languages) > 0 {
		args = append(args, "-l", strings.Join(inv.Languages, "+"))
	}
	if inv.PageSegMode > 0 {
		args = append(args, "--psm", strconv.Itoa(inv.PageSegMode))
	}
	if inv.Page.DPI > 0 {
		args = append(args, "--dpi", strconv.Itoa(inv.Page.DPI))
	}
	args = append(args, "tsv")

	cmd := command.Command{
		Bin:  t.bin,
		Args: args,
		Dir:  inv.WorkDir,
		// Keep tesseract from spawning its own threads; pages are the unit of parallelism
		Env: []string{"OMP_THREAD_LIMIT=1", "TMPDIR=" + inv.WorkDir},
	}
	stdout, stderr, err := t.runner.Run(ctx, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, command.Error(cmd, stderr, err)
	}

	blocks, err := parseTSV(stdout)
	if err != nil {
		return nil, err
	}

	texts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		texts = append(texts, b.Text)
	}

	return &models.PageResult{
		Index:    inv.Page.Index,
		Text:     strings.Join(texts, "\n\n"),
		Blocks:   blocks,
		Language: firstLanguage(inv.Languages),
	}, nil
}

// tsvBlock accumulates the word rows of one block
type tsvBlock struct {
	num      int
	lines    map[int][]string
	lineNums []int
	box      models.BoundingBox
	confSum  float64
	words    int
}

// parseTSV groups tesseract TSV word rows (level 5) into blocks by block_num.
// Columns: level page_num block_num par_num line_num word_num left top width
// height conf text.
func parseTSV(data []byte) ([]models.TextBlock, error) {
	blocks := map[int]*tsvBlock{}
	var order []int

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	header := true
	for scanner.Scan() {
		if header {
			header = false
			continue
		}
		cols := strings.Split(scanner.Text(), "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}

		nums := make([]int, 0, 9)
		for _, col := range []int{2, 3, 4, 6, 7, 8, 9} {
			n, err := strconv.Atoi(cols[col])
			if err != nil {
				return nil, fmt.Errorf("malformed tsv row %q: %w", scanner.Text(), err)
			}
			nums = append(nums, n)
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed tsv confidence %q: %w", cols[10], err)
		}

		blockNum, parNum, lineNum := nums[0], nums[1], nums[2]
		box := models.BoundingBox{X: nums[3], Y: nums[4], Width: nums[5], Height: nums[6]}

		b, ok := blocks[blockNum]
		if !ok {
			b = &tsvBlock{num: blockNum, lines: map[int][]string{}}
			blocks[blockNum] = b
			order = append(order, blockNum)
		}
		// par and line numbers restart per paragraph
		lineKey := parNum*10000 + lineNum
		if _, seen := b.lines[lineKey]; !seen {
			b.lineNums = append(b.lineNums, lineKey)
		}
		b.lines[lineKey] = append(b.lines[lineKey], word)
		b.box = b.box.Union(box)
		if conf >= 0 {
			b.confSum += conf
			b.words++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tsv: %w", err)
	}

	sort.Ints(order)
	out := make([]models.TextBlock, 0, len(order))
	for _, num := range order {
		b := blocks[num]
		sort.Ints(b.lineNums)
		lines := make([]string, 0, len(b.lineNums))
		for _, key := range b.lineNums {
			lines = append(lines, strings.Join(b.lines[key], " "))
		}
		var conf float64
		if b.words > 0 {
			conf = b.confSum / float64(b.words) / 100.0
		}
		out = append(out, models.TextBlock{
			Text:        strings.Join(lines, "\n"),
			BoundingBox: b.box,
			Confidence:  conf,
		})
	}
	return out, nil
}
