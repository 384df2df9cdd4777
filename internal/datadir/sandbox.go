// Package datadir confines file access by path to one data directory.
// Paths are cleaned and symlink-resolved before use; nothing outside the
// root is read or written, and nothing inside it is ever deleted.
package datadir

import (
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/atomicwriter"

	"github.com/adverant/nexus/fileprocess-extractor/internal/errors"
)

// UploadsDir holds content-addressed uploads, relative to the root
const UploadsDir = "uploads"

// Sandbox is a data directory root
type Sandbox struct {
	root string
}

// New opens root, creating it if needed
func New(root string) (*Sandbox, error) {
	if root == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", abs, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	return &Sandbox{root: resolved}, nil
}

// Root is the resolved data directory
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve maps a user path to an absolute path inside the root. Absolute
// paths must already point inside the root; relative ones are taken
// relative to it. Symlinks are followed for the part of the path that
// exists, so a link pointing outside is rejected too.
func (s *Sandbox) Resolve(userPath string) (string, error) {
	if strings.TrimSpace(userPath) == "" || strings.ContainsRune(userPath, 0) {
		return "", errors.NewPathNotAllowedError(userPath)
	}

	candidate := userPath
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, candidate)
	}
	candidate = filepath.Clean(candidate)

	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", userPath, err)
	}
	if !s.contains(resolved) {
		return "", errors.NewPathNotAllowedError(userPath)
	}
	return resolved, nil
}

func (s *Sandbox) contains(path string) bool {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveExisting evaluates symlinks on the longest existing prefix of path
// and appends the remainder unchanged.
func resolveExisting(path string) (string, error) {
	var rest []string
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			parts := append([]string{resolved}, rest...)
			return filepath.Join(parts...), nil
		}
		if !stderrors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		rest = append([]string{filepath.Base(current)}, rest...)
		current = parent
	}
}

// ReadFile reads a regular file inside the root
func (s *Sandbox) ReadFile(userPath string) ([]byte, error) {
	return s.ReadFileLimit(userPath, 0)
}

// ReadFileLimit is ReadFile refusing files larger than limit bytes with
// DOCUMENT_TOO_LARGE before reading them. A limit of 0 means no limit.
func (s *Sandbox) ReadFileLimit(userPath string, limit int64) ([]byte, error) {
	path, err := s.Resolve(userPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, errors.NewNotFoundError("file", userPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", userPath, err)
	}
	if !info.Mode().IsRegular() {
		return nil, errors.NewNotFoundError("file", userPath)
	}
	if limit > 0 && info.Size() > limit {
		return nil, errors.NewDocumentTooLargeError("", info.Size(), limit)
	}
	if limit <= 0 {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", userPath, err)
		}
		return data, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", userPath, err)
	}
	defer f.Close()

	// The file may have grown since the stat
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", userPath, err)
	}
	if int64(len(data)) > limit {
		return nil, errors.NewDocumentTooLargeError("", int64(len(data)), limit)
	}
	return data, nil
}

// WriteFile atomically replaces the file at userPath, creating parents
func (s *Sandbox) WriteFile(userPath string, data []byte) (string, error) {
	path, err := s.Resolve(userPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", userPath, err)
	}
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", userPath, err)
	}
	return path, nil
}

// SaveUpload stores data under uploads/<sha256><ext> and returns the path.
// Saving the same bytes twice is a no-op.
func (s *Sandbox) SaveUpload(data []byte, filename string) (string, error) {
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:]) + uploadExt(filename)
	rel := filepath.Join(UploadsDir, name)

	path, err := s.Resolve(rel)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() && info.Size() == int64(len(data)) {
		return path, nil
	}
	return s.WriteFile(rel, data)
}

// uploadExt keeps a short, plain extension so tools can recognize the file
func uploadExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
