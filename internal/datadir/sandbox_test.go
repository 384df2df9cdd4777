package datadir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/fileprocess-extractor/internal/errors"
)

func newSandbox(t *testing.T) *Sandbox {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	return s
}

func TestResolveAcceptsPathsInside(t *testing.T) {
	s := newSandbox(t)

	got, err := s.Resolve("docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "docs", "a.txt"), got)

	got, err = s.Resolve(filepath.Join(s.Root(), "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "b.txt"), got)

	got, err = s.Resolve("docs/../c.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "c.txt"), got)
}

func TestResolveRejectsEscapes(t *testing.T) {
	s := newSandbox(t)
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(s.Root(), "link")))

	for _, p := range []string{
		"../secret",
		"docs/../../secret",
		"/etc/passwd",
		s.Root() + "-sibling/x",
		"link/file.txt",
		"",
		"a\x00b",
	} {
		t.Run(p, func(t *testing.T) {
			_, err := s.Resolve(p)
			require.Error(t, err)
			assert.Equal(t, errors.ErrorPathNotAllowed, errors.CodeOf(err))
		})
	}
}

func TestReadFile(t *testing.T) {
	s := newSandbox(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "note.txt"), []byte("hello"), 0o600))

	data, err := s.ReadFile("note.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = s.ReadFile("missing.txt")
	assert.Equal(t, errors.ErrorNotFound, errors.CodeOf(err))

	require.NoError(t, os.Mkdir(filepath.Join(s.Root(), "dir"), 0o755))
	_, err = s.ReadFile("dir")
	assert.Equal(t, errors.ErrorNotFound, errors.CodeOf(err))
}

func TestReadFileLimit(t *testing.T) {
	s := newSandbox(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "scan.png"), make([]byte, 100), 0o600))

	data, err := s.ReadFileLimit("scan.png", 100)
	require.NoError(t, err)
	assert.Len(t, data, 100)

	_, err = s.ReadFileLimit("scan.png", 99)
	assert.Equal(t, errors.ErrorDocumentTooLarge, errors.CodeOf(err))

	data, err = s.ReadFileLimit("scan.png", 0)
	require.NoError(t, err)
	assert.Len(t, data, 100)
}

func TestWriteFileCreatesParentsAndReplaces(t *testing.T) {
	s := newSandbox(t)

	path, err := s.WriteFile("out/deep/result.txt", []byte("first"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, s.Root()))

	_, err = s.WriteFile("out/deep/result.txt", []byte("second"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	_, err = s.WriteFile("../escape.txt", []byte("x"))
	assert.Equal(t, errors.ErrorPathNotAllowed, errors.CodeOf(err))
}

func TestSaveUploadIsContentAddressed(t *testing.T) {
	s := newSandbox(t)

	first, err := s.SaveUpload([]byte("scan bytes"), "Scan.PNG")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), UploadsDir), filepath.Dir(first))
	assert.True(t, strings.HasSuffix(first, ".png"))

	second, err := s.SaveUpload([]byte("scan bytes"), "other-name.png")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	third, err := s.SaveUpload([]byte("different"), "x.tar.gz!")
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
	assert.Equal(t, "", filepath.Ext(third))

	entries, err := os.ReadDir(filepath.Join(s.Root(), UploadsDir))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
