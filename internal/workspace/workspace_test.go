// ABOUTME: Tests for workspace creation, sizing, removal and contained file operations
// ABOUTME: Includes the path traversal guarantees every file operation relies on

package workspace

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sandboxd/internal/apperr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnsureCreatesTree(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, testLogger())

	assert.False(t, m.Exists("u1", "p1"))

	path, err := m.Ensure("u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "u1", "p1"), path)
	assert.DirExists(t, filepath.Join(path, ToolDir))
	assert.True(t, m.Exists("u1", "p1"))

	// Idempotent
	again, err := m.Ensure("u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, path, again)
}

func TestEnsureRejectsUnsafeIDs(t *testing.T) {
	m := NewManager(t.TempDir(), testLogger())
	for _, id := range []string{"", ".", "..", "a/b", `a\b`, "a:b"} {
		_, err := m.Ensure(id, "p1")
		assert.ErrorIs(t, err, apperr.ErrValidation, "user id %q", id)
		_, err = m.Ensure("u1", id)
		assert.ErrorIs(t, err, apperr.ErrValidation, "project id %q", id)
	}
}

func TestPathIsPure(t *testing.T) {
	m := NewManager("/nonexistent/root", testLogger())
	assert.Equal(t, "/nonexistent/root/u/p", m.Path("u", "p"))
}

func TestSizeAndDestroy(t *testing.T) {
	m := NewManager(t.TempDir(), testLogger())
	ws, err := m.Ensure("u", "p")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(ws, "a.txt"), []byte("12345"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "sub", "b.txt"), []byte("123"), 0o644))

	assert.Equal(t, int64(8), m.Size(ws))
	assert.Equal(t, int64(0), m.Size(filepath.Join(ws, "missing")))

	require.NoError(t, m.Destroy(ws))
	assert.NoDirExists(t, ws)
	assert.False(t, m.Exists("u", "p"))
}

func TestResolveContainment(t *testing.T) {
	ws := t.TempDir()

	tests := []struct {
		rel     string
		wantErr bool
	}{
		{"../../etc/passwd", true},
		{"..", true},
		{"a/../../x", true},
		{"a/b.txt", false},
		{"/etc/passwd", false},
		{"./a/./b", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			full, err := Resolve(ws, tt.rel)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperr.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.True(t, full == ws || strings.HasPrefix(full, ws+string(filepath.Separator)), full)
		})
	}

	full, err := Resolve(ws, "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, "a", "b.txt"), full)
}

func TestFileOperations(t *testing.T) {
	ws := t.TempDir()

	require.NoError(t, WriteFile(ws, "src/main.go", []byte("package main\n")))
	data, err := ReadFile(ws, "/src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	require.NoError(t, MoveFile(ws, "src/main.go", "cmd/app/main.go"))
	assert.NoFileExists(t, filepath.Join(ws, "src", "main.go"))
	assert.FileExists(t, filepath.Join(ws, "cmd", "app", "main.go"))

	require.NoError(t, DeleteFile(ws, "cmd/app/main.go"))
	_, err = ReadFile(ws, "cmd/app/main.go")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	assert.ErrorIs(t, WriteFile(ws, "../escape.txt", []byte("x")), apperr.ErrValidation)
	assert.ErrorIs(t, MoveFile(ws, "cmd", "../../out"), apperr.ErrValidation)
	assert.ErrorIs(t, DeleteFile(ws, "/"), apperr.ErrValidation)
}

func TestWriteFileSizeLimit(t *testing.T) {
	ws := t.TempDir()
	err := WriteFile(ws, "big.bin", make([]byte, MaxFileSize+1))
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.NoFileExists(t, filepath.Join(ws, "big.bin"))
}

func TestTreeOrdering(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, WriteFile(ws, "zeta.txt", nil))
	require.NoError(t, WriteFile(ws, "alpha.txt", nil))
	require.NoError(t, WriteFile(ws, "lib/util.go", nil))
	require.NoError(t, WriteFile(ws, "docs/readme.md", nil))
	require.NoError(t, WriteFile(ws, ".sandbox/settings.json", nil))
	require.NoError(t, WriteFile(ws, ".env", nil))

	tree, err := Tree(ws)
	require.NoError(t, err)
	assert.Equal(t, NodeDirectory, tree.Type)
	assert.Equal(t, ".", tree.Path)

	var names []string
	for _, c := range tree.Children {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"docs", "lib", "alpha.txt", "zeta.txt"}, names)
	require.Len(t, tree.Children[1].Children, 1)
	assert.Equal(t, filepath.Join("lib", "util.go"), tree.Children[1].Children[0].Path)
}
