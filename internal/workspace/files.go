// ABOUTME: Path-contained file operations inside a workspace
// ABOUTME: Resolve guards read, write, delete, move and tree listing against traversal

package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/2389/sandboxd/internal/apperr"
)

// MaxFileSize is the largest content WriteFile accepts.
const MaxFileSize = 10 * 1024 * 1024

// Resolve joins rel onto workspace and rejects results outside workspace.
// A leading slash is treated as workspace-relative.
func Resolve(workspace, rel string) (string, error) {
	root := filepath.Clean(workspace)
	full := filepath.Join(root, strings.TrimLeft(rel, "/"))

	r, err := filepath.Rel(root, full)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", &apperr.ValidationError{
			Message: "invalid file path: access denied",
			Fields:  map[string][]string{"path": {"must stay inside the workspace"}},
		}
	}
	return full, nil
}

// ReadFile returns the contents of rel inside workspace.
func ReadFile(workspace, rel string) ([]byte, error) {
	full, err := Resolve(workspace, rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fileError("read", err)
	}
	return data, nil
}

// WriteFile writes content to rel inside workspace, creating parent directories.
func WriteFile(workspace, rel string, content []byte) error {
	full, err := Resolve(workspace, rel)
	if err != nil {
		return err
	}
	if len(content) > MaxFileSize {
		return apperr.Invalid("file size exceeds limit of %d bytes", MaxFileSize)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fileError("write", err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return fileError("write", err)
	}
	return nil
}

// DeleteFile removes the file at rel inside workspace.
func DeleteFile(workspace, rel string) error {
	full, err := Resolve(workspace, rel)
	if err != nil {
		return err
	}
	if full == filepath.Clean(workspace) {
		return apperr.Invalid("cannot delete the workspace root")
	}
	if err := os.Remove(full); err != nil {
		return fileError("delete", err)
	}
	return nil
}

// MoveFile renames from to to, both inside workspace.
func MoveFile(workspace, from, to string) error {
	src, err := Resolve(workspace, from)
	if err != nil {
		return err
	}
	dst, err := Resolve(workspace, to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fileError("move", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fileError("move", err)
	}
	return nil
}

// NodeType distinguishes files from directories in a Tree.
type NodeType string

const (
	NodeFile      NodeType = "file"
	NodeDirectory NodeType = "directory"
)

// Node is one entry of a workspace tree.
type Node struct {
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	Type     NodeType `json:"type"`
	Children []*Node  `json:"children,omitempty"`
}

// Tree lists workspace recursively. Hidden entries are skipped and each
// directory lists subdirectories first, then files, both by name.
func Tree(workspace string) (*Node, error) {
	root := filepath.Clean(workspace)
	info, err := os.Stat(root)
	if err != nil {
		return nil, fileError("list", err)
	}
	if !info.IsDir() {
		return nil, apperr.Invalid("workspace %s is not a directory", root)
	}
	return buildTree(root, root)
}

func buildTree(root, dir string) (*Node, error) {
	rel, _ := filepath.Rel(root, dir)
	node := &Node{Name: filepath.Base(dir), Path: rel, Type: NodeDirectory}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if e.IsDir() {
			child, err := buildTree(root, p)
			if err != nil {
				// Unreadable subdirectories are left out.
				continue
			}
			node.Children = append(node.Children, child)
			continue
		}
		childRel, _ := filepath.Rel(root, p)
		node.Children = append(node.Children, &Node{Name: e.Name(), Path: childRel, Type: NodeFile})
	}

	sort.SliceStable(node.Children, func(i, j int) bool {
		a, b := node.Children[i], node.Children[j]
		if a.Type != b.Type {
			return a.Type == NodeDirectory
		}
		return a.Name < b.Name
	})
	return node, nil
}

func fileError(op string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return apperr.Invalid("failed to %s file: no such file or directory", op)
	}
	return fmt.Errorf("failed to %s file: %w", op, err)
}
