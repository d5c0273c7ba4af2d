// ABOUTME: Per-tenant workspace directories under a shared root
// ABOUTME: Creation, lookup, size accounting and removal of workspace trees

package workspace

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/sandboxd/internal/apperr"
)

// ToolDir is the reserved tool-local directory created inside every workspace.
const ToolDir = ".sandbox"

// Manager creates and locates workspaces below a root directory.
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager returns a Manager rooted at root.
func NewManager(root string, logger *slog.Logger) *Manager {
	return &Manager{
		root:   root,
		logger: logger.With("component", "workspace"),
	}
}

// Root returns the directory all workspaces live under.
func (m *Manager) Root() string {
	return m.root
}

// Ensure creates the workspace for user/project if needed and returns its path.
func (m *Manager) Ensure(userID, projectID string) (string, error) {
	if err := ValidateID("user id", userID); err != nil {
		return "", err
	}
	if err := ValidateID("project id", projectID); err != nil {
		return "", err
	}

	path := m.Path(userID, projectID)
	if err := os.MkdirAll(filepath.Join(path, ToolDir), 0o755); err != nil {
		return "", fmt.Errorf("creating workspace %s: %w", path, err)
	}

	m.logger.Debug("workspace ensured", "path", path, "user_id", userID, "project_id", projectID)
	return path, nil
}

// Path returns where the workspace for user/project lives. It does no I/O.
func (m *Manager) Path(userID, projectID string) string {
	return filepath.Join(m.root, userID, projectID)
}

// Exists reports whether the workspace directory is present.
func (m *Manager) Exists(userID, projectID string) bool {
	info, err := os.Stat(m.Path(userID, projectID))
	return err == nil && info.IsDir()
}

// Size returns the total size in bytes of regular files under path.
// Unreadable entries are logged and skipped, so the result may be partial.
func (m *Manager) Size(path string) int64 {
	var total int64
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			m.logger.Warn("error calculating workspace size", "path", p, "error", err)
			if d != nil && d.IsDir() && p != path {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				m.logger.Warn("error calculating workspace size", "path", p, "error", err)
				return nil
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("error calculating workspace size", "path", path, "error", err)
	}
	return total
}

// Destroy removes path and everything below it.
func (m *Manager) Destroy(path string) error {
	if err := os.RemoveAll(path); err != nil {
		m.logger.Error("error cleaning up workspace", "path", path, "error", err)
		return fmt.Errorf("removing workspace %s: %w", path, err)
	}
	m.logger.Info("workspace cleaned up", "path", path)
	return nil
}

// ValidateID checks that id can be used as a single path segment.
// Colons are rejected too since they separate the parts of a tenant key.
func ValidateID(field, id string) error {
	switch {
	case id == "":
		return &apperr.ValidationError{
			Message: field + " is required",
			Fields:  map[string][]string{field: {"required"}},
		}
	case id == "." || id == "..", strings.ContainsAny(id, `/\:`), strings.ContainsRune(id, 0):
		return &apperr.ValidationError{
			Message: fmt.Sprintf("invalid %s %q", field, id),
			Fields:  map[string][]string{field: {"must be a single path segment"}},
		}
	}
	return nil
}
