// Package workspace hands out temporary build-context directories under a
// common root and guarantees their removal.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager owns build-context directories under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root returns the directory all workspaces live under.
func (m *Manager) Root() string {
	return m.root
}

// Prepare creates a fresh directory for the provided identifier.
func (m *Manager) Prepare(identifier string) (string, error) {
	if identifier == "" {
		return "", fmt.Errorf("workspace identifier cannot be empty")
	}
	if strings.ContainsAny(identifier, `/\`) || identifier == "." || identifier == ".." {
		return "", fmt.Errorf("workspace identifier %q must be a single path element", identifier)
	}
	dir := filepath.Join(m.root, identifier)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes the workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	// Only remove directories within the configured root.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// With prepares a workspace, runs fn inside it and removes the directory
// afterwards whether or not fn succeeded.
func (m *Manager) With(identifier string, fn func(dir string) error) (err error) {
	dir, err := m.Prepare(identifier)
	if err != nil {
		return err
	}
	defer func() {
		if cleanupErr := m.Cleanup(dir); cleanupErr != nil && err == nil {
			err = fmt.Errorf("cleanup workspace: %w", cleanupErr)
		}
	}()
	return fn(dir)
}
