// Package workspace manages the gitguard runtime directory structure.
// All runtime state (database, audit log, per-call scratch homes) is
// consolidated under a single workspace root.
//
// Default workspace: ~/.gitguard (configurable via config or GITGUARD_WORKSPACE env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".gitguard"

// Workspace manages all gitguard runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.gitguard.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Top-level directory accessors ---

// LogsDir returns <root>/logs/ with 0700 permissions. Holds the audit log.
func (w *Workspace) LogsDir() string {
	return w.restrictedDir("logs")
}

// DataDir returns <root>/data/. Holds the SQLite database.
func (w *Workspace) DataDir() string {
	return w.dir("data")
}

// TmpDir returns <root>/tmp/ with 0700 permissions. Parent of the
// throwaway HOME directory created for each git invocation.
func (w *Workspace) TmpDir() string {
	return w.restrictedDir("tmp")
}

// --- Derived paths ---

// ConfigPath returns <root>/config.yaml.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.Root, "config.yaml")
}

// AuditPath returns <root>/logs/audit.jsonl.
func (w *Workspace) AuditPath() string {
	return filepath.Join(w.LogsDir(), "audit.jsonl")
}

// DBPath returns <root>/data/gitguard.db.
func (w *Workspace) DBPath() string {
	return filepath.Join(w.DataDir(), "gitguard.db")
}

// --- Cleanup ---

// CleanTmp removes leftover per-call home directories, e.g. after a crash.
func (w *Workspace) CleanTmp() error {
	dir := filepath.Join(w.Root, "tmp")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading tmp dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("removing tmp entry %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// EnsureAll creates all standard workspace directories.
func (w *Workspace) EnsureAll() error {
	if err := w.ensureDir(w.DataDir(), 0750); err != nil {
		return err
	}
	// Restricted directories (0700).
	_ = w.LogsDir()
	_ = w.TmpDir()
	return nil
}

// --- Internal helpers ---

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// restrictedDir is like dir but uses 0700 permissions.
func (w *Workspace) restrictedDir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0700)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
