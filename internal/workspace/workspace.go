// Package workspace locates the repositories that make up a composite
// workspace: one primary repository plus linked repositories living in
// sibling directories under a shared root.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"loom/internal/vcs"
)

type Workspace struct {
	root       string
	primaryDir string
	remote     string
	timeout    time.Duration
}

func New(root, primaryDir, remote string, timeout time.Duration) *Workspace {
	return &Workspace{root: root, primaryDir: primaryDir, remote: remote, timeout: timeout}
}

// Primary opens the primary repository.
func (w *Workspace) Primary() (*vcs.Repo, error) {
	abs, err := filepath.Abs(w.primaryDir)
	if err != nil {
		return nil, fmt.Errorf("resolve primary dir: %w", err)
	}
	return vcs.Open(filepath.Base(abs), w.primaryDir, w.remote, w.timeout)
}

// PrimaryName returns the name the primary repository is known by, without
// opening it.
func (w *Workspace) PrimaryName() string {
	abs, err := filepath.Abs(w.primaryDir)
	if err != nil {
		return filepath.Base(w.primaryDir)
	}
	return filepath.Base(abs)
}

// Linked opens the linked repository with the given name.
func (w *Workspace) Linked(name string) (*vcs.Repo, error) {
	path := filepath.Join(w.root, name)
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no linked repository %q under %s", name, w.root)
		}
		return nil, fmt.Errorf("stat linked repository %q: %w", name, err)
	}
	return vcs.Open(name, path, w.remote, w.timeout)
}

// Discover lists the names of linked repositories: directories directly
// under the root that contain a .git entry, excluding the primary.
func (w *Workspace) Discover() ([]string, error) {
	primaryAbs, err := filepath.Abs(w.primaryDir)
	if err != nil {
		return nil, fmt.Errorf("resolve primary dir: %w", err)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return nil, fmt.Errorf("read workspace root: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(w.root, entry.Name())
		if abs, err := filepath.Abs(path); err == nil && abs == primaryAbs {
			continue
		}
		if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
