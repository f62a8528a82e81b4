package workspace

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
)

func newRoot(t *testing.T, repos ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, name := range repos {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(path, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", name, err)
		}
		if _, err := git.PlainInit(path, false); err != nil {
			t.Fatalf("init %s: %v", name, err)
		}
	}
	return root
}

func TestDiscoverFindsLinkedRepositories(t *testing.T) {
	root := newRoot(t, "primary", "lib-a", "lib-b")
	// A plain directory is not a repository.
	if err := os.MkdirAll(filepath.Join(root, "notes"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	ws := New(root, filepath.Join(root, "primary"), "origin", 10*time.Second)
	names, err := ws.Discover()
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if !reflect.DeepEqual(names, []string{"lib-a", "lib-b"}) {
		t.Fatalf("unexpected discovery: %v", names)
	}
}

func TestLinkedOpensAndRejectsUnknown(t *testing.T) {
	root := newRoot(t, "primary", "lib-a")
	ws := New(root, filepath.Join(root, "primary"), "origin", 10*time.Second)

	repo, err := ws.Linked("lib-a")
	if err != nil {
		t.Fatalf("Linked() error = %v", err)
	}
	if repo.Name() != "lib-a" {
		t.Fatalf("unexpected repo name %s", repo.Name())
	}

	if _, err := ws.Linked("lib-z"); err == nil {
		t.Fatal("expected error for unknown repository")
	}
}

func TestPrimaryName(t *testing.T) {
	root := newRoot(t, "primary")
	ws := New(root, filepath.Join(root, "primary"), "origin", 10*time.Second)
	if ws.PrimaryName() != "primary" {
		t.Fatalf("unexpected primary name %s", ws.PrimaryName())
	}
}
