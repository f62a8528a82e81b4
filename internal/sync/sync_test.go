package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"loom/internal/vcs"
)

type fixture struct {
	path string
	gr   *git.Repository
	repo *vcs.Repo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := t.TempDir()
	gr, err := git.PlainInit(path, false)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	f := &fixture{path: path, gr: gr}
	hash := f.commit(t, "README.md", "hello\n", "initial commit")
	if err := gr.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		t.Fatalf("set main ref: %v", err)
	}
	if err := gr.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		t.Fatalf("set HEAD: %v", err)
	}
	_ = gr.Storer.RemoveReference(plumbing.NewBranchReferenceName("master"))

	repo, err := vcs.Open("fixture", path, "origin", 10*time.Second)
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	f.repo = repo
	return f
}

func (f *fixture) commit(t *testing.T, name, contents, message string) plumbing.Hash {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.path, name), []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	worktree, err := f.gr.Worktree()
	if err != nil {
		t.Fatalf("open worktree: %v", err)
	}
	if _, err := worktree.Add(name); err != nil {
		t.Fatalf("stage %s: %v", name, err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@localhost", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit %s: %v", name, err)
	}
	return hash
}

func TestEnsureBranchCreatesThenIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := EnsureBranch(ctx, f.repo, "feature/login")
	if err != nil {
		t.Fatalf("EnsureBranch() error = %v", err)
	}
	if result != Created {
		t.Fatalf("expected Created, got %s", result)
	}
	current, err := f.repo.CurrentBranch()
	if err != nil {
		t.Fatalf("CurrentBranch() error = %v", err)
	}
	if current != "feature/login" {
		t.Fatalf("expected feature/login checked out, got %s", current)
	}

	result, err = EnsureBranch(ctx, f.repo, "feature/login")
	if err != nil {
		t.Fatalf("second EnsureBranch() error = %v", err)
	}
	if result != AlreadyCorrect {
		t.Fatalf("expected AlreadyCorrect, got %s", result)
	}
}

func TestEnsureBranchSwitchesToExisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := EnsureBranch(ctx, f.repo, "feature/login"); err != nil {
		t.Fatalf("EnsureBranch() error = %v", err)
	}
	if err := f.repo.Checkout("main"); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}

	result, err := EnsureBranch(ctx, f.repo, "feature/login")
	if err != nil {
		t.Fatalf("EnsureBranch() error = %v", err)
	}
	if result != Switched {
		t.Fatalf("expected Switched, got %s", result)
	}
}

func TestEnsureBranchRefusesDirtySwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(f.path, "wip.txt"), []byte("uncommitted"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := EnsureBranch(ctx, f.repo, "feature/login")
	var divergence *DivergenceError
	if !errors.As(err, &divergence) {
		t.Fatalf("expected DivergenceError, got %v", err)
	}
	if divergence.Repo != "fixture" || divergence.Branch != "feature/login" {
		t.Fatalf("error lacks context: %+v", divergence)
	}

	// Work is untouched.
	data, err := os.ReadFile(filepath.Join(f.path, "wip.txt"))
	if err != nil || string(data) != "uncommitted" {
		t.Fatalf("uncommitted work was disturbed: %s, %v", data, err)
	}
}

func TestEnsureBranchReportsDivergedTips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := EnsureBranch(ctx, f.repo, "feature/login"); err != nil {
		t.Fatalf("EnsureBranch() error = %v", err)
	}
	f.commit(t, "local.txt", "local", "local work")

	// A diverged remote tip: another line of history from the same base.
	if err := f.repo.CheckoutCreateFrom("shadow", "main"); err != nil {
		t.Fatalf("CheckoutCreateFrom() error = %v", err)
	}
	remoteTip := f.commit(t, "remote.txt", "remote", "remote work")
	if err := f.repo.Checkout("feature/login"); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if err := f.gr.Storer.SetReference(plumbing.NewHashReference(plumbing.NewRemoteReferenceName("origin", "feature/login"), remoteTip)); err != nil {
		t.Fatalf("set remote ref: %v", err)
	}

	_, err := EnsureBranch(ctx, f.repo, "feature/login")
	var divergence *DivergenceError
	if !errors.As(err, &divergence) {
		t.Fatalf("expected DivergenceError for diverged tips, got %v", err)
	}
}
