package vcs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
)

func TestMain(m *testing.M) {
	// Serve file:// remotes in-process so push and fetch need no git
	// binaries on the test machine.
	client.InstallProtocol("file", server.NewClient(server.DefaultLoader))
	os.Exit(m.Run())
}

func signature() *object.Signature {
	return &object.Signature{Name: "test", Email: "test@localhost", When: time.Now()}
}

// initRepo creates a repository with one commit on main.
func initRepo(t *testing.T, path string) *git.Repository {
	t.Helper()
	gr, err := git.PlainInit(path, false)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	hash := commitFile(t, gr, path, "README.md", "hello\n", "initial commit")
	if err := gr.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		t.Fatalf("set main ref: %v", err)
	}
	if err := gr.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		t.Fatalf("set HEAD: %v", err)
	}
	_ = gr.Storer.RemoveReference(plumbing.NewBranchReferenceName("master"))
	return gr
}

func commitFile(t *testing.T, gr *git.Repository, repoPath, name, contents, message string) plumbing.Hash {
	t.Helper()
	if err := os.WriteFile(filepath.Join(repoPath, name), []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	worktree, err := gr.Worktree()
	if err != nil {
		t.Fatalf("open worktree: %v", err)
	}
	if _, err := worktree.Add(name); err != nil {
		t.Fatalf("stage %s: %v", name, err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{Author: signature()})
	if err != nil {
		t.Fatalf("commit %s: %v", name, err)
	}
	return hash
}

func openRepo(t *testing.T, path string) *Repo {
	t.Helper()
	repo, err := Open(filepath.Base(path), path, "origin", 10*time.Second)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return repo
}

func TestCurrentBranchAndCheckout(t *testing.T) {
	path := t.TempDir()
	initRepo(t, path)
	repo := openRepo(t, path)

	branch, err := repo.CurrentBranch()
	if err != nil {
		t.Fatalf("CurrentBranch() error = %v", err)
	}
	if branch != "main" {
		t.Fatalf("expected main, got %s", branch)
	}

	if err := repo.CheckoutCreateFrom("feature", "main"); err != nil {
		t.Fatalf("CheckoutCreateFrom() error = %v", err)
	}
	branch, err = repo.CurrentBranch()
	if err != nil {
		t.Fatalf("CurrentBranch() error = %v", err)
	}
	if branch != "feature" {
		t.Fatalf("expected feature, got %s", branch)
	}

	if err := repo.Checkout("main"); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
}

func TestHasUncommittedChanges(t *testing.T) {
	path := t.TempDir()
	initRepo(t, path)
	repo := openRepo(t, path)

	dirty, err := repo.HasUncommittedChanges()
	if err != nil {
		t.Fatalf("HasUncommittedChanges() error = %v", err)
	}
	if dirty {
		t.Fatal("fresh repo reported dirty")
	}

	if err := os.WriteFile(filepath.Join(path, "scratch.txt"), []byte("wip"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	dirty, err = repo.HasUncommittedChanges()
	if err != nil {
		t.Fatalf("HasUncommittedChanges() error = %v", err)
	}
	if !dirty {
		t.Fatal("untracked file not reported as uncommitted changes")
	}
}

func TestDefaultBranch(t *testing.T) {
	path := t.TempDir()
	initRepo(t, path)
	repo := openRepo(t, path)

	def, err := repo.DefaultBranch()
	if err != nil {
		t.Fatalf("DefaultBranch() error = %v", err)
	}
	if def != "main" {
		t.Fatalf("expected main, got %s", def)
	}
}

func TestAheadOfPublished(t *testing.T) {
	path := t.TempDir()
	gr := initRepo(t, path)
	repo := openRepo(t, path)

	mainRef, err := gr.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		t.Fatalf("resolve main: %v", err)
	}
	// Mark main as published.
	if err := gr.Storer.SetReference(plumbing.NewHashReference(plumbing.NewRemoteReferenceName("origin", "main"), mainRef.Hash())); err != nil {
		t.Fatalf("set remote main ref: %v", err)
	}

	if err := repo.CheckoutCreateFrom("feature", "main"); err != nil {
		t.Fatalf("CheckoutCreateFrom() error = %v", err)
	}
	commitFile(t, gr, path, "a.txt", "a", "first change")
	commitFile(t, gr, path, "b.txt", "b", "second change")

	ahead, err := repo.AheadOfPublished("feature")
	if err != nil {
		t.Fatalf("AheadOfPublished() error = %v", err)
	}
	if ahead != 2 {
		t.Fatalf("expected 2 commits ahead, got %d", ahead)
	}

	// Publishing the branch settles the count to zero.
	featRef, err := gr.Reference(plumbing.NewBranchReferenceName("feature"), true)
	if err != nil {
		t.Fatalf("resolve feature: %v", err)
	}
	if err := gr.Storer.SetReference(plumbing.NewHashReference(plumbing.NewRemoteReferenceName("origin", "feature"), featRef.Hash())); err != nil {
		t.Fatalf("set remote feature ref: %v", err)
	}
	ahead, err = repo.AheadOfPublished("feature")
	if err != nil {
		t.Fatalf("AheadOfPublished() error = %v", err)
	}
	if ahead != 0 {
		t.Fatalf("expected 0 commits ahead after publish, got %d", ahead)
	}
}

func TestTipsDiverged(t *testing.T) {
	path := t.TempDir()
	gr := initRepo(t, path)
	repo := openRepo(t, path)

	// No remote-tracking ref: never diverged.
	diverged, err := repo.TipsDiverged("main")
	if err != nil {
		t.Fatalf("TipsDiverged() error = %v", err)
	}
	if diverged {
		t.Fatal("branch without remote-tracking ref reported diverged")
	}

	// Build two histories from the same base.
	if err := repo.CheckoutCreateFrom("feature", "main"); err != nil {
		t.Fatalf("CheckoutCreateFrom() error = %v", err)
	}
	commitFile(t, gr, path, "local.txt", "local", "local work")

	if err := repo.CheckoutCreateFrom("shadow", "main"); err != nil {
		t.Fatalf("CheckoutCreateFrom() error = %v", err)
	}
	remoteTip := commitFile(t, gr, path, "remote.txt", "remote", "remote work")
	if err := repo.Checkout("feature"); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if err := gr.Storer.SetReference(plumbing.NewHashReference(plumbing.NewRemoteReferenceName("origin", "feature"), remoteTip)); err != nil {
		t.Fatalf("set remote feature ref: %v", err)
	}

	diverged, err = repo.TipsDiverged("feature")
	if err != nil {
		t.Fatalf("TipsDiverged() error = %v", err)
	}
	if !diverged {
		t.Fatal("expected diverged tips")
	}

	// Matching tips are not divergence.
	localTip, err := gr.Reference(plumbing.NewBranchReferenceName("feature"), true)
	if err != nil {
		t.Fatalf("resolve feature: %v", err)
	}
	if err := gr.Storer.SetReference(plumbing.NewHashReference(plumbing.NewRemoteReferenceName("origin", "feature"), localTip.Hash())); err != nil {
		t.Fatalf("set remote feature ref: %v", err)
	}
	diverged, err = repo.TipsDiverged("feature")
	if err != nil {
		t.Fatalf("TipsDiverged() error = %v", err)
	}
	if diverged {
		t.Fatal("matching tips reported diverged")
	}
}

func TestFileAtRefAndCommitFileToRef(t *testing.T) {
	path := t.TempDir()
	initRepo(t, path)
	repo := openRepo(t, path)

	const ref = "refs/loom/tracking"
	_, tip, exists, err := repo.FileAtRef(ref, "state/record.json")
	if err != nil {
		t.Fatalf("FileAtRef() error = %v", err)
	}
	if exists || tip != "" {
		t.Fatalf("missing ref reported as existing (tip %q)", tip)
	}

	first, err := repo.CommitFileToRef(ref, "state/record.json", []byte(`{"v":1}`), "write record", "")
	if err != nil {
		t.Fatalf("CommitFileToRef() error = %v", err)
	}
	data, tip, exists, err := repo.FileAtRef(ref, "state/record.json")
	if err != nil {
		t.Fatalf("FileAtRef() error = %v", err)
	}
	if !exists {
		t.Fatal("committed file not found on ref")
	}
	if string(data) != `{"v":1}` {
		t.Fatalf("unexpected contents: %s", data)
	}
	if tip != first {
		t.Fatalf("tip mismatch: %s vs %s", tip, first)
	}

	second, err := repo.CommitFileToRef(ref, "state/record.json", []byte(`{"v":2}`), "write record", first)
	if err != nil {
		t.Fatalf("CommitFileToRef() second write error = %v", err)
	}

	// A writer still parented on the first commit has lost the race.
	if _, err := repo.CommitFileToRef(ref, "state/record.json", []byte(`{"v":9}`), "write record", first); !errors.Is(err, ErrStaleRef) {
		t.Fatalf("expected ErrStaleRef for stale parent, got %v", err)
	}
	// So has a first-commit writer once the ref exists.
	if _, err := repo.CommitFileToRef(ref, "state/record.json", []byte(`{"v":9}`), "write record", ""); !errors.Is(err, ErrStaleRef) {
		t.Fatalf("expected ErrStaleRef for redundant first commit, got %v", err)
	}

	data, tip, _, err = repo.FileAtRef(ref, "state/record.json")
	if err != nil {
		t.Fatalf("FileAtRef() error = %v", err)
	}
	if string(data) != `{"v":2}` || tip != second {
		t.Fatalf("losing writers disturbed the ref: %s at %s", data, tip)
	}
}

func TestCommitFileToRefLeavesCheckoutAlone(t *testing.T) {
	path := t.TempDir()
	gr := initRepo(t, path)
	repo := openRepo(t, path)

	headBefore, err := gr.Head()
	if err != nil {
		t.Fatalf("read HEAD: %v", err)
	}

	const ref = "refs/loom/tracking"
	tip, err := repo.CommitFileToRef(ref, "record.json", []byte(`{"v":1}`), "write record", "")
	if err != nil {
		t.Fatalf("CommitFileToRef() error = %v", err)
	}

	headAfter, err := gr.Head()
	if err != nil {
		t.Fatalf("read HEAD: %v", err)
	}
	if headAfter.Hash() != headBefore.Hash() {
		t.Fatal("ref commit moved HEAD")
	}
	dirty, err := repo.HasUncommittedChanges()
	if err != nil {
		t.Fatalf("HasUncommittedChanges() error = %v", err)
	}
	if dirty {
		t.Fatal("ref commit dirtied the worktree")
	}

	// The ref survives branch switches and reads the same from any checkout.
	if err := repo.CheckoutCreateFrom("feature", "main"); err != nil {
		t.Fatalf("CheckoutCreateFrom() error = %v", err)
	}
	data, got, exists, err := repo.FileAtRef(ref, "record.json")
	if err != nil {
		t.Fatalf("FileAtRef() error = %v", err)
	}
	if !exists || got != tip || string(data) != `{"v":1}` {
		t.Fatalf("ref contents changed across checkout: exists=%v tip=%s data=%s", exists, got, data)
	}
}

func TestPushAndDeleteRemoteBranch(t *testing.T) {
	root := t.TempDir()
	barePath := filepath.Join(root, "origin.git")
	bare, err := git.PlainInit(barePath, true)
	if err != nil {
		t.Fatalf("init bare: %v", err)
	}

	path := filepath.Join(root, "work")
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	gr := initRepo(t, path)
	if _, err := gr.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{barePath}}); err != nil {
		t.Fatalf("create remote: %v", err)
	}
	repo := openRepo(t, path)

	if err := repo.CheckoutCreateFrom("feature", "main"); err != nil {
		t.Fatalf("CheckoutCreateFrom() error = %v", err)
	}
	commitFile(t, gr, path, "a.txt", "a", "change")

	ctx := context.Background()
	if err := repo.Push(ctx, "feature"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if _, err := bare.Reference(plumbing.NewBranchReferenceName("feature"), true); err != nil {
		t.Fatalf("pushed branch missing on remote: %v", err)
	}
	exists, err := repo.RemoteBranchExists("feature")
	if err != nil {
		t.Fatalf("RemoteBranchExists() error = %v", err)
	}
	if !exists {
		t.Fatal("remote-tracking ref missing after push")
	}

	if err := repo.Checkout("main"); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if err := repo.DeleteBranch(ctx, "feature", true, true); err != nil {
		t.Fatalf("DeleteBranch() error = %v", err)
	}
	if ok, _ := repo.BranchExists("feature"); ok {
		t.Fatal("local branch still present after delete")
	}
	if _, err := bare.Reference(plumbing.NewBranchReferenceName("feature"), true); err == nil {
		t.Fatal("remote branch still present after delete")
	}
}
