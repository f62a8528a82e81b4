// Package vcs wraps the version-control engine used by loom. It exposes the
// handful of repository primitives the rest of the system needs (current
// branch, checkout, push, ahead counts, tip divergence) and nothing else.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
)

// TimeoutError marks a network-dependent call that exceeded its deadline.
// The surrounding environment may be torn down at any moment, so callers
// need to tell a slow remote apart from a hard failure.
type TimeoutError struct {
	Repo string
	Op   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s timed out", e.Repo, e.Op)
}

// IsTimeout reports whether err (or anything it wraps) is a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// Repo is a handle on one repository in the composite workspace.
type Repo struct {
	name    string
	path    string
	remote  string
	timeout time.Duration
	gr      *git.Repository
}

// Open opens an existing repository. remote names the remote used for all
// network operations; timeout bounds each of them individually.
func Open(name, path, remote string, timeout time.Duration) (*Repo, error) {
	gr, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repo %s: %w", name, err)
	}
	return &Repo{name: name, path: path, remote: remote, timeout: timeout, gr: gr}, nil
}

func (r *Repo) Name() string { return r.name }
func (r *Repo) Path() string { return r.path }

// HasRemote reports whether the configured remote exists. Repositories
// without one are legal; every network operation degrades to a no-op.
func (r *Repo) HasRemote() bool {
	_, err := r.gr.Remote(r.remote)
	return err == nil
}

// CurrentBranch returns the branch HEAD points at. A detached HEAD is an
// error: loom never operates on detached checkouts.
func (r *Repo) CurrentBranch() (string, error) {
	head, err := r.gr.Head()
	if err != nil {
		return "", fmt.Errorf("%s: read HEAD: %w", r.name, err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("%s: HEAD is detached at %s", r.name, head.Hash().String()[:7])
	}
	return head.Name().Short(), nil
}

// HasUncommittedChanges reports whether the worktree differs from HEAD.
func (r *Repo) HasUncommittedChanges() (bool, error) {
	worktree, err := r.gr.Worktree()
	if err != nil {
		return false, fmt.Errorf("%s: open worktree: %w", r.name, err)
	}
	status, err := worktree.Status()
	if err != nil {
		return false, fmt.Errorf("%s: read worktree status: %w", r.name, err)
	}
	return !status.IsClean(), nil
}

// BranchExists reports whether branch exists as a local ref.
func (r *Repo) BranchExists(branch string) (bool, error) {
	_, err := r.gr.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("%s: resolve branch %s: %w", r.name, branch, err)
}

// RemoteBranchExists reports whether the remote-tracking ref for branch
// exists locally. Call Fetch first for a current answer.
func (r *Repo) RemoteBranchExists(branch string) (bool, error) {
	_, err := r.gr.Reference(plumbing.NewRemoteReferenceName(r.remote, branch), true)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("%s: resolve remote branch %s: %w", r.name, branch, err)
}

// DefaultBranch resolves the repository's default branch: the remote HEAD if
// known, then init.defaultBranch, then main, then master.
func (r *Repo) DefaultBranch() (string, error) {
	if ref, err := r.gr.Reference(plumbing.NewRemoteHEADReferenceName(r.remote), false); err == nil {
		if ref.Type() == plumbing.SymbolicReference {
			// Target is refs/remotes/<remote>/<branch>.
			return strings.TrimPrefix(ref.Target().Short(), r.remote+"/"), nil
		}
	}
	if cfg, err := r.gr.Config(); err == nil && cfg.Init.DefaultBranch != "" {
		if ok, _ := r.BranchExists(cfg.Init.DefaultBranch); ok {
			return cfg.Init.DefaultBranch, nil
		}
	}
	for _, candidate := range []string{"main", "master"} {
		if ok, err := r.BranchExists(candidate); err != nil {
			return "", err
		} else if ok {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: cannot determine default branch", r.name)
}

// Checkout switches the worktree to branch, which must already exist.
func (r *Repo) Checkout(branch string) error {
	worktree, err := r.gr.Worktree()
	if err != nil {
		return fmt.Errorf("%s: open worktree: %w", r.name, err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch)}); err != nil {
		return fmt.Errorf("%s: checkout %s: %w", r.name, branch, err)
	}
	return nil
}

// CheckoutCreateFrom creates branch at the tip of from (a local branch or a
// remote-tracking ref of the configured remote) and checks it out.
func (r *Repo) CheckoutCreateFrom(branch, from string) error {
	tip, err := r.branchTip(from)
	if err != nil {
		return err
	}
	branchRef := plumbing.NewBranchReferenceName(branch)
	if err := r.gr.Storer.SetReference(plumbing.NewHashReference(branchRef, tip)); err != nil {
		return fmt.Errorf("%s: create branch %s: %w", r.name, branch, err)
	}
	return r.Checkout(branch)
}

// branchTip resolves a branch tip, preferring the local ref and falling back
// to the remote-tracking ref.
func (r *Repo) branchTip(branch string) (plumbing.Hash, error) {
	if ref, err := r.gr.Reference(plumbing.NewBranchReferenceName(branch), true); err == nil {
		return ref.Hash(), nil
	}
	ref, err := r.gr.Reference(plumbing.NewRemoteReferenceName(r.remote, branch), true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%s: resolve tip of %s: %w", r.name, branch, err)
	}
	return ref.Hash(), nil
}

// Fetch updates remote-tracking refs. Repositories without a remote and
// already-current remotes are both fine.
func (r *Repo) Fetch(ctx context.Context) error {
	if !r.HasRemote() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	err := r.gr.FetchContext(ctx, &git.FetchOptions{RemoteName: r.remote})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Repo: r.name, Op: "fetch"}
		}
		return fmt.Errorf("%s: fetch: %w", r.name, err)
	}
	return nil
}

// Push publishes branch to the configured remote.
func (r *Repo) Push(ctx context.Context, branch string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	spec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err := r.gr.PushContext(ctx, &git.PushOptions{
		RemoteName: r.remote,
		RefSpecs:   []gitconfig.RefSpec{spec},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Repo: r.name, Op: "push"}
		}
		return fmt.Errorf("%s: push %s: %w", r.name, branch, err)
	}
	// Keep the remote-tracking ref current so ahead counts settle to zero
	// without a fetch.
	tip, err := r.branchTip(branch)
	if err != nil {
		return err
	}
	trackingRef := plumbing.NewHashReference(plumbing.NewRemoteReferenceName(r.remote, branch), tip)
	if err := r.gr.Storer.SetReference(trackingRef); err != nil {
		return fmt.Errorf("%s: update remote-tracking ref for %s: %w", r.name, branch, err)
	}
	return nil
}

// DeleteBranch removes branch locally, remotely, or both. The branch must
// not be checked out; callers switch to the default branch first.
func (r *Repo) DeleteBranch(ctx context.Context, branch string, local, remote bool) error {
	branchRef := plumbing.NewBranchReferenceName(branch)
	if local {
		if err := r.gr.Storer.RemoveReference(branchRef); err != nil {
			return fmt.Errorf("%s: delete local branch %s: %w", r.name, branch, err)
		}
	}
	if remote && r.HasRemote() {
		exists, err := r.RemoteBranchExists(branch)
		if err != nil {
			return err
		}
		if exists {
			ctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			spec := gitconfig.RefSpec(":refs/heads/" + branch)
			err := r.gr.PushContext(ctx, &git.PushOptions{
				RemoteName: r.remote,
				RefSpecs:   []gitconfig.RefSpec{spec},
			})
			if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return &TimeoutError{Repo: r.name, Op: "delete remote branch"}
				}
				return fmt.Errorf("%s: delete remote branch %s: %w", r.name, branch, err)
			}
			_ = r.gr.Storer.RemoveReference(plumbing.NewRemoteReferenceName(r.remote, branch))
		}
	}
	return nil
}

// AheadOfPublished counts commits on branch that are not on its published
// base: the remote-tracking ref for branch when it exists, otherwise the
// default branch. A branch with no base at all counts its entire history.
func (r *Repo) AheadOfPublished(branch string) (int, error) {
	tipRef, err := r.gr.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return 0, fmt.Errorf("%s: resolve branch %s: %w", r.name, branch, err)
	}
	tip, err := r.gr.CommitObject(tipRef.Hash())
	if err != nil {
		return 0, fmt.Errorf("%s: load tip of %s: %w", r.name, branch, err)
	}

	baseHash, ok, err := r.publishedBase(branch)
	if err != nil {
		return 0, err
	}
	if !ok {
		return countCommits(tip, nil)
	}
	if baseHash == tip.Hash {
		return 0, nil
	}
	base, err := r.gr.CommitObject(baseHash)
	if err != nil {
		return 0, fmt.Errorf("%s: load base of %s: %w", r.name, branch, err)
	}
	if ancestor, err := tip.IsAncestor(base); err == nil && ancestor {
		return 0, nil
	}
	mergeBases, err := tip.MergeBase(base)
	if err != nil {
		return 0, fmt.Errorf("%s: merge-base %s: %w", r.name, branch, err)
	}
	ignore := make([]plumbing.Hash, 0, len(mergeBases))
	for _, mb := range mergeBases {
		ignore = append(ignore, mb.Hash)
	}
	if len(ignore) == 0 {
		ignore = append(ignore, base.Hash)
	}
	return countCommits(tip, ignore)
}

func (r *Repo) publishedBase(branch string) (plumbing.Hash, bool, error) {
	if ref, err := r.gr.Reference(plumbing.NewRemoteReferenceName(r.remote, branch), true); err == nil {
		return ref.Hash(), true, nil
	}
	def, err := r.DefaultBranch()
	if err != nil {
		return plumbing.ZeroHash, false, nil
	}
	if def == branch {
		return plumbing.ZeroHash, false, nil
	}
	if ref, err := r.gr.Reference(plumbing.NewRemoteReferenceName(r.remote, def), true); err == nil {
		return ref.Hash(), true, nil
	}
	if ref, err := r.gr.Reference(plumbing.NewBranchReferenceName(def), true); err == nil {
		return ref.Hash(), true, nil
	}
	return plumbing.ZeroHash, false, nil
}

func countCommits(tip *object.Commit, ignore []plumbing.Hash) (int, error) {
	iter := object.NewCommitPreorderIter(tip, nil, ignore)
	defer iter.Close()
	count := 0
	err := iter.ForEach(func(*object.Commit) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count commits: %w", err)
	}
	return count, nil
}

// TipsDiverged reports whether the local and remote tips of branch have
// diverged, meaning neither is an ancestor of the other. Branches with no
// remote-tracking ref never diverge.
func (r *Repo) TipsDiverged(branch string) (bool, error) {
	localRef, err := r.gr.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%s: resolve branch %s: %w", r.name, branch, err)
	}
	remoteRef, err := r.gr.Reference(plumbing.NewRemoteReferenceName(r.remote, branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%s: resolve remote branch %s: %w", r.name, branch, err)
	}
	if localRef.Hash() == remoteRef.Hash() {
		return false, nil
	}
	local, err := r.gr.CommitObject(localRef.Hash())
	if err != nil {
		return false, fmt.Errorf("%s: load local tip of %s: %w", r.name, branch, err)
	}
	remote, err := r.gr.CommitObject(remoteRef.Hash())
	if err != nil {
		return false, fmt.Errorf("%s: load remote tip of %s: %w", r.name, branch, err)
	}
	if ancestor, err := local.IsAncestor(remote); err != nil {
		return false, fmt.Errorf("%s: ancestry check on %s: %w", r.name, branch, err)
	} else if ancestor {
		return false, nil
	}
	if ancestor, err := remote.IsAncestor(local); err != nil {
		return false, fmt.Errorf("%s: ancestry check on %s: %w", r.name, branch, err)
	} else if ancestor {
		return false, nil
	}
	return true, nil
}

// ErrStaleRef reports a compare-and-swap ref update that lost to a
// concurrent writer.
var ErrStaleRef = errors.New("ref advanced since last read")

// FileAtRef reads path from the commit a repository-local ref points at.
// tip is the commit hash the ref resolved to, empty when the ref does not
// exist. A missing ref or missing file returns exists=false rather than an
// error. The ref is independent of HEAD, so reads are unaffected by which
// branch the worktree has checked out.
func (r *Repo) FileAtRef(refName, path string) (data []byte, tip string, exists bool, err error) {
	ref, err := r.gr.Reference(plumbing.ReferenceName(refName), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, "", false, nil
		}
		return nil, "", false, fmt.Errorf("%s: resolve %s: %w", r.name, refName, err)
	}
	commit, err := r.gr.CommitObject(ref.Hash())
	if err != nil {
		return nil, "", false, fmt.Errorf("%s: load tip of %s: %w", r.name, refName, err)
	}
	file, err := commit.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, ref.Hash().String(), false, nil
		}
		return nil, "", false, fmt.Errorf("%s: load %s from %s: %w", r.name, path, refName, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return nil, "", false, fmt.Errorf("%s: read %s: %w", r.name, path, err)
	}
	return []byte(contents), ref.Hash().String(), true, nil
}

// CommitFileToRef records data as a single-file commit on a repository-local
// ref, never touching HEAD, the index, or the worktree. parent is the commit
// hash the caller last observed (empty before the first commit); the ref is
// advanced only if it still points there, and ErrStaleRef reports a lost
// race. Returns the new tip hash.
func (r *Repo) CommitFileToRef(refName, path string, data []byte, message, parent string) (string, error) {
	blobHash, err := r.writeBlob(data)
	if err != nil {
		return "", err
	}
	treeHash, err := r.writeTreePath(path, blobHash)
	if err != nil {
		return "", err
	}

	sig := object.Signature{Name: "loom", Email: "loom@localhost", When: time.Now()}
	commit := &object.Commit{
		Author:    sig,
		Committer: sig,
		Message:   message,
		TreeHash:  treeHash,
	}
	if parent != "" {
		commit.ParentHashes = []plumbing.Hash{plumbing.NewHash(parent)}
	}
	obj := r.gr.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return "", fmt.Errorf("%s: encode commit: %w", r.name, err)
	}
	hash, err := r.gr.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("%s: store commit: %w", r.name, err)
	}

	name := plumbing.ReferenceName(refName)
	newRef := plumbing.NewHashReference(name, hash)
	if parent == "" {
		if _, err := r.gr.Reference(name, false); err == nil {
			return "", ErrStaleRef
		} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", fmt.Errorf("%s: resolve %s: %w", r.name, refName, err)
		}
		if err := r.gr.Storer.SetReference(newRef); err != nil {
			return "", fmt.Errorf("%s: create %s: %w", r.name, refName, err)
		}
		return hash.String(), nil
	}
	old := plumbing.NewHashReference(name, plumbing.NewHash(parent))
	if err := r.gr.Storer.CheckAndSetReference(newRef, old); err != nil {
		if errors.Is(err, storage.ErrReferenceHasChanged) {
			return "", ErrStaleRef
		}
		return "", fmt.Errorf("%s: advance %s: %w", r.name, refName, err)
	}
	return hash.String(), nil
}

func (r *Repo) writeBlob(data []byte) (plumbing.Hash, error) {
	obj := r.gr.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%s: open blob writer: %w", r.name, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return plumbing.ZeroHash, fmt.Errorf("%s: write blob: %w", r.name, err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%s: close blob writer: %w", r.name, err)
	}
	hash, err := r.gr.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%s: store blob: %w", r.name, err)
	}
	return hash, nil
}

// writeTreePath builds the tree objects for a single file at path, nesting
// one tree per path segment, innermost first.
func (r *Repo) writeTreePath(path string, blob plumbing.Hash) (plumbing.Hash, error) {
	segments := strings.Split(path, "/")
	childHash := blob
	childMode := filemode.Regular
	for i := len(segments) - 1; i >= 0; i-- {
		tree := &object.Tree{Entries: []object.TreeEntry{{
			Name: segments[i],
			Mode: childMode,
			Hash: childHash,
		}}}
		obj := r.gr.Storer.NewEncodedObject()
		if err := tree.Encode(obj); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("%s: encode tree: %w", r.name, err)
		}
		hash, err := r.gr.Storer.SetEncodedObject(obj)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("%s: store tree: %w", r.name, err)
		}
		childHash, childMode = hash, filemode.Dir
	}
	return childHash, nil
}
