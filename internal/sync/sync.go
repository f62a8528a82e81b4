// Package sync aligns a repository's checked-out branch with the branch a
// session expects. It never discards work and never reconciles diverged
// tips on its own; both conditions surface as a DivergenceError for the
// operator to resolve.
package sync

import (
	"context"
	"fmt"

	"loom/internal/vcs"
)

// Result describes what EnsureBranch had to do.
type Result string

const (
	AlreadyCorrect Result = "already-correct"
	Switched       Result = "switched"
	Created        Result = "created"
)

// DivergenceError reports repository state that must not be resolved
// automatically: uncommitted modifications in the way of a switch, or local
// and remote tips of the desired branch that have diverged.
type DivergenceError struct {
	Repo   string
	Branch string
	Reason string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("%s: cannot align to %s: %s", e.Repo, e.Branch, e.Reason)
}

// EnsureBranch puts repo on branch. If the branch is already checked out it
// returns AlreadyCorrect; if it exists locally or remotely it is checked out
// (Switched); otherwise it is created from the default branch (Created).
// Uncommitted modifications block a switch, and diverged local/remote tips
// of the desired branch block everything, both via DivergenceError.
func EnsureBranch(ctx context.Context, repo *vcs.Repo, branch string) (Result, error) {
	current, err := repo.CurrentBranch()
	if err != nil {
		return "", err
	}

	if err := repo.Fetch(ctx); err != nil {
		return "", err
	}

	if current == branch {
		diverged, err := repo.TipsDiverged(branch)
		if err != nil {
			return "", err
		}
		if diverged {
			return "", &DivergenceError{
				Repo:   repo.Name(),
				Branch: branch,
				Reason: "local and remote tips have diverged; reconcile manually",
			}
		}
		return AlreadyCorrect, nil
	}

	dirty, err := repo.HasUncommittedChanges()
	if err != nil {
		return "", err
	}
	if dirty {
		return "", &DivergenceError{
			Repo:   repo.Name(),
			Branch: branch,
			Reason: fmt.Sprintf("uncommitted changes on %s; commit or stash before switching", current),
		}
	}

	localExists, err := repo.BranchExists(branch)
	if err != nil {
		return "", err
	}
	if localExists {
		diverged, err := repo.TipsDiverged(branch)
		if err != nil {
			return "", err
		}
		if diverged {
			return "", &DivergenceError{
				Repo:   repo.Name(),
				Branch: branch,
				Reason: "local and remote tips have diverged; reconcile manually",
			}
		}
		if err := repo.Checkout(branch); err != nil {
			return "", err
		}
		return Switched, nil
	}

	remoteExists, err := repo.RemoteBranchExists(branch)
	if err != nil {
		return "", err
	}
	if remoteExists {
		if err := repo.CheckoutCreateFrom(branch, branch); err != nil {
			return "", err
		}
		return Switched, nil
	}

	def, err := repo.DefaultBranch()
	if err != nil {
		return "", err
	}
	if err := repo.CheckoutCreateFrom(branch, def); err != nil {
		return "", err
	}
	return Created, nil
}
