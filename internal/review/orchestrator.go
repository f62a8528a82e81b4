// Package review publishes committed session work: it pushes a linked
// repository's branch and opens the review request for it, exactly once.
package review

import (
	"context"
	"errors"
	"fmt"

	"loom/internal/remote"
	"loom/internal/track"
	"loom/internal/workspace"
)

// ErrNoChanges signals that the repository has no commits beyond its
// published branch. It is a no-op to the caller, not a failure.
var ErrNoChanges = errors.New("no unpublished commits")

// PublishError is a push or request-creation failure (network, auth,
// remote policy). Retryable: a retried Publish re-verifies remote state
// instead of trusting the failed attempt's outcome.
type PublishError struct {
	Repo   string
	Branch string
	Stage  string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s (%s): %s: %v", e.Repo, e.Branch, e.Stage, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

type Orchestrator struct {
	store *track.Store
	ws    *workspace.Workspace
	host  remote.Host
}

func New(store *track.Store, ws *workspace.Workspace, host remote.Host) *Orchestrator {
	return &Orchestrator{store: store, ws: ws, host: host}
}

// Publish pushes the linked repository's branch and ensures a review
// request exists for it, recording the request id in the tracking record.
// Re-running it never creates duplicates: the open request is looked up on
// the host before creating one, so a crash between push and record is
// healed by the next invocation.
func (o *Orchestrator) Publish(ctx context.Context, logicalBranch, repoName string) (string, error) {
	rec, _, err := o.store.Load()
	if err != nil {
		return "", err
	}
	sess := rec.Active(logicalBranch)
	if sess == nil {
		return "", fmt.Errorf("no active session for branch %q", logicalBranch)
	}
	lr := sess.Repo(repoName)
	if lr == nil {
		return "", fmt.Errorf("repository %q is not attached to session %s", repoName, sess.ID)
	}

	repo, err := o.ws.Linked(repoName)
	if err != nil {
		return "", err
	}
	ahead, err := repo.AheadOfPublished(lr.Branch)
	if err != nil {
		return "", err
	}
	if ahead == 0 {
		if lr.ReviewID != "" {
			return "", ErrNoChanges
		}
		// No recorded request. If the branch was never pushed there is
		// genuinely nothing to do; if it was, a previous publish died
		// between push and request creation and this retry heals it.
		pushed, err := repo.RemoteBranchExists(lr.Branch)
		if err != nil {
			return "", err
		}
		if !pushed {
			return "", ErrNoChanges
		}
	}

	if err := repo.Push(ctx, lr.Branch); err != nil {
		return "", &PublishError{Repo: repoName, Branch: lr.Branch, Stage: "push", Err: err}
	}

	id, err := o.host.FindOpenRequest(ctx, repoName, lr.Branch)
	if err != nil {
		return "", &PublishError{Repo: repoName, Branch: lr.Branch, Stage: "find request", Err: err}
	}
	if id == "" {
		id, err = o.host.CreateRequest(ctx, repoName, lr.Branch, lr.Branch)
		if err != nil {
			return "", &PublishError{Repo: repoName, Branch: lr.Branch, Stage: "create request", Err: err}
		}
	}

	// Repository and host state are settled; only now move the record.
	_, err = o.store.Update(func(rec *track.Record) error {
		sess := rec.Active(logicalBranch)
		if sess == nil {
			return fmt.Errorf("session for branch %q disappeared during publish", logicalBranch)
		}
		lr := sess.EnsureRepo(repoName)
		lr.ReviewID = id
		lr.ReviewState = track.ReviewOpen
		lr.Ahead = 0
		sess.Touch()
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
