// Package session drives the lifecycle of work sessions: starting or
// resuming them, attaching linked repositories, reporting live status, and
// retiring finished work. Every operation loads the tracking record,
// mutates repositories first, and persists afterwards, so a crash leaves
// the record behind reality rather than ahead of it.
package session

import (
	"context"
	"fmt"
	"strings"

	"loom/internal/guard"
	"loom/internal/remote"
	"loom/internal/sync"
	"loom/internal/track"
	"loom/internal/vcs"
	"loom/internal/workspace"
)

// BlockedError reports a retirement blocked by unmerged review requests.
// Resolve by merging the listed requests, or pass force.
type BlockedError struct {
	Branch string
	Open   []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("session %s has open review requests in: %s", e.Branch, strings.Join(e.Open, ", "))
}

// RepoStatus is the live view of one linked repository.
type RepoStatus struct {
	Name        string
	Branch      string
	Aligned     bool
	Dirty       bool
	Ahead       int
	ReviewID    string
	ReviewState track.ReviewState
}

// Status is the live view of a session.
type Status struct {
	Session *track.Session
	Repos   []RepoStatus
}

type Controller struct {
	store *track.Store
	ws    *workspace.Workspace
	host  remote.Host
}

func New(store *track.Store, ws *workspace.Workspace, host remote.Host) *Controller {
	return &Controller{store: store, ws: ws, host: host}
}

// liveRequestStatus reads request status past any status cache. Explicit
// refreshes, retirement checks, and guard evaluation act on the answer, so
// they must see the host's current state, not a cached one.
func (c *Controller) liveRequestStatus(ctx context.Context, id string) (remote.RequestState, error) {
	if r, ok := c.host.(remote.StatusRefresher); ok {
		return r.RefreshStatus(ctx, id)
	}
	return c.host.RequestStatus(ctx, id)
}

// StartOrResume returns the active session for the logical branch, creating
// one on first use. The primary repository is aligned to the branch either
// way, since the execution environment may have been rebuilt since the
// session was last touched. Resuming is idempotent: the same branch always
// yields the same session identifier.
func (c *Controller) StartOrResume(ctx context.Context, branch string) (*track.Session, error) {
	primary, err := c.ws.Primary()
	if err != nil {
		return nil, err
	}
	if _, err := sync.EnsureBranch(ctx, primary, branch); err != nil {
		return nil, err
	}

	rec, _, err := c.store.Load()
	if err != nil {
		return nil, err
	}
	if sess := rec.Active(branch); sess != nil {
		return sess, nil
	}

	sess := track.NewSession(branch)
	if _, err := c.store.Update(func(rec *track.Record) error {
		if existing := rec.Active(branch); existing != nil {
			sess = existing
			return nil
		}
		rec.Put(sess)
		return nil
	}); err != nil {
		return nil, err
	}
	return sess, nil
}

// AttachRepository aligns the named linked repository to the session's
// branch and records it in the tracking record.
func (c *Controller) AttachRepository(ctx context.Context, branch, name string) (*track.LinkedRepo, error) {
	rec, _, err := c.store.Load()
	if err != nil {
		return nil, err
	}
	sess := rec.Active(branch)
	if sess == nil {
		return nil, fmt.Errorf("no active session for branch %q", branch)
	}

	// A repository attached with an explicit branch override keeps it on
	// re-attach; only first attachments default to the session branch.
	target := sess.Branch
	if lr := sess.Repo(name); lr != nil && lr.Branch != "" {
		target = lr.Branch
	}

	repo, err := c.ws.Linked(name)
	if err != nil {
		return nil, err
	}
	if _, err := sync.EnsureBranch(ctx, repo, target); err != nil {
		return nil, err
	}
	dirty, err := repo.HasUncommittedChanges()
	if err != nil {
		return nil, err
	}
	ahead, err := repo.AheadOfPublished(target)
	if err != nil {
		return nil, err
	}

	var attached *track.LinkedRepo
	if _, err := c.store.Update(func(rec *track.Record) error {
		sess := rec.Active(branch)
		if sess == nil {
			return fmt.Errorf("session for branch %q disappeared during attach", branch)
		}
		lr := sess.EnsureRepo(name)
		lr.Branch = target
		lr.Dirty = dirty
		lr.Ahead = ahead
		sess.Touch()
		attached = lr
		return nil
	}); err != nil {
		return nil, err
	}
	return attached, nil
}

// SwitchRepositoryBranch overrides the branch a linked repository works on,
// departing from the session's logical branch name. The repository is
// aligned first and the recorded branch updated in the same record write,
// so checkout and record never disagree.
func (c *Controller) SwitchRepositoryBranch(ctx context.Context, branch, name, newBranch string) (*track.LinkedRepo, error) {
	rec, _, err := c.store.Load()
	if err != nil {
		return nil, err
	}
	sess := rec.Active(branch)
	if sess == nil {
		return nil, fmt.Errorf("no active session for branch %q", branch)
	}
	if sess.Repo(name) == nil {
		return nil, fmt.Errorf("repository %q is not attached to session %s", name, sess.ID)
	}

	repo, err := c.ws.Linked(name)
	if err != nil {
		return nil, err
	}
	if _, err := sync.EnsureBranch(ctx, repo, newBranch); err != nil {
		return nil, err
	}

	var switched *track.LinkedRepo
	if _, err := c.store.Update(func(rec *track.Record) error {
		sess := rec.Active(branch)
		if sess == nil {
			return fmt.Errorf("session for branch %q disappeared during switch", branch)
		}
		lr := sess.EnsureRepo(name)
		lr.Branch = newBranch
		sess.Touch()
		switched = lr
		return nil
	}); err != nil {
		return nil, err
	}
	return switched, nil
}

// Status reports the session's linked repositories. Dirty flags and ahead
// counts are always recomputed live; a stale record never drives display.
// Review-request state comes from the last-persisted value unless
// refreshReviews is set, in which case the host is queried and the record
// updated.
func (c *Controller) Status(ctx context.Context, branch string, refreshReviews bool) (*Status, error) {
	rec, _, err := c.store.Load()
	if err != nil {
		return nil, err
	}
	sess := rec.Active(branch)
	if sess == nil {
		return nil, fmt.Errorf("no active session for branch %q", branch)
	}

	refreshed := make(map[string]track.ReviewState)
	status := &Status{Session: sess}
	for _, lr := range sess.Repos {
		repo, err := c.ws.Linked(lr.Name)
		if err != nil {
			return nil, err
		}
		current, err := repo.CurrentBranch()
		if err != nil {
			return nil, err
		}
		dirty, err := repo.HasUncommittedChanges()
		if err != nil {
			return nil, err
		}
		ahead, err := repo.AheadOfPublished(lr.Branch)
		if err != nil {
			return nil, err
		}

		reviewState := lr.ReviewState
		if refreshReviews && lr.ReviewID != "" {
			state, err := c.liveRequestStatus(ctx, lr.ReviewID)
			if err != nil {
				return nil, fmt.Errorf("refresh review state for %s: %w", lr.Name, err)
			}
			reviewState = reviewStateFromRemote(state)
			refreshed[lr.Name] = reviewState
		}

		status.Repos = append(status.Repos, RepoStatus{
			Name:        lr.Name,
			Branch:      lr.Branch,
			Aligned:     current == lr.Branch,
			Dirty:       dirty,
			Ahead:       ahead,
			ReviewID:    lr.ReviewID,
			ReviewState: reviewState,
		})
	}

	if len(refreshed) > 0 {
		if _, err := c.store.Update(func(rec *track.Record) error {
			sess := rec.Active(branch)
			if sess == nil {
				return nil
			}
			for name, state := range refreshed {
				if lr := sess.Repo(name); lr != nil {
					lr.ReviewState = state
				}
			}
			sess.Touch()
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return status, nil
}

// Retire closes out a session: every published review request must be
// merged (verified live against the host) unless force is set. On success
// the default branch is checked out everywhere the session touched, the
// session branches are deleted locally and remotely, and the session is
// removed from the tracking record.
func (c *Controller) Retire(ctx context.Context, branch string, force bool) error {
	rec, _, err := c.store.Load()
	if err != nil {
		return err
	}
	sess := rec.Active(branch)
	if sess == nil {
		return fmt.Errorf("no active session for branch %q", branch)
	}

	if !force {
		var open []string
		for _, lr := range sess.Repos {
			if lr.ReviewID == "" {
				continue
			}
			state, err := c.liveRequestStatus(ctx, lr.ReviewID)
			if err != nil {
				return fmt.Errorf("verify review state for %s: %w", lr.Name, err)
			}
			if reviewStateFromRemote(state) == track.ReviewOpen {
				open = append(open, lr.Name)
			}
		}
		if len(open) > 0 {
			return &BlockedError{Branch: branch, Open: open}
		}
	}

	// Mark the session retiring before touching repositories, so an
	// interrupted retire is visible on the next status call.
	if _, err := c.store.Update(func(rec *track.Record) error {
		if sess := rec.Active(branch); sess != nil {
			sess.Status = track.StatusRetiring
			sess.Touch()
		}
		return nil
	}); err != nil {
		return err
	}

	for _, lr := range sess.Repos {
		repo, err := c.ws.Linked(lr.Name)
		if err != nil {
			return err
		}
		if err := c.restoreDefault(ctx, repo, lr.Branch); err != nil {
			return err
		}
	}

	primary, err := c.ws.Primary()
	if err != nil {
		return err
	}
	if err := c.restoreDefault(ctx, primary, branch); err != nil {
		return err
	}

	// Repositories are back on their default branches; only now drop the
	// session from the record.
	if _, err := c.store.Update(func(rec *track.Record) error {
		rec.Remove(branch)
		return nil
	}); err != nil {
		return err
	}
	return nil
}

// restoreDefault checks out the repository's default branch and deletes the
// session branch locally and remotely. A repository already off the session
// branch is left where it is.
func (c *Controller) restoreDefault(ctx context.Context, repo *vcs.Repo, branch string) error {
	def, err := repo.DefaultBranch()
	if err != nil {
		return err
	}
	current, err := repo.CurrentBranch()
	if err != nil {
		return err
	}
	if current == branch {
		if err := repo.Checkout(def); err != nil {
			return err
		}
	}
	exists, err := repo.BranchExists(branch)
	if err != nil {
		return err
	}
	if exists && branch != def {
		if err := repo.DeleteBranch(ctx, branch, true, true); err != nil {
			return err
		}
	}
	return nil
}

// EvaluateGuard assembles guard input for the session from live host state
// and evaluates the merge-order rule. Evaluation itself is side-effect-free;
// the tracking record is not touched.
func (c *Controller) EvaluateGuard(ctx context.Context, branch string) (guard.Decision, error) {
	rec, _, err := c.store.Load()
	if err != nil {
		return guard.Decision{}, err
	}
	sess := rec.Active(branch)
	if sess == nil {
		return guard.Decision{}, fmt.Errorf("no active session for branch %q", branch)
	}

	override := false
	primaryID, err := c.host.FindOpenRequest(ctx, c.ws.PrimaryName(), branch)
	if err != nil {
		return guard.Decision{}, fmt.Errorf("find primary review request: %w", err)
	}
	if primaryID != "" {
		override, err = c.host.HasOverrideMarker(ctx, primaryID)
		if err != nil {
			return guard.Decision{}, fmt.Errorf("check override marker: %w", err)
		}
	}

	input := guard.Input{Override: override}
	for _, lr := range sess.Repos {
		if lr.ReviewID == "" {
			input.Requests = append(input.Requests, guard.RepoRequest{Repo: lr.Name, State: guard.NoRequest})
			continue
		}
		state, err := c.liveRequestStatus(ctx, lr.ReviewID)
		if err != nil {
			return guard.Decision{}, fmt.Errorf("review state for %s: %w", lr.Name, err)
		}
		input.Requests = append(input.Requests, guard.RepoRequest{Repo: lr.Name, State: guardState(state)})
	}
	return guard.Evaluate(input), nil
}

func guardState(state remote.RequestState) guard.State {
	switch state {
	case remote.StateOpen:
		return guard.Open
	case remote.StateMerged:
		return guard.Merged
	case remote.StateClosed:
		return guard.ClosedUnmerged
	default:
		return guard.NoRequest
	}
}

func reviewStateFromRemote(state remote.RequestState) track.ReviewState {
	switch state {
	case remote.StateOpen:
		return track.ReviewOpen
	case remote.StateMerged:
		return track.ReviewMerged
	case remote.StateClosed:
		return track.ReviewClosed
	default:
		return track.ReviewNone
	}
}
