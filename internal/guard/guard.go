// Package guard decides whether the primary repository may merge while
// linked repositories still have review requests in flight. Blocking is a
// normal decision outcome, not an error, and evaluation is pure: the same
// inputs always produce the same decision.
package guard

type State string

const (
	// NoRequest means the linked repository never published work.
	NoRequest State = "no-request"
	// Open means committed work is under review and unmerged.
	Open State = "open"
	// Merged means the linked repository's work has landed.
	Merged State = "merged"
	// ClosedUnmerged means the request was closed without merging;
	// abandoned work, flagged but never blocking.
	ClosedUnmerged State = "closed-unmerged"
)

// RepoRequest is one linked repository's review-request state at
// evaluation time.
type RepoRequest struct {
	Repo  string
	State State
}

// Input is everything a guard evaluation looks at.
type Input struct {
	Requests []RepoRequest
	// Override reports whether the explicit override marker is present
	// on the primary repository's review request.
	Override bool
}

// Decision is the result of one evaluation. Blocking lists the linked
// repositories with open requests; Flagged lists closed-unmerged requests
// surfaced for visibility. OverrideUsed is recorded for audit whenever the
// override marker short-circuited the check.
type Decision struct {
	Allow        bool
	OverrideUsed bool
	Blocking     []string
	Flagged      []string
}

// Evaluate applies the merge-order rule: block while any linked repository
// has an open request, unless the override marker is present. The override
// is checked first and short-circuits everything else.
func Evaluate(in Input) Decision {
	if in.Override {
		return Decision{Allow: true, OverrideUsed: true}
	}

	var decision Decision
	for _, req := range in.Requests {
		switch req.State {
		case Open:
			decision.Blocking = append(decision.Blocking, req.Repo)
		case ClosedUnmerged:
			decision.Flagged = append(decision.Flagged, req.Repo)
		case NoRequest, Merged:
			// Never block.
		}
	}
	decision.Allow = len(decision.Blocking) == 0
	return decision
}
