// Package remote defines the review-hosting collaborator: the service that
// holds review requests for published branches. Loom consumes it through a
// narrow interface; wire-level detail belongs to the implementation behind
// it.
package remote

import "context"

// RequestState is the lifecycle state of a review request as reported by
// the hosting service.
type RequestState string

const (
	StateNone   RequestState = "none"
	StateOpen   RequestState = "open"
	StateMerged RequestState = "merged"
	StateClosed RequestState = "closed"
)

// Host is the review-hosting service boundary.
type Host interface {
	// FindOpenRequest returns the id of the open review request for
	// repo/branch, or "" when none exists.
	FindOpenRequest(ctx context.Context, repo, branch string) (string, error)
	// CreateRequest opens a review request for repo/branch and returns
	// its id.
	CreateRequest(ctx context.Context, repo, branch, title string) (string, error)
	// RequestStatus reports the current state of a review request.
	RequestStatus(ctx context.Context, id string) (RequestState, error)
	// HasOverrideMarker reports whether the merge-order override marker
	// is present on the given (primary-repository) review request.
	HasOverrideMarker(ctx context.Context, id string) (bool, error)
}

// StatusRefresher is implemented by hosts that answer RequestStatus from a
// cache. RefreshStatus bypasses the cache and returns the live state;
// callers deciding on status (retire, merge guard, explicit refresh) use it
// so a stale cache entry never drives a decision.
type StatusRefresher interface {
	RefreshStatus(ctx context.Context, id string) (RequestState, error)
}
