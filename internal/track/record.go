// Package track owns the tracking record: the durable, versioned aggregate
// of every session and its linked-repository state. The record lives as a
// JSON document committed inside the primary repository, so it survives
// destruction of the execution environment.
package track

import (
	"time"

	"loom/internal/util"
)

type SessionStatus string

const (
	StatusActive   SessionStatus = "active"
	StatusRetiring SessionStatus = "retiring"
	StatusClosed   SessionStatus = "closed"
)

type ReviewState string

const (
	ReviewNone   ReviewState = "none"
	ReviewOpen   ReviewState = "open"
	ReviewMerged ReviewState = "merged"
	ReviewClosed ReviewState = "closed"
)

// LinkedRepo is the per-session record for one linked repository.
type LinkedRepo struct {
	Name        string      `json:"name"`
	Branch      string      `json:"branch"`
	Dirty       bool        `json:"dirty"`
	Ahead       int         `json:"ahead"`
	ReviewID    string      `json:"reviewId,omitempty"`
	ReviewState ReviewState `json:"reviewState"`
}

// Session is one unit of work spanning a logical branch name across the
// primary repository and zero or more linked repositories.
type Session struct {
	ID        string        `json:"id"`
	Branch    string        `json:"branch"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Repos     []*LinkedRepo `json:"repos"`
}

// NewSession creates an active session for a logical branch name.
func NewSession(branch string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        util.NewID("ses"),
		Branch:    branch,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Repo returns the linked-repository entry with the given name, or nil.
func (s *Session) Repo(name string) *LinkedRepo {
	for _, lr := range s.Repos {
		if lr.Name == name {
			return lr
		}
	}
	return nil
}

// EnsureRepo returns the entry for name, appending one on the session's
// branch if absent.
func (s *Session) EnsureRepo(name string) *LinkedRepo {
	if lr := s.Repo(name); lr != nil {
		return lr
	}
	lr := &LinkedRepo{Name: name, Branch: s.Branch, ReviewState: ReviewNone}
	s.Repos = append(s.Repos, lr)
	return lr
}

// Touch bumps the session's last-updated timestamp.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

const SchemaVersion = 1

// Record is the serialized aggregate of all sessions, keyed by logical
// branch name. It is the single source of truth; in-memory views are always
// derived from it.
type Record struct {
	SchemaVersion int                 `json:"schemaVersion"`
	Sessions      map[string]*Session `json:"sessions"`
}

func NewRecord() *Record {
	return &Record{
		SchemaVersion: SchemaVersion,
		Sessions:      make(map[string]*Session),
	}
}

// Active returns the active session for a logical branch name, or nil. At
// most one session per branch name is active at a time.
func (r *Record) Active(branch string) *Session {
	s, ok := r.Sessions[branch]
	if !ok || s.Status == StatusClosed {
		return nil
	}
	return s
}

// Put stores a session under its logical branch name.
func (r *Record) Put(s *Session) {
	if r.Sessions == nil {
		r.Sessions = make(map[string]*Session)
	}
	r.Sessions[s.Branch] = s
}

// Remove drops the session for a logical branch name along with its
// linked-repository entries.
func (r *Record) Remove(branch string) {
	delete(r.Sessions, branch)
}
