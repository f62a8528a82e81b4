package track

import (
	"encoding/json"
	"errors"
	"fmt"

	"loom/internal/vcs"
)

// Ref is the repository-local ref carrying the tracking record's history.
// Living outside refs/heads keeps the record off every branch: the one
// linear aggregate of all sessions is visible no matter which branch the
// worktree has checked out, and branch deletion never touches it.
const Ref = "refs/loom/tracking"

// Revision identifies the version of the tracking record a Load observed.
// It is the commit hash at the tip of the tracking ref, empty when the
// record has never been committed.
type Revision string

// ErrConflict reports that the record advanced since the revision a Save
// was based on. Callers reload and reapply; last-writer-wins is disallowed.
var ErrConflict = errors.New("tracking record changed since last load")

// IOError is a fatal durable-store failure. It is surfaced immediately and
// never retried without operator intervention.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("tracking store %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Store persists the tracking record on the tracking ref of the primary
// repository. The worktree and HEAD are never involved, so loads and saves
// behave identically regardless of which branch is checked out. The store
// does not interpret record contents beyond (de)serialization.
type Store struct {
	repo    *vcs.Repo
	path    string
	retries int
}

// NewStore creates a store writing to path inside the tracking ref's tree.
// retries bounds the reload-and-reapply loop in Update.
func NewStore(repo *vcs.Repo, path string, retries int) *Store {
	if retries < 1 {
		retries = 1
	}
	return &Store{repo: repo, path: path, retries: retries}
}

// Load reads the committed record. A missing or never-committed record is a
// first run: Load returns an empty aggregate and the zero revision.
func (s *Store) Load() (*Record, Revision, error) {
	data, tip, exists, err := s.repo.FileAtRef(Ref, s.path)
	if err != nil {
		return nil, "", &IOError{Op: "load", Err: err}
	}
	if !exists || len(data) == 0 {
		return NewRecord(), Revision(tip), nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, "", &IOError{Op: "decode", Err: err}
	}
	if rec.Sessions == nil {
		rec.Sessions = make(map[string]*Session)
	}
	return &rec, Revision(tip), nil
}

// Save commits the record onto the tracking ref, guarded by a
// compare-and-swap against the revision the caller loaded. ErrConflict
// means a concurrent writer advanced the ref; the caller must reload and
// reapply.
func (s *Store) Save(rec *Record, loaded Revision) (Revision, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", &IOError{Op: "encode", Err: err}
	}
	data = append(data, '\n')
	tip, err := s.repo.CommitFileToRef(Ref, s.path, data, "loom: update tracking record", string(loaded))
	if err != nil {
		if errors.Is(err, vcs.ErrStaleRef) {
			return "", ErrConflict
		}
		return "", &IOError{Op: "save", Err: err}
	}
	return Revision(tip), nil
}

// Update runs load -> apply -> save, reloading and reapplying on conflict up
// to the configured retry bound. apply must be safe to re-run against a
// fresh record.
func (s *Store) Update(apply func(*Record) error) (*Record, error) {
	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		rec, rev, err := s.Load()
		if err != nil {
			return nil, err
		}
		if err := apply(rec); err != nil {
			return nil, err
		}
		if _, err := s.Save(rec, rev); err != nil {
			if errors.Is(err, ErrConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return rec, nil
	}
	return nil, fmt.Errorf("tracking store update: retries exhausted: %w", lastErr)
}
