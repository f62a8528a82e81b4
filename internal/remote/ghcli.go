package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// OverrideLabel is the label on a primary-repository review request that
// bypasses the merge-order guard. Its use is always recorded in the
// decision output.
const OverrideLabel = "merge-override"

// CLIHost implements Host by shelling out to the gh CLI inside each
// repository's working directory. Request ids are "repo#number" so a bare
// id carries enough context for later status lookups.
type CLIHost struct {
	// DirFor resolves a repository name to its working directory.
	DirFor  func(repo string) (string, error)
	Timeout time.Duration
}

func NewCLIHost(dirFor func(repo string) (string, error), timeout time.Duration) *CLIHost {
	return &CLIHost{DirFor: dirFor, Timeout: timeout}
}

func (h *CLIHost) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("gh %s: timed out", args[0])
		}
		return nil, fmt.Errorf("gh %s: %v: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func (h *CLIHost) FindOpenRequest(ctx context.Context, repo, branch string) (string, error) {
	dir, err := h.DirFor(repo)
	if err != nil {
		return "", err
	}
	out, err := h.run(ctx, dir, "pr", "list", "--head", branch, "--state", "open", "--json", "number", "--limit", "1")
	if err != nil {
		return "", err
	}
	var prs []struct {
		Number int `json:"number"`
	}
	if err := json.Unmarshal(out, &prs); err != nil {
		return "", fmt.Errorf("parse pr list output: %w", err)
	}
	if len(prs) == 0 {
		return "", nil
	}
	return requestID(repo, prs[0].Number), nil
}

func (h *CLIHost) CreateRequest(ctx context.Context, repo, branch, title string) (string, error) {
	dir, err := h.DirFor(repo)
	if err != nil {
		return "", err
	}
	if _, err := h.run(ctx, dir, "pr", "create", "--head", branch, "--title", title, "--body", ""); err != nil {
		return "", err
	}
	// gh pr create prints a URL; resolve the number separately so the id
	// format stays uniform.
	id, err := h.FindOpenRequest(ctx, repo, branch)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("review request for %s/%s not visible after create", repo, branch)
	}
	return id, nil
}

func (h *CLIHost) RequestStatus(ctx context.Context, id string) (RequestState, error) {
	repo, number, err := parseRequestID(id)
	if err != nil {
		return StateNone, err
	}
	dir, err := h.DirFor(repo)
	if err != nil {
		return StateNone, err
	}
	out, err := h.run(ctx, dir, "pr", "view", strconv.Itoa(number), "--json", "state")
	if err != nil {
		return StateNone, err
	}
	var pr struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(out, &pr); err != nil {
		return StateNone, fmt.Errorf("parse pr view output: %w", err)
	}
	switch pr.State {
	case "OPEN":
		return StateOpen, nil
	case "MERGED":
		return StateMerged, nil
	case "CLOSED":
		return StateClosed, nil
	default:
		return StateNone, fmt.Errorf("unknown review request state %q for %s", pr.State, id)
	}
}

func (h *CLIHost) HasOverrideMarker(ctx context.Context, id string) (bool, error) {
	repo, number, err := parseRequestID(id)
	if err != nil {
		return false, err
	}
	dir, err := h.DirFor(repo)
	if err != nil {
		return false, err
	}
	out, err := h.run(ctx, dir, "pr", "view", strconv.Itoa(number), "--json", "labels")
	if err != nil {
		return false, err
	}
	var pr struct {
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	}
	if err := json.Unmarshal(out, &pr); err != nil {
		return false, fmt.Errorf("parse pr labels output: %w", err)
	}
	for _, label := range pr.Labels {
		if label.Name == OverrideLabel {
			return true, nil
		}
	}
	return false, nil
}

func requestID(repo string, number int) string {
	return fmt.Sprintf("%s#%d", repo, number)
}

func parseRequestID(id string) (string, int, error) {
	repo, num, ok := strings.Cut(id, "#")
	if !ok {
		return "", 0, fmt.Errorf("malformed request id %q", id)
	}
	number, err := strconv.Atoi(num)
	if err != nil {
		return "", 0, fmt.Errorf("malformed request id %q: %w", id, err)
	}
	return repo, number, nil
}
