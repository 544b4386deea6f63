package git

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// PRState is the lifecycle state of a pull request.
type PRState string

const (
	PRStateOpen   PRState = "OPEN"
	PRStateMerged PRState = "MERGED"
	PRStateClosed PRState = "CLOSED"
)

// IsTerminal reports whether the PR can no longer change.
func (s PRState) IsTerminal() bool {
	return s == PRStateMerged || s == PRStateClosed
}

// Review states reported by GitHub.
const (
	ReviewApproved         = "APPROVED"
	ReviewChangesRequested = "CHANGES_REQUESTED"
	ReviewCommented        = "COMMENTED"
	ReviewDismissed        = "DISMISSED"
)

// ChecksState is the rolled-up status of a PR's CI checks.
type ChecksState string

const (
	ChecksNone    ChecksState = "none"
	ChecksPending ChecksState = "pending"
	ChecksPassing ChecksState = "passing"
	ChecksFailing ChecksState = "failing"
)

// Comment is a top-level PR conversation comment.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Review is a submitted PR review.
type Review struct {
	ID          string    `json:"id"`
	Author      string    `json:"author"`
	State       string    `json:"state"`
	Body        string    `json:"body"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Check is a single CI check run or commit status.
type Check struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

// PRStatus is a snapshot of a pull request.
type PRStatus struct {
	Number           int       `json:"number"`
	URL              string    `json:"url"`
	State            PRState   `json:"state"`
	Mergeable        string    `json:"mergeable"`
	MergeStateStatus string    `json:"mergeStateStatus"`
	ReviewDecision   string    `json:"reviewDecision"`
	HeadRefName      string    `json:"headRefName"`
	BaseRefName      string    `json:"baseRefName"`
	Comments         []Comment `json:"comments"`
	Reviews          []Review  `json:"reviews"`
	Checks           []Check   `json:"checks"`
}

// IsMergeable reports whether GitHub considers the PR mergeable.
func (p *PRStatus) IsMergeable() bool {
	return p.Mergeable == "MERGEABLE"
}

// ChangesRequested reports whether the current review decision asks for changes.
func (p *PRStatus) ChangesRequested() bool {
	return p.ReviewDecision == ReviewChangesRequested
}

// Approved reports whether the current review decision is an approval.
func (p *PRStatus) Approved() bool {
	return p.ReviewDecision == ReviewApproved
}

// ChecksState rolls the PR's checks up into one state.
func (p *PRStatus) ChecksState() ChecksState {
	if len(p.Checks) == 0 {
		return ChecksNone
	}
	pending := false
	for _, c := range p.Checks {
		switch strings.ToUpper(c.Conclusion) {
		case "FAILURE", "ERROR", "TIMED_OUT", "CANCELLED", "ACTION_REQUIRED", "STARTUP_FAILURE":
			return ChecksFailing
		}
		switch strings.ToUpper(c.Status) {
		case "COMPLETED", "":
		default:
			pending = true
		}
	}
	if pending {
		return ChecksPending
	}
	return ChecksPassing
}

// CreatePROptions describes a pull request to open.
type CreatePROptions struct {
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// CreatedPR identifies a newly opened pull request.
type CreatedPR struct {
	Number int
	URL    string
}

// GitHubClient wraps the gh CLI for pull request queries and creation. dir
// is the repository directory gh runs in.
type GitHubClient interface {
	Available(ctx context.Context) error
	PRStatus(ctx context.Context, dir string, number int) (*PRStatus, error)
	CreatePR(ctx context.Context, dir string, opts CreatePROptions) (*CreatedPR, error)
}

// RealGitHubClient implements GitHubClient using the gh CLI.
type RealGitHubClient struct {
	run func(ctx context.Context, dir string, args ...string) (string, error)
}

// NewGitHubClient returns a new RealGitHubClient.
func NewGitHubClient() *RealGitHubClient {
	return &RealGitHubClient{run: ghCmd}
}

func ghCmd(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("gh %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("gh %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Available checks that gh is installed and authenticated.
func (c *RealGitHubClient) Available(ctx context.Context) error {
	_, err := c.run(ctx, "", "auth", "status")
	return err
}

const prViewFields = "number,url,state,mergeable,mergeStateStatus,reviewDecision,headRefName,baseRefName,comments,reviews,statusCheckRollup"

type ghAuthor struct {
	Login string `json:"login"`
}

type prViewRaw struct {
	Number           int     `json:"number"`
	URL              string  `json:"url"`
	State            PRState `json:"state"`
	Mergeable        string  `json:"mergeable"`
	MergeStateStatus string  `json:"mergeStateStatus"`
	ReviewDecision   string  `json:"reviewDecision"`
	HeadRefName      string  `json:"headRefName"`
	BaseRefName      string  `json:"baseRefName"`
	Comments         []struct {
		ID        string    `json:"id"`
		Author    ghAuthor  `json:"author"`
		Body      string    `json:"body"`
		CreatedAt time.Time `json:"createdAt"`
	} `json:"comments"`
	Reviews []struct {
		ID          string    `json:"id"`
		Author      ghAuthor  `json:"author"`
		State       string    `json:"state"`
		Body        string    `json:"body"`
		SubmittedAt time.Time `json:"submittedAt"`
	} `json:"reviews"`
	// statusCheckRollup mixes CheckRun (name/status/conclusion) and
	// StatusContext (context/state) entries.
	StatusCheckRollup []struct {
		Name       string `json:"name"`
		Context    string `json:"context"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
		State      string `json:"state"`
	} `json:"statusCheckRollup"`
}

// ParsePRView converts `gh pr view --json` output into a PRStatus.
func ParsePRView(data []byte) (*PRStatus, error) {
	var raw prViewRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse PR status: %w", err)
	}

	st := &PRStatus{
		Number:           raw.Number,
		URL:              raw.URL,
		State:            raw.State,
		Mergeable:        raw.Mergeable,
		MergeStateStatus: raw.MergeStateStatus,
		ReviewDecision:   raw.ReviewDecision,
		HeadRefName:      raw.HeadRefName,
		BaseRefName:      raw.BaseRefName,
	}
	for _, c := range raw.Comments {
		st.Comments = append(st.Comments, Comment{ID: c.ID, Author: c.Author.Login, Body: c.Body, CreatedAt: c.CreatedAt})
	}
	for _, r := range raw.Reviews {
		st.Reviews = append(st.Reviews, Review{ID: r.ID, Author: r.Author.Login, State: r.State, Body: r.Body, SubmittedAt: r.SubmittedAt})
	}
	for _, c := range raw.StatusCheckRollup {
		chk := Check{Name: c.Name, Status: c.Status, Conclusion: c.Conclusion}
		if chk.Name == "" {
			chk.Name = c.Context
		}
		if c.State != "" {
			// Commit statuses: SUCCESS, FAILURE, ERROR, PENDING, EXPECTED.
			switch strings.ToUpper(c.State) {
			case "PENDING", "EXPECTED":
				chk.Status = "PENDING"
			default:
				chk.Status = "COMPLETED"
				chk.Conclusion = strings.ToUpper(c.State)
			}
		}
		st.Checks = append(st.Checks, chk)
	}
	return st, nil
}

func (c *RealGitHubClient) PRStatus(ctx context.Context, dir string, number int) (*PRStatus, error) {
	out, err := c.run(ctx, dir, "pr", "view", strconv.Itoa(number), "--json", prViewFields)
	if err != nil {
		return nil, err
	}
	return ParsePRView([]byte(out))
}

// CreatePR opens a pull request and returns its number and URL.
func (c *RealGitHubClient) CreatePR(ctx context.Context, dir string, opts CreatePROptions) (*CreatedPR, error) {
	args := []string{"pr", "create",
		"--title", opts.Title,
		"--body", opts.Body,
		"--head", opts.Head,
	}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}
	if opts.Draft {
		args = append(args, "--draft")
	}

	out, err := c.run(ctx, dir, args...)
	if err != nil {
		return nil, err
	}

	// gh prints the PR URL as the last line of output.
	lines := strings.Split(out, "\n")
	url := strings.TrimSpace(lines[len(lines)-1])
	number, err := PRNumberFromURL(url)
	if err != nil {
		return nil, err
	}
	return &CreatedPR{Number: number, URL: url}, nil
}

// PRNumberFromURL extracts N from ".../pull/N".
func PRNumberFromURL(url string) (int, error) {
	idx := strings.LastIndex(url, "/pull/")
	if idx < 0 {
		return 0, fmt.Errorf("cannot parse PR number from %q", url)
	}
	n, err := strconv.Atoi(strings.TrimSuffix(url[idx+len("/pull/"):], "/"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("cannot parse PR number from %q", url)
	}
	return n, nil
}
