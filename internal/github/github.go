// Package github files tickets through the gh CLI.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// CmdRunner provides gh command execution. Interface for testing.
type CmdRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs gh commands via exec.
type ExecRunner struct {
	// Token, when set, is passed to gh as GH_TOKEN.
	Token string
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	if r.Token != "" {
		cmd.Env = append(cmd.Environ(), "GH_TOKEN="+r.Token)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Client provides GitHub issue operations.
type Client struct {
	cmd CmdRunner
}

// NewClient creates a GitHub client.
func NewClient(cmd CmdRunner) *Client {
	return &Client{cmd: cmd}
}

var repoRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// ValidateRepo checks that repo has the owner/name form.
func ValidateRepo(repo string) error {
	if !repoRe.MatchString(repo) {
		return fmt.Errorf("invalid repository %q: must be owner/name", repo)
	}
	return nil
}

// IssueCreateOpts describes a new issue.
type IssueCreateOpts struct {
	Repo   string
	Title  string
	Body   string
	Labels []string
}

// IssueRef identifies a created or existing issue.
type IssueRef struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// CreateIssue opens an issue and returns its URL and number.
func (c *Client) CreateIssue(ctx context.Context, opts IssueCreateOpts) (*IssueRef, error) {
	if err := ValidateRepo(opts.Repo); err != nil {
		return nil, err
	}
	args := []string{"issue", "create", "--repo", opts.Repo, "--title", opts.Title, "--body", opts.Body}
	for _, l := range opts.Labels {
		args = append(args, "--label", l)
	}
	out, err := c.cmd.Run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	url := lastLine(out)
	return &IssueRef{URL: url, Number: issueNumber(url)}, nil
}

// FindIssueByMarker returns the first issue, open or closed, whose body
// contains marker, or nil when none does.
func (c *Client) FindIssueByMarker(ctx context.Context, repo, marker string) (*IssueRef, error) {
	if err := ValidateRepo(repo); err != nil {
		return nil, err
	}
	out, err := c.cmd.Run(ctx, "issue", "list", "--repo", repo, "--state", "all",
		"--search", fmt.Sprintf("%q in:body", marker), "--json", "number,url", "--limit", "1")
	if err != nil {
		return nil, fmt.Errorf("search issues: %w", err)
	}
	var issues []IssueRef
	if err := json.Unmarshal([]byte(out), &issues); err != nil {
		return nil, fmt.Errorf("parse issue list JSON: %w", err)
	}
	if len(issues) == 0 {
		return nil, nil
	}
	return &issues[0], nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// issueNumber extracts the trailing number of an issue URL, or 0.
func issueNumber(url string) int {
	i := strings.LastIndex(url, "/")
	n, err := strconv.Atoi(url[i+1:])
	if err != nil {
		return 0
	}
	return n
}
