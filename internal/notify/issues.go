package notify

import (
	"context"
	"fmt"

	"github.com/lucasnoah/argus/internal/github"
)

// GitHubIssues files each message as an issue in the message's repo, or in
// DefaultRepo when the message has none.
type GitHubIssues struct {
	Client      *github.Client
	DefaultRepo string
	Labels      []string
}

func (g *GitHubIssues) Name() string { return "github" }

func (g *GitHubIssues) Publish(ctx context.Context, msg Message) (Result, error) {
	repo := msg.Repo
	if repo == "" {
		repo = g.DefaultRepo
	}
	marker := "argus-key:" + msg.Key
	if msg.Key != "" {
		existing, err := g.Client.FindIssueByMarker(ctx, repo, marker)
		if err != nil {
			return Result{Status: StatusFailed}, err
		}
		if existing != nil {
			return Result{Status: StatusPosted, Ref: existing.URL}, nil
		}
	}

	body := Format(msg)
	if msg.Key != "" {
		body += fmt.Sprintf("\n\n<!-- %s -->", marker)
	}
	ref, err := g.Client.CreateIssue(ctx, github.IssueCreateOpts{
		Repo: repo, Title: msg.Title, Body: body, Labels: g.Labels,
	})
	if err != nil {
		return Result{Status: StatusFailed}, err
	}
	return Result{Status: StatusPosted, Ref: ref.URL}, nil
}
