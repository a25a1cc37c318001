// Package github is the reference Forge implementation, backed by the
// go-github SDK and an oauth2 static token source rather than shelling
// out to a forge CLI.
package github

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"

	"github.com/cuemby/fleet/pkg/forge"
)

// Client adapts the go-github SDK to the forge.Forge interface.
type Client struct {
	gh *github.Client
}

// New builds a Client authenticated with a personal/installation
// access token.
func New(ctx context.Context, token string) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &Client{gh: github.NewClient(oauth2.NewClient(ctx, ts))}
}

func (c *Client) GetPRForBranch(ctx context.Context, repo forge.Repo, branch string) (int, bool, error) {
	prs, _, err := c.gh.PullRequests.List(ctx, repo.Owner, repo.Name, &github.PullRequestListOptions{
		Head:  fmt.Sprintf("%s:%s", repo.Owner, branch),
		State: "open",
	})
	if err != nil {
		return 0, false, fmt.Errorf("listing PRs for branch %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return 0, false, nil
	}
	return prs[0].GetNumber(), true, nil
}

func (c *Client) GetPRStatus(ctx context.Context, repo forge.Repo, prNumber int) (forge.PRStatus, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, repo.Owner, repo.Name, prNumber)
	if err != nil {
		return forge.PRStatus{}, fmt.Errorf("getting PR #%d: %w", prNumber, err)
	}

	status := forge.PRStatus{
		Number:    pr.GetNumber(),
		URL:       pr.GetHTMLURL(),
		Additions: pr.GetAdditions(),
		Deletions: pr.GetDeletions(),
	}

	switch {
	case pr.GetMerged():
		status.State = forge.PRStateMerged
	case pr.GetState() == "closed":
		status.State = forge.PRStateClosed
	default:
		status.State = forge.PRStateOpen
	}

	for _, l := range pr.Labels {
		status.Labels = append(status.Labels, l.GetName())
	}

	ci, err := c.ciStatus(ctx, repo, pr.GetHead().GetSHA())
	if err != nil {
		return forge.PRStatus{}, fmt.Errorf("getting CI status for PR #%d: %w", prNumber, err)
	}
	status.CI = ci

	return status, nil
}

func (c *Client) ciStatus(ctx context.Context, repo forge.Repo, ref string) (forge.CIStatus, error) {
	if ref == "" {
		return forge.CIUnknown, nil
	}
	combined, _, err := c.gh.Repositories.GetCombinedStatus(ctx, repo.Owner, repo.Name, ref, nil)
	if err != nil {
		return forge.CIUnknown, fmt.Errorf("combined status: %w", err)
	}
	switch combined.GetState() {
	case "success":
		return forge.CIPassed, nil
	case "failure", "error":
		return forge.CIFailed, nil
	case "pending":
		return forge.CIPending, nil
	default:
		return forge.CIUnknown, nil
	}
}

func (c *Client) AddLabel(ctx context.Context, repo forge.Repo, prNumber int, label string) error {
	_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, repo.Owner, repo.Name, prNumber, []string{label})
	if err != nil {
		return fmt.Errorf("adding label %s to PR #%d: %w", label, prNumber, err)
	}
	return nil
}

func (c *Client) RemoveLabel(ctx context.Context, repo forge.Repo, prNumber int, label string) error {
	_, err := c.gh.Issues.RemoveLabelForIssue(ctx, repo.Owner, repo.Name, prNumber, label)
	if err != nil {
		return fmt.Errorf("removing label %s from PR #%d: %w", label, prNumber, err)
	}
	return nil
}

func (c *Client) Merge(ctx context.Context, repo forge.Repo, prNumber int, strategy forge.MergeStrategy, deleteBranch bool) (bool, error) {
	opts := &github.PullRequestOptions{MergeMethod: string(strategy)}
	result, _, err := c.gh.PullRequests.Merge(ctx, repo.Owner, repo.Name, prNumber, "", opts)
	if err != nil {
		return false, fmt.Errorf("merging PR #%d: %w", prNumber, err)
	}
	if !result.GetMerged() {
		return false, nil
	}

	if deleteBranch {
		pr, _, err := c.gh.PullRequests.Get(ctx, repo.Owner, repo.Name, prNumber)
		if err == nil && pr.GetHead() != nil {
			ref := fmt.Sprintf("heads/%s", pr.GetHead().GetRef())
			_, _ = c.gh.Git.DeleteRef(ctx, repo.Owner, repo.Name, ref)
		}
	}

	return true, nil
}

func (c *Client) DiffFiles(ctx context.Context, repo forge.Repo, prNumber int) ([]string, error) {
	var paths []string
	opts := &github.ListOptions{PerPage: 100}
	for {
		files, resp, err := c.gh.PullRequests.ListFiles(ctx, repo.Owner, repo.Name, prNumber, opts)
		if err != nil {
			return nil, fmt.Errorf("listing files for PR #%d: %w", prNumber, err)
		}
		for _, f := range files {
			paths = append(paths, f.GetFilename())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return paths, nil
}

// Discover shells out to `git remote get-url origin` in worktreePath
// and parses an owner/repo pair from it, the one piece of this adapter
// that talks to the worktree tool's surface rather than the GitHub API.
func (c *Client) Discover(ctx context.Context, worktreePath string) (forge.Repo, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", worktreePath, "remote", "get-url", "origin")
	out, err := cmd.Output()
	if err != nil {
		return forge.Repo{}, fmt.Errorf("reading origin remote in %s: %w", worktreePath, err)
	}
	return parseOwnerRepo(strings.TrimSpace(string(out)))
}

func parseOwnerRepo(remoteURL string) (forge.Repo, error) {
	s := strings.TrimSuffix(remoteURL, ".git")
	s = strings.TrimPrefix(s, "git@github.com:")
	if idx := strings.Index(s, "github.com/"); idx >= 0 {
		s = s[idx+len("github.com/"):]
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 {
		return forge.Repo{}, fmt.Errorf("cannot parse owner/repo from remote %q", remoteURL)
	}
	return forge.Repo{Owner: parts[len(parts)-2], Name: parts[len(parts)-1]}, nil
}
