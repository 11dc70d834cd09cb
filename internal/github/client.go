// Package github wraps the GitHub REST API primitives the QA pipeline needs:
// refs, branches, file commits, pull requests, repository dispatch, and
// workflow run detail.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	gogithub "github.com/google/go-github/v68/github"
	"github.com/maloun/qaorch/internal/config"
	"golang.org/x/oauth2"
)

// APIError wraps a failed GitHub call.
type APIError struct {
	Op  string
	Err error
}

func (e *APIError) Error() string { return fmt.Sprintf("github: %s: %v", e.Op, e.Err) }
func (e *APIError) Unwrap() error { return e.Err }

// PullRequest is the subset of PR data branch resolution and stage 2 need.
type PullRequest struct {
	Number     int
	Title      string
	HeadBranch string
	URL        string
}

// RunStep is one step of a workflow job.
type RunStep struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

// RunJob is one job of a workflow run, with its steps.
type RunJob struct {
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	Steps      []RunStep `json:"steps"`
}

// Client calls the GitHub API for a single configured repository.
type Client struct {
	gh            *gogithub.Client
	owner         string
	repo          string
	defaultBranch string
}

// NewClient builds a Client from the github config section, authenticating
// with an OAuth2 static token transport.
func NewClient(cfg config.GitHubConfig) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	httpc := oauth2.NewClient(context.Background(), ts)
	return newClient(gogithub.NewClient(httpc), cfg)
}

func newClient(gh *gogithub.Client, cfg config.GitHubConfig) *Client {
	return &Client{
		gh:            gh,
		owner:         cfg.Owner,
		repo:          cfg.Repo,
		defaultBranch: cfg.DefaultBranch,
	}
}

// DefaultBranch returns the configured repository default branch.
func (c *Client) DefaultBranch() string { return c.defaultBranch }

// GetRefSHA returns the commit SHA a branch currently points at.
func (c *Client) GetRefSHA(ctx context.Context, branch string) (string, error) {
	ref, _, err := c.gh.Git.GetRef(ctx, c.owner, c.repo, "refs/heads/"+branch)
	if err != nil {
		return "", &APIError{Op: "get ref " + branch, Err: err}
	}
	return ref.GetObject().GetSHA(), nil
}

// CreateBranch creates a new branch pointing at the given SHA.
func (c *Client) CreateBranch(ctx context.Context, name, fromSHA string) error {
	ref := &gogithub.Reference{
		Ref:    gogithub.Ptr("refs/heads/" + name),
		Object: &gogithub.GitObject{SHA: gogithub.Ptr(fromSHA)},
	}
	if _, _, err := c.gh.Git.CreateRef(ctx, c.owner, c.repo, ref); err != nil {
		return &APIError{Op: "create branch " + name, Err: err}
	}
	return nil
}

// CreateOrUpdateFile commits content to a path on a branch. If the file
// already exists its blob SHA is looked up so the commit becomes an update.
func (c *Client) CreateOrUpdateFile(ctx context.Context, branch, path, content, message string) error {
	opts := &gogithub.RepositoryContentFileOptions{
		Message: gogithub.Ptr(message),
		Content: []byte(content),
		Branch:  gogithub.Ptr(branch),
	}

	existing, _, resp, err := c.gh.Repositories.GetContents(ctx, c.owner, c.repo, path,
		&gogithub.RepositoryContentGetOptions{Ref: branch})
	if err == nil && existing != nil {
		opts.SHA = existing.SHA
	} else if resp == nil || resp.StatusCode != http.StatusNotFound {
		return &APIError{Op: "get contents " + path, Err: err}
	}

	if _, _, err := c.gh.Repositories.CreateFile(ctx, c.owner, c.repo, path, opts); err != nil {
		return &APIError{Op: "commit " + path, Err: err}
	}
	return nil
}

// CreatePullRequest opens a PR and returns its URL and number.
func (c *Client) CreatePullRequest(ctx context.Context, title, body, head, base string) (*PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Create(ctx, c.owner, c.repo, &gogithub.NewPullRequest{
		Title: gogithub.Ptr(title),
		Body:  gogithub.Ptr(body),
		Head:  gogithub.Ptr(head),
		Base:  gogithub.Ptr(base),
	})
	if err != nil {
		return nil, &APIError{Op: "create pull request", Err: err}
	}
	return &PullRequest{
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		HeadBranch: pr.GetHead().GetRef(),
		URL:        pr.GetHTMLURL(),
	}, nil
}

// ListOpenPullRequests returns all open PRs. An empty repository yields an
// empty list, not an error.
func (c *Client) ListOpenPullRequests(ctx context.Context) ([]PullRequest, error) {
	prs, resp, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, &gogithub.PullRequestListOptions{
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, &APIError{Op: "list open pull requests", Err: err}
	}

	out := make([]PullRequest, 0, len(prs))
	for _, pr := range prs {
		out = append(out, PullRequest{
			Number:     pr.GetNumber(),
			Title:      pr.GetTitle(),
			HeadBranch: pr.GetHead().GetRef(),
			URL:        pr.GetHTMLURL(),
		})
	}
	return out, nil
}

// ListBranches returns all branch names. An empty repository yields an empty
// list, not an error.
func (c *Client) ListBranches(ctx context.Context) ([]string, error) {
	branches, resp, err := c.gh.Repositories.ListBranches(ctx, c.owner, c.repo, &gogithub.BranchListOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, &APIError{Op: "list branches", Err: err}
	}

	names := make([]string, 0, len(branches))
	for _, b := range branches {
		names = append(names, b.GetName())
	}
	return names, nil
}

// TriggerDispatch fires a repository_dispatch event carrying the payload,
// which the repo's QA workflow listens for.
func (c *Client) TriggerDispatch(ctx context.Context, eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &APIError{Op: "marshal dispatch payload", Err: err}
	}
	raw := json.RawMessage(data)
	_, _, err = c.gh.Repositories.Dispatch(ctx, c.owner, c.repo, gogithub.DispatchRequestOptions{
		EventType:     eventType,
		ClientPayload: &raw,
	})
	if err != nil {
		return &APIError{Op: "repository dispatch " + eventType, Err: err}
	}
	return nil
}

// GetRunDetail fetches the jobs and steps of a workflow run.
func (c *Client) GetRunDetail(ctx context.Context, runID int64) ([]RunJob, error) {
	jobs, _, err := c.gh.Actions.ListWorkflowJobs(ctx, c.owner, c.repo, runID,
		&gogithub.ListWorkflowJobsOptions{ListOptions: gogithub.ListOptions{PerPage: 100}})
	if err != nil {
		return nil, &APIError{Op: fmt.Sprintf("get run %d jobs", runID), Err: err}
	}

	out := make([]RunJob, 0, len(jobs.Jobs))
	for _, job := range jobs.Jobs {
		rj := RunJob{
			Name:       job.GetName(),
			Status:     job.GetStatus(),
			Conclusion: job.GetConclusion(),
		}
		for _, step := range job.Steps {
			rj.Steps = append(rj.Steps, RunStep{
				Name:       step.GetName(),
				Status:     step.GetStatus(),
				Conclusion: step.GetConclusion(),
			})
		}
		out = append(out, rj)
	}
	return out, nil
}

// AddPRComment posts a comment on a pull request.
func (c *Client) AddPRComment(ctx context.Context, number int, body string) error {
	_, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number, &gogithub.IssueComment{
		Body: gogithub.Ptr(body),
	})
	if err != nil {
		return &APIError{Op: fmt.Sprintf("comment on PR #%d", number), Err: err}
	}
	return nil
}
