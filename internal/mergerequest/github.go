package mergerequest

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// GitHubClient creates pull requests via the GitHub REST API.
type GitHubClient struct {
	httpClient *http.Client
}

// NewGitHubClient builds a client with a bounded per-request timeout; retry
// timing itself is governed by doWithRetry's own backoff budget.
func NewGitHubClient() *GitHubClient {
	return &GitHubClient{httpClient: &http.Client{Timeout: 10 * time.Second}}
}

type githubPullRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

type githubPullRequestResponse struct {
	HTMLURL string `json:"html_url"`
}

// Create opens a pull request via POST {base}/repos/{owner}/{repo}/pulls.
// GitHub accepts either "Bearer <token>" or "token <token>" auth; this
// client sends "Bearer", which works for both PATs and OAuth tokens.
func (c *GitHubClient) Create(ctx context.Context, params CreateParams) (*Result, error) {
	base := params.BaseURL
	if base == "" {
		base = "https://api.github.com"
	}
	endpoint := fmt.Sprintf("%s/repos/%s/pulls", base, params.ProjectID)

	body := githubPullRequest{
		Title: params.Title,
		Body:  params.Description,
		Head:  params.SourceBranch,
		Base:  params.TargetBranch,
	}

	newReq := func() (*http.Request, error) {
		payload, err := jsonBody(body)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequest(http.MethodPost, endpoint, payload)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("Authorization", "Bearer "+params.Token)
		return req, nil
	}

	resp, respBody, err := doWithRetry(ctx, c.httpClient, newReq)
	if err != nil {
		return nil, mergeErrKind(err)
	}
	_ = resp

	var parsed githubPullRequestResponse
	if err := unmarshalJSON(respBody, &parsed); err != nil {
		return nil, mergeErrKind(fmt.Errorf("decode github response: %w", err))
	}
	return &Result{URL: parsed.HTMLURL}, nil
}
