package mergerequest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// GitLabClient creates merge requests via the GitLab REST API.
type GitLabClient struct {
	httpClient *http.Client
}

func NewGitLabClient() *GitLabClient {
	return &GitLabClient{httpClient: &http.Client{Timeout: 10 * time.Second}}
}

type gitlabMergeRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
}

type gitlabMergeRequestResponse struct {
	WebURL string `json:"web_url"`
}

// Create opens a merge request via POST
// {base}/api/v4/projects/{urlEncodedId}/merge_requests, authenticated with a
// PRIVATE-TOKEN header.
func (c *GitLabClient) Create(ctx context.Context, params CreateParams) (*Result, error) {
	base := params.BaseURL
	if base == "" {
		base = "https://gitlab.com"
	}
	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/merge_requests", base, url.PathEscape(params.ProjectID))

	body := gitlabMergeRequest{
		Title:        params.Title,
		Description:  params.Description,
		SourceBranch: params.SourceBranch,
		TargetBranch: params.TargetBranch,
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
		req.Header.Set("PRIVATE-TOKEN", params.Token)
		return req, nil
	}

	resp, respBody, err := doWithRetry(ctx, c.httpClient, newReq)
	if err != nil {
		return nil, mergeErrKind(err)
	}
	_ = resp

	var parsed gitlabMergeRequestResponse
	if err := unmarshalJSON(respBody, &parsed); err != nil {
		return nil, mergeErrKind(fmt.Errorf("decode gitlab response: %w", err))
	}
	return &Result{URL: parsed.WebURL}, nil
}
