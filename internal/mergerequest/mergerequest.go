// Package mergerequest implements opaque HTTPS clients that open a merge
// request on GitHub or GitLab given {token, base, project, title, body,
// source, target}. It treats the git-hosting REST APIs as opaque
// collaborators beyond this single Create call.
package mergerequest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/repobox/runner/internal/rerror"
)

// CreateParams is the input to Creator.Create.
type CreateParams struct {
	Token        string
	BaseURL      string
	ProjectID    string
	Title        string
	Description  string
	SourceBranch string
	TargetBranch string
}

// Result carries the created merge/pull request's URL.
type Result struct {
	URL string
}

// Creator opens a merge/pull request on one git-hosting provider.
type Creator interface {
	Create(ctx context.Context, params CreateParams) (*Result, error)
}

// APIError is a non-2xx response from the git host, with a trimmed body.
type APIError struct {
	Status int
	Body   string // masked
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mr/pr creation failed: status %d: %s", e.Status, e.Body)
}

// retryable reports whether status warrants a bounded retry: 429 and 5xx
// only.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// doWithRetry executes req up to 3 times total (initial + 2 retries) with
// exponential backoff.
func doWithRetry(ctx context.Context, client *http.Client, newReq func() (*http.Request, error)) (*http.Response, []byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 15 * time.Second

	attempt := 0
	var lastResp *http.Response
	var lastBody []byte

	operation := func() error {
		attempt++
		req, err := newReq()
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		lastResp, lastBody = resp, body

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if !retryable(resp.StatusCode) || attempt > 3 {
			return backoff.Permanent(&APIError{Status: resp.StatusCode, Body: mask(string(body))})
		}
		return &APIError{Status: resp.StatusCode, Body: mask(string(body))}
	}

	if err := backoff.Retry(operation, backoff.WithMaxRetries(b, 2)); err != nil {
		return lastResp, lastBody, err
	}
	return lastResp, lastBody, nil
}

// mask is a conservative body-length cap; tokens never appear in response
// bodies (they are request-only), but oversized error bodies are trimmed
// before being attached to a log line.
func mask(body string) string {
	const maxLen = 500
	body = strings.TrimSpace(body)
	if len(body) > maxLen {
		return body[:maxLen] + "..."
	}
	return body
}

// ExtractProjectID derives the provider-specific project identifier from a
// repo URL of the form https://host/owner/repo(.git)?.
func ExtractProjectID(repoURL string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("invalid repo url: %w", err)
	}
	path := strings.TrimPrefix(u.Path, "/")
	path = strings.TrimSuffix(path, ".git")
	if path == "" {
		return "", fmt.Errorf("repo url has no path: %s", repoURL)
	}
	return path, nil
}

// TemplateParams feeds GenerateDescription.
type TemplateParams struct {
	Prompt       string
	LinesAdded   int
	LinesRemoved int
	BranchName   string
	JobID        string
}

// GenerateDescription builds a merge request body summarizing the session:
// prompt summary, diff totals, and branch.
func GenerateDescription(p TemplateParams) string {
	var b strings.Builder
	b.WriteString("## Summary\n\n")
	b.WriteString(p.Prompt)
	b.WriteString("\n\n## Changes\n\n")
	fmt.Fprintf(&b, "- Branch: `%s`\n", p.BranchName)
	fmt.Fprintf(&b, "- Lines added: %d\n", p.LinesAdded)
	fmt.Fprintf(&b, "- Lines removed: %d\n", p.LinesRemoved)
	b.WriteString("\n---\n_Opened automatically by repobox._\n")
	return b.String()
}

// GenerateTitle derives a one-line title from an AI prompt, used by the
// legacy single-shot dispatcher and as the session push executor's fallback
// when no explicit title is supplied.
func GenerateTitle(prompt string) string {
	prompt = strings.TrimSpace(strings.ReplaceAll(prompt, "\n", " "))
	const maxLen = 72
	if len(prompt) > maxLen {
		prompt = prompt[:maxLen-3] + "..."
	}
	if prompt == "" {
		return "repobox: automated change"
	}
	return "repobox: " + prompt
}

func mergeErrKind(err error) error {
	return rerror.New(rerror.KindMRAPI, "mergerequest.Create", err)
}

func jsonBody(v any) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
